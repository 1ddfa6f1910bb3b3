// Package session is the participant's state machine: acquire media once,
// then loop match → handshake → connected → teardown until told to stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/JassCoder/atm-video-call/internal/abuse"
	"github.com/JassCoder/atm-video-call/internal/chat"
	"github.com/JassCoder/atm-video-call/internal/match"
	"github.com/JassCoder/atm-video-call/internal/media"
	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/room"
	"github.com/JassCoder/atm-video-call/internal/signal"
	"github.com/JassCoder/atm-video-call/internal/transport"
)

// Phase is the session's observable state.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseMediaAcquiring Phase = "media_acquiring"
	PhaseMediaReady     Phase = "media_ready"
	PhaseMatching       Phase = "matching"
	PhaseOffering       Phase = "offering"
	PhaseAnswering      Phase = "answering"
	PhaseConnected      Phase = "connected"
	PhaseClosing        Phase = "closing"
)

const disposeTimeout = 5 * time.Second

// TransportFactory builds a fresh transport for one attempt. configure
// registers the capture stream's codecs on the new connection's engine.
type TransportFactory func(configure func(*webrtc.MediaEngine) error) (transport.Transport, error)

// Deps are the collaborators a session drives. All are required except
// Constraints, Metrics and Logger.
type Deps struct {
	Capture      media.Capture
	Constraints  *media.Constraints // nil means media.DefaultConstraints
	Rooms        *room.Manager
	Matcher      *match.Matchmaker
	Chat         *chat.Relay
	Blocked      *abuse.BlockedSet
	Reporter     *abuse.Reporter
	NewTransport TransportFactory
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Session runs one participant. Run owns the lifecycle; Skip, Report and the
// chat methods poke the current attempt from outside.
type Session struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	deps    Deps
	filters room.Filters

	mu        sync.Mutex
	phase     Phase
	roomID    string         // current attempt's room, "" outside attempts
	ctrl      chan ctrlEvent // current attempt's control channel, nil outside attempts
	pastRooms map[string]struct{}
}

type ctrlKind int

const (
	ctrlSkip ctrlKind = iota
	ctrlReport
	ctrlConnected
	ctrlDisconnected
	ctrlHandshakeFailed
)

type ctrlEvent struct {
	kind ctrlKind
	err  error
}

func New(filters room.Filters, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Session{
		log:       deps.Logger,
		metrics:   deps.Metrics,
		deps:      deps,
		filters:   filters,
		phase:     PhaseIdle,
		pastRooms: make(map[string]struct{}),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RoomID returns the current attempt's room id, or "".
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Skip abandons the current attempt and re-enters matching. No-op outside an
// attempt.
func (s *Session) Skip() { s.poke(ctrlEvent{kind: ctrlSkip}) }

// Report files an abuse report for the current room, blocks it from future
// matching and then behaves like Skip.
func (s *Session) Report() { s.poke(ctrlEvent{kind: ctrlReport}) }

// SendChat sends text into the current room's chat.
func (s *Session) SendChat(ctx context.Context, text string) error {
	return s.deps.Chat.Send(ctx, s.RoomID(), text)
}

// ChatView opens a live view on the current room's chat. Fails outside an
// attempt.
func (s *Session) ChatView(ctx context.Context) (*chat.View, error) {
	roomID := s.RoomID()
	if roomID == "" {
		return nil, errors.New("session: no active room")
	}
	return s.deps.Chat.Subscribe(ctx, roomID)
}

func (s *Session) poke(ev ctrlEvent) {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return
	}
	select {
	case ctrl <- ev:
	default:
	}
}

// Run drives the session until ctx is cancelled. The only error returned
// before that is a failure to start: media acquisition
// (media.ErrMediaUnavailable) or a broken store.
func (s *Session) Run(ctx context.Context) error {
	s.setPhase(PhaseMediaAcquiring)
	constraints := media.DefaultConstraints()
	if s.deps.Constraints != nil {
		constraints = *s.deps.Constraints
	}
	stream, err := s.deps.Capture.Acquire(ctx, constraints)
	if err != nil {
		s.setPhase(PhaseIdle)
		return fmt.Errorf("acquire media: %w", err)
	}
	defer stream.Close()
	s.setPhase(PhaseMediaReady)

	for {
		if err := ctx.Err(); err != nil {
			s.setPhase(PhaseIdle)
			return err
		}
		if err := s.attempt(ctx, stream); err != nil {
			s.setPhase(PhaseIdle)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// recoverable errors re-enter matching instead of ending the session.
func recoverable(err error) bool {
	return errors.Is(err, room.ErrAnswerRaceLost) ||
		errors.Is(err, room.ErrRoomNotFound) ||
		errors.Is(err, signal.ErrOfferMissing)
}

// attempt runs one full cycle: match, handshake, stay connected until
// something ends it, tear down. A nil return means "go match again".
func (s *Session) attempt(ctx context.Context, stream media.Stream) error {
	s.setPhase(PhaseMatching)

	outcome, err := s.deps.Matcher.Match(ctx, s.filters, excluderFunc(s.excluded))
	if err != nil {
		return err
	}
	log := s.log.With("room_id", outcome.RoomID, "role", string(outcome.Role))

	tr, err := s.deps.NewTransport(stream.ConfigureEngine)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	if err := tr.AttachTracks(stream.Tracks()); err != nil {
		tr.Close()
		return fmt.Errorf("attach tracks: %w", err)
	}

	ctrl := make(chan ctrlEvent, 4)
	s.beginAttempt(outcome.RoomID, ctrl)

	tr.OnConnected(func() { s.poke(ctrlEvent{kind: ctrlConnected}) })
	tr.OnDisconnected(func() { s.poke(ctrlEvent{kind: ctrlDisconnected}) })
	tr.OnRemoteTrack(func(kind string) { log.Debug("remote track", "kind", kind) })

	ex := signal.New(s.deps.Rooms, tr, outcome.Role, outcome.RoomID, s.filters, s.metrics, s.log)
	ex.OnAsyncError(func(err error) { s.poke(ctrlEvent{kind: ctrlHandshakeFailed, err: err}) })

	if outcome.Role == room.RoleCaller {
		s.setPhase(PhaseOffering)
	} else {
		s.setPhase(PhaseAnswering)
	}

	// The caller owns its room from creation; the callee owns it only after
	// winning the answer race.
	claimed := outcome.Role == room.RoleCaller
	if err := ex.Start(ctx); err != nil {
		s.teardown(log, ex, tr, outcome, claimed)
		if recoverable(err) {
			log.Info("attempt failed, re-matching", "err", err)
			return nil
		}
		return err
	}
	claimed = true

	err = s.await(ctx, ctrl, log)
	s.teardown(log, ex, tr, outcome, claimed)
	return err
}

// await blocks until the attempt ends. nil means re-match.
func (s *Session) await(ctx context.Context, ctrl chan ctrlEvent, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ctrl:
			switch ev.kind {
			case ctrlConnected:
				s.metrics.Inc(metrics.SessionsConnected)
				s.setPhase(PhaseConnected)
				log.Info("connected")
			case ctrlSkip:
				log.Info("skipped")
				return nil
			case ctrlReport:
				s.fileReport(log)
				return nil
			case ctrlDisconnected:
				s.metrics.Inc(metrics.TransportFailures)
				log.Info("transport disconnected")
				return nil
			case ctrlHandshakeFailed:
				if recoverable(ev.err) {
					log.Info("handshake failed, re-matching", "err", ev.err)
				} else {
					s.metrics.Inc(metrics.TransportFailures)
					log.Warn("handshake failed", "err", ev.err)
				}
				return nil
			}
		}
	}
}

func (s *Session) fileReport(log *slog.Logger) {
	roomID := s.RoomID()
	s.deps.Blocked.Add(roomID)
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := s.deps.Reporter.Report(ctx, roomID, s.filters.Gender); err != nil {
		log.Warn("report failed", "err", err)
	}
}

// teardown is the Closing phase: cancel signaling, close the transport,
// dispose the room when it was ours to dispose, and remember the room id so
// matching never returns here.
func (s *Session) teardown(log *slog.Logger, ex *signal.Exchange, tr transport.Transport, outcome match.Outcome, claimed bool) {
	s.setPhase(PhaseClosing)

	ex.Close()
	if err := tr.Close(); err != nil {
		log.Warn("transport close failed", "err", err)
	}

	if claimed {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		s.deps.Rooms.DisposeRoom(ctx, outcome.RoomID)
		cancel()
	}
	s.endAttempt(outcome.RoomID)
	s.setPhase(PhaseIdle)
}

func (s *Session) beginAttempt(roomID string, ctrl chan ctrlEvent) {
	s.mu.Lock()
	s.roomID = roomID
	s.ctrl = ctrl
	s.mu.Unlock()
}

func (s *Session) endAttempt(roomID string) {
	s.mu.Lock()
	s.roomID = ""
	s.ctrl = nil
	s.pastRooms[roomID] = struct{}{}
	s.mu.Unlock()
}

// excluded combines the report block list with the session's own past rooms.
func (s *Session) excluded(roomID string) bool {
	if s.deps.Blocked.Contains(roomID) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pastRooms[roomID]
	return ok
}

type excluderFunc func(string) bool

func (f excluderFunc) Contains(roomID string) bool { return f(roomID) }

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	from := s.phase
	s.phase = p
	s.mu.Unlock()
	if from != p {
		s.log.Debug("phase change", "from", string(from), "to", string(p))
	}
}
