// Package signal drives one room's offer/answer/candidate handshake for one
// role. It owns no policy: the session decides when an exchange starts and
// what happens when it fails.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/room"
	"github.com/JassCoder/atm-video-call/internal/store"
	"github.com/JassCoder/atm-video-call/internal/transport"
)

// ErrOfferMissing means the callee joined a room whose offer never landed.
var ErrOfferMissing = errors.New("signal: offer missing")

const candidateWriteTimeout = 5 * time.Second

// Exchange performs the handshake for a single attempt. Build a fresh one
// per attempt; Start once, Close on teardown.
type Exchange struct {
	log       *slog.Logger
	rooms     *room.Manager
	transport transport.Transport
	metrics   *metrics.Metrics

	role    room.Role
	roomID  string
	filters room.Filters

	mu            sync.Mutex
	closed        bool
	answerApplied bool
	remoteSet     bool
	pending       []transport.Candidate // buffered until the remote description lands
	applied       map[string]struct{}   // candidate log doc ids already handled
	subs          []*store.Subscription

	failOnce sync.Once
	onError  func(error)
}

// New builds an exchange for the given role in the given room.
func New(rooms *room.Manager, tr transport.Transport, role room.Role, roomID string, filters room.Filters, m *metrics.Metrics, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Exchange{
		log:       logger.With("role", string(role), "room_id", roomID),
		rooms:     rooms,
		transport: tr,
		metrics:   m,
		role:      role,
		roomID:    roomID,
		filters:   filters,
		applied:   make(map[string]struct{}),
	}
}

// OnAsyncError registers the sink for failures that happen after Start
// returned (answer application, room disappearing mid-handshake). Fires at
// most once. Must be set before Start.
func (e *Exchange) OnAsyncError(fn func(error)) { e.onError = fn }

// Start runs the role's synchronous half of the handshake and leaves
// watchers running until the exchange is closed.
//
// Caller: publish offer, then watch for the answer and callee candidates.
// Callee: read offer, publish answer (ErrAnswerRaceLost, ErrOfferMissing
// surface here), then watch caller candidates.
func (e *Exchange) Start(ctx context.Context) error {
	e.transport.OnLocalCandidate(e.publishLocalCandidate)

	switch e.role {
	case room.RoleCaller:
		return e.startCaller(ctx)
	case room.RoleCallee:
		return e.startCallee(ctx)
	default:
		return fmt.Errorf("signal: unknown role %q", e.role)
	}
}

func (e *Exchange) startCaller(ctx context.Context) error {
	offer, err := e.transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.rooms.PublishOffer(ctx, e.roomID, offer, e.filters); err != nil {
		return err
	}

	roomSub, err := e.rooms.SubscribeRoom(e.roomID)
	if err != nil {
		return fmt.Errorf("subscribe room: %w", err)
	}
	e.track(roomSub)
	go e.watchAnswer(ctx, roomSub)

	return e.watchCandidateLog(ctx)
}

func (e *Exchange) startCallee(ctx context.Context) error {
	rm, err := e.rooms.ReadRoom(ctx, e.roomID)
	if err != nil {
		return err
	}
	if rm.Offer == nil {
		return ErrOfferMissing
	}
	if err := e.transport.SetRemoteDescription(*rm.Offer); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	e.remoteDescriptionSet()

	answer, err := e.transport.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.rooms.PublishAnswer(ctx, e.roomID, answer, e.filters); err != nil {
		return err
	}

	return e.watchCandidateLog(ctx)
}

func (e *Exchange) watchCandidateLog(ctx context.Context) error {
	sub, err := e.rooms.SubscribeCandidates(e.roomID)
	if err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	e.track(sub)
	go e.watchCandidates(ctx, sub)
	return nil
}

// Close cancels the exchange's subscriptions. Idempotent; safe while
// watchers are running.
func (e *Exchange) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (e *Exchange) track(sub *store.Subscription) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Cancel()
		return
	}
	e.subs = append(e.subs, sub)
	e.mu.Unlock()
}

func (e *Exchange) watchAnswer(ctx context.Context, sub *store.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Snapshots():
			if !ok {
				e.fail(fmt.Errorf("room watch ended: %w", store.ErrClosed))
				return
			}
			if len(snap.Removed) > 0 {
				e.fail(room.ErrRoomNotFound)
				return
			}
			for _, doc := range append(snap.Added, snap.Changed...) {
				rm := room.RoomFromDocument(doc)
				if rm.Answer == nil {
					continue
				}
				if !e.markAnswerApplied() {
					return // delivery is at-least-once; apply exactly once
				}
				if err := e.transport.SetRemoteDescription(*rm.Answer); err != nil {
					e.fail(fmt.Errorf("apply answer: %w", err))
					return
				}
				e.remoteDescriptionSet()
				sub.Cancel()
				return
			}
		}
	}
}

func (e *Exchange) watchCandidates(ctx context.Context, sub *store.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			for _, doc := range snap.Added {
				rec, ok := room.CandidateFromDocument(doc)
				if !ok {
					e.log.Warn("skipping malformed candidate record", "doc_id", doc.ID)
					continue
				}
				if rec.Role == e.role {
					continue // own entries in the shared log
				}
				e.handleRemoteCandidate(rec)
			}
		}
	}
}

// handleRemoteCandidate applies one peer candidate exactly once, buffering
// it while the remote description is still pending.
func (e *Exchange) handleRemoteCandidate(rec room.CandidateRecord) {
	e.mu.Lock()
	if _, dup := e.applied[rec.ID]; dup {
		e.mu.Unlock()
		return
	}
	e.applied[rec.ID] = struct{}{}
	if !e.remoteSet {
		e.pending = append(e.pending, rec.Candidate)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.addCandidate(rec.Candidate)
}

// remoteDescriptionSet opens the gate and flushes buffered candidates in
// arrival order.
func (e *Exchange) remoteDescriptionSet() {
	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		e.addCandidate(c)
	}
}

func (e *Exchange) addCandidate(c transport.Candidate) {
	if err := e.transport.AddRemoteCandidate(c); err != nil {
		e.log.Warn("apply remote candidate failed", "err", err)
	}
}

func (e *Exchange) markAnswerApplied() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.answerApplied {
		return false
	}
	e.answerApplied = true
	return true
}

// publishLocalCandidate appends the candidate fire-and-forget; a lost
// candidate degrades connectivity but never the handshake.
func (e *Exchange) publishLocalCandidate(c transport.Candidate) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), candidateWriteTimeout)
		defer cancel()
		if err := e.rooms.AddCandidate(ctx, e.roomID, e.role, c); err != nil {
			e.metrics.Inc(metrics.CandidateWriteFailed)
			e.log.Warn("candidate write failed", "err", err)
		}
	}()
}

func (e *Exchange) fail(err error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.failOnce.Do(func() {
		e.log.Warn("handshake failed", "err", err)
		if e.onError != nil {
			e.onError(err)
		}
	})
}
