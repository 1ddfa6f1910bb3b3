package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/store"
	"github.com/JassCoder/atm-video-call/internal/transport"
)

// Manager performs room lifecycle operations against the rendezvous store.
// It is shared by the matchmaker, the signaling exchange and the session.
type Manager struct {
	log     *slog.Logger
	store   store.Store
	metrics *metrics.Metrics
}

func NewManager(st store.Store, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{log: logger, store: st, metrics: m}
}

// CreateRoom creates an open room carrying the creator's filters. The offer
// follows via PublishOffer.
func (m *Manager) CreateRoom(ctx context.Context, filters Filters) (string, error) {
	id, err := m.store.Create(ctx, RoomsCollection, store.Doc{"filters": filtersToDoc(filters)})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	m.metrics.Inc(metrics.RoomsCreated)
	return id, nil
}

// PublishOffer writes the caller's offer onto the room document.
func (m *Manager) PublishOffer(ctx context.Context, roomID string, offer transport.SessionDescription, filters Filters) error {
	err := m.store.Write(ctx, RoomPath(roomID), store.Doc{
		"offer":   descToDoc(offer),
		"filters": filtersToDoc(filters),
	}, true)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}

// PublishAnswer claims the room for the callee: the answer lands together
// with the callee's filters, which overwrite the caller's on the room
// document. It read-checks for an existing answer first; the rare write race
// between the check and the write is accepted, the loser recovers on
// transport failure.
func (m *Manager) PublishAnswer(ctx context.Context, roomID string, answer transport.SessionDescription, filters Filters) error {
	current, err := m.ReadRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !current.Open() {
		m.metrics.Inc(metrics.AnswerRaceLost)
		return ErrAnswerRaceLost
	}
	err = m.store.Write(ctx, RoomPath(roomID), store.Doc{
		"answer":  descToDoc(answer),
		"filters": filtersToDoc(filters),
	}, true)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

// ReadRoom fetches and decodes the room document.
func (m *Manager) ReadRoom(ctx context.Context, roomID string) (Room, error) {
	data, err := m.store.Read(ctx, RoomPath(roomID))
	if errors.Is(err, store.ErrNotFound) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("read room: %w", err)
	}
	return RoomFromDoc(roomID, data), nil
}

// DisposeRoom deletes the room and everything under it. Best-effort: a
// failure is logged and counted, never propagated, so teardown always
// completes locally.
func (m *Manager) DisposeRoom(ctx context.Context, roomID string) {
	if roomID == "" {
		return
	}
	if err := m.store.Delete(ctx, RoomPath(roomID)); err != nil {
		m.metrics.Inc(metrics.DisposeFailed)
		m.log.Warn("room dispose failed", "room_id", roomID, "err", err)
		return
	}
	m.metrics.Inc(metrics.RoomsDisposed)
}

// AddCandidate appends a role-tagged candidate to the room's log.
func (m *Manager) AddCandidate(ctx context.Context, roomID string, role Role, c transport.Candidate) error {
	if _, err := m.store.Append(ctx, CandidatesPath(roomID), candidateToDoc(role, c)); err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	return nil
}

// SubscribeRooms watches the rooms collection for the matchmaker.
func (m *Manager) SubscribeRooms() (*store.Subscription, error) {
	return m.store.Subscribe(RoomsCollection)
}

// SubscribeRoom watches one room document for the answer.
func (m *Manager) SubscribeRoom(roomID string) (*store.Subscription, error) {
	return m.store.Subscribe(RoomPath(roomID))
}

// SubscribeCandidates watches a room's candidate log.
func (m *Manager) SubscribeCandidates(roomID string) (*store.Subscription, error) {
	return m.store.Subscribe(CandidatesPath(roomID))
}
