// Package match finds a peer: scan open rooms with the gender predicate,
// relax it after a grace window, create a room when nobody is there.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/room"
	"github.com/JassCoder/atm-video-call/internal/store"
)

// DefaultGraceWindow is how long the strict gender pass runs before the
// predicate is dropped.
const DefaultGraceWindow = 3 * time.Second

// Excluder reports rooms an attempt must never join: blocked rooms and the
// participant's own previous rooms.
type Excluder interface {
	Contains(roomID string) bool
}

// Outcome is the single result of one attempt.
type Outcome struct {
	Role   room.Role
	RoomID string
}

// Matchmaker runs match attempts against the rooms collection.
type Matchmaker struct {
	log     *slog.Logger
	rooms   *room.Manager
	metrics *metrics.Metrics
	grace   time.Duration
}

func New(rooms *room.Manager, grace time.Duration, m *metrics.Metrics, logger *slog.Logger) *Matchmaker {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Matchmaker{log: logger, rooms: rooms, metrics: m, grace: grace}
}

// Match runs one attempt to completion. Exactly one outcome is produced: the
// first eligible room seen (callee), or a freshly created room (caller). The
// rooms subscription is cancelled the instant the outcome is chosen.
//
// A room is eligible when it is open, carries an offer, and is not excluded.
// During the grace window its declared gender must additionally complement
// the local one; at expiry the rooms seen so far are re-scanned without the
// gender predicate and the fallback fires if none qualifies.
func (mk *Matchmaker) Match(ctx context.Context, filters room.Filters, exclude Excluder) (Outcome, error) {
	sub, err := mk.rooms.SubscribeRooms()
	if err != nil {
		return Outcome{}, fmt.Errorf("subscribe rooms: %w", err)
	}
	defer sub.Cancel()

	wanted := filters.Gender.Complement()

	// Arrival-ordered view of the collection, kept current across deltas.
	seen := make(map[string]room.Room)
	var order []string

	timer := time.NewTimer(mk.grace)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()

		case snap, ok := <-sub.Snapshots():
			if !ok {
				return Outcome{}, fmt.Errorf("rooms watch ended: %w", store.ErrClosed)
			}
			for _, doc := range snap.Removed {
				delete(seen, doc.ID)
			}
			for _, doc := range append(snap.Added, snap.Changed...) {
				rm := room.RoomFromDocument(doc)
				if _, known := seen[doc.ID]; !known {
					order = append(order, doc.ID)
				}
				seen[doc.ID] = rm

				if mk.eligible(rm, exclude) && rm.Filters.Gender == wanted {
					mk.metrics.Inc(metrics.MatchStrictHit)
					mk.log.Debug("strict match", "room_id", rm.ID, "gender", string(rm.Filters.Gender))
					return Outcome{Role: room.RoleCallee, RoomID: rm.ID}, nil
				}
			}

		case <-timer.C:
			for _, id := range order {
				rm, ok := seen[id]
				if !ok {
					continue
				}
				if mk.eligible(rm, exclude) {
					mk.metrics.Inc(metrics.MatchRelaxedHit)
					mk.log.Debug("relaxed match", "room_id", rm.ID)
					return Outcome{Role: room.RoleCallee, RoomID: rm.ID}, nil
				}
			}

			roomID, err := mk.rooms.CreateRoom(ctx, filters)
			if err != nil {
				return Outcome{}, err
			}
			mk.log.Debug("created room", "room_id", roomID)
			return Outcome{Role: room.RoleCaller, RoomID: roomID}, nil
		}
	}
}

func (mk *Matchmaker) eligible(rm room.Room, exclude Excluder) bool {
	if !rm.Open() || rm.Offer == nil {
		return false
	}
	if exclude != nil && exclude.Contains(rm.ID) {
		return false
	}
	return true
}
