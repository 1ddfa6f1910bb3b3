// Package abuse holds the skip/report controls: the process-local set of
// rooms this participant refuses to revisit and the report audit writer.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/room"
	"github.com/JassCoder/atm-video-call/internal/store"
)

const reportsCollection = "reports"

// BlockedSet is the set of room ids excluded from future matching. It only
// ever grows; entries live for the process lifetime.
type BlockedSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewBlockedSet() *BlockedSet {
	return &BlockedSet{ids: make(map[string]struct{})}
}

func (b *BlockedSet) Add(roomID string) {
	if roomID == "" {
		return
	}
	b.mu.Lock()
	b.ids[roomID] = struct{}{}
	b.mu.Unlock()
}

func (b *BlockedSet) Contains(roomID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.ids[roomID]
	return ok
}

func (b *BlockedSet) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Reporter appends abuse reports to the shared audit collection.
type Reporter struct {
	log     *slog.Logger
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewReporter(st store.Store, m *metrics.Metrics, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Reporter{log: logger, store: st, metrics: m, now: time.Now}
}

// Report files an audit record for the room. gender is the reporter's own
// declared gender; reports carry no identity beyond it.
func (r *Reporter) Report(ctx context.Context, roomID string, gender room.Gender) error {
	if roomID == "" {
		return nil
	}
	_, err := r.store.Append(ctx, reportsCollection, store.Doc{
		"roomId":     roomID,
		"reportedAt": r.now().UnixMilli(),
		"gender":     string(gender),
	})
	if err != nil {
		return fmt.Errorf("file report: %w", err)
	}
	r.metrics.Inc(metrics.ReportsFiled)
	r.log.Info("report filed", "room_id", roomID)
	return nil
}
