// Package chat is the best-effort text side-channel riding on the room's
// messages subcollection. Delivery is not guaranteed; views are full
// replacements sorted by send time.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/ratelimit"
	"github.com/JassCoder/atm-video-call/internal/room"
	"github.com/JassCoder/atm-video-call/internal/store"
)

// Message is one decoded chat line.
type Message struct {
	ID        string
	Text      string
	CreatedAt int64 // unix millis
}

// Relay sends messages into a room and serves live views of its log.
type Relay struct {
	log     *slog.Logger
	store   store.Store
	metrics *metrics.Metrics
	limiter *ratelimit.TokenBucket
	now     func() time.Time
}

// NewRelay builds a relay. limiter may be nil to disable send rate limiting.
func NewRelay(st store.Store, limiter *ratelimit.TokenBucket, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Relay{log: logger, store: st, metrics: m, limiter: limiter, now: time.Now}
}

// Send appends text to the room's message log. Empty text or no room is a
// no-op; a rate-limited send is dropped and counted, not an error.
func (r *Relay) Send(ctx context.Context, roomID, text string) error {
	if roomID == "" || text == "" {
		return nil
	}
	if r.limiter != nil && !r.limiter.Allow(1) {
		r.metrics.Inc(metrics.ChatSendRateLimited)
		r.log.Debug("chat send rate limited", "room_id", roomID)
		return nil
	}
	_, err := r.store.Append(ctx, room.MessagesPath(roomID), store.Doc{
		"text":      text,
		"createdAt": r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	r.metrics.Inc(metrics.ChatMessagesSent)
	return nil
}

// View is a live, sorted rendering of one room's messages. Each value on
// Updates replaces the previous one entirely.
type View struct {
	ch  chan []Message
	sub *store.Subscription
}

func (v *View) Updates() <-chan []Message { return v.ch }

func (v *View) Close() { v.sub.Cancel() }

// Subscribe opens a view on the room's messages. The first update is the
// current log, even when empty; later updates follow the change feed. A slow
// consumer only ever misses intermediate states, never the latest.
func (r *Relay) Subscribe(ctx context.Context, roomID string) (*View, error) {
	sub, err := r.store.Subscribe(room.MessagesPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}

	v := &View{ch: make(chan []Message, 1), sub: sub}
	go v.run(ctx)
	return v, nil
}

func (v *View) run(ctx context.Context) {
	defer close(v.ch)

	byID := make(map[string]Message)
	var arrival []string

	for {
		select {
		case <-ctx.Done():
			v.sub.Cancel()
			return
		case snap, ok := <-v.sub.Snapshots():
			if !ok {
				return
			}
			for _, doc := range snap.Removed {
				delete(byID, doc.ID)
			}
			for _, doc := range append(snap.Added, snap.Changed...) {
				if _, known := byID[doc.ID]; !known {
					arrival = append(arrival, doc.ID)
				}
				byID[doc.ID] = decodeMessage(doc)
			}
			v.publish(renderView(byID, arrival))
		}
	}
}

// publish replaces any unconsumed view with the fresh one.
func (v *View) publish(view []Message) {
	for {
		select {
		case v.ch <- view:
			return
		default:
			select {
			case <-v.ch:
			default:
			}
		}
	}
}

// renderView sorts stably ascending by createdAt; messages with equal
// timestamps keep arrival order.
func renderView(byID map[string]Message, arrival []string) []Message {
	out := make([]Message, 0, len(byID))
	for _, id := range arrival {
		if msg, ok := byID[id]; ok {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func decodeMessage(doc store.Document) Message {
	msg := Message{ID: doc.ID}
	if s, ok := doc.Data["text"].(string); ok {
		msg.Text = s
	}
	switch n := doc.Data["createdAt"].(type) {
	case int64:
		msg.CreatedAt = n
	case float64:
		msg.CreatedAt = int64(n)
	case int:
		msg.CreatedAt = int64(n)
	}
	return msg
}
