// Package store defines the real-time document store the matchmaking core
// rendezvouses through, plus an in-memory implementation and a
// websocket-backed client/server pair speaking the same interface.
//
// Paths follow the collection/document convention: "rooms" is a collection,
// "rooms/<id>" a document, "rooms/<id>/candidates" a subcollection, and so
// on. Documents are flat JSON objects; subscriptions deliver snapshots with
// at-least-once semantics, so observers must be idempotent.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrClosed      = errors.New("store closed")
	ErrInvalidPath = errors.New("invalid path")
)

// Doc is one document's fields.
type Doc map[string]any

// Document is a document paired with its identity, as seen in snapshots.
type Document struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Data Doc    `json:"data"`
}

// Snapshot is one change notification for a subscribed path. The first
// snapshot after subscribing reports all existing documents as Added, in
// creation order.
type Snapshot struct {
	Added   []Document `json:"added,omitempty"`
	Changed []Document `json:"changed,omitempty"`
	Removed []Document `json:"removed,omitempty"`
}

// Store is the narrow interface the core consumes. Implementations must
// support concurrent use.
type Store interface {
	// Create inserts a new document into a collection and returns its id.
	Create(ctx context.Context, collection string, data Doc) (string, error)

	// Append adds an entry to an append-only log collection. Semantically
	// identical to Create; named separately because callers treat the result
	// as immutable.
	Append(ctx context.Context, collection string, data Doc) (string, error)

	// Write replaces a document, or merges top-level fields when merge is
	// true. The document must already exist.
	Write(ctx context.Context, path string, data Doc, merge bool) error

	// Read returns a copy of the document at path, or ErrNotFound.
	Read(ctx context.Context, path string) (Doc, error)

	// Delete removes the document at path along with every document in its
	// subcollections. Deleting an absent document is not an error.
	Delete(ctx context.Context, path string) error

	// Subscribe watches a document or collection path. The caller owns the
	// returned subscription and must Cancel it at its terminal transition; a
	// dangling subscription is a resource leak.
	Subscribe(path string) (*Subscription, error)

	Close() error
}

// Subscription is a live snapshot feed for one watched path.
type Subscription struct {
	q      *snapshotQueue
	ch     chan Snapshot
	done   chan struct{}
	once   sync.Once
	cancel func()
}

func newSubscription(q *snapshotQueue, cancel func()) *Subscription {
	sub := &Subscription{
		q:      q,
		ch:     make(chan Snapshot),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go sub.pump()
	return sub
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		snap, ok := s.q.Dequeue()
		if !ok {
			return
		}
		select {
		case s.ch <- snap:
		case <-s.done:
			return
		}
	}
}

// Snapshots returns the snapshot channel. It is closed after Cancel.
func (s *Subscription) Snapshots() <-chan Snapshot { return s.ch }

// Cancel detaches the subscription and closes the snapshot channel.
// Idempotent; safe even when the consumer has stopped reading.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		s.q.Close()
	})
}

// enqueue hands a snapshot to the subscription's delivery queue without
// blocking the emitter.
func (s *Subscription) enqueue(snap Snapshot) bool { return s.q.Enqueue(snap) }

// splitPath validates a path and reports whether it addresses a document
// (even segment count) or a collection (odd).
func splitPath(path string) (segs []string, isDoc bool, err error) {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return nil, false, ErrInvalidPath
	}
	segs = strings.Split(path, "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, false, ErrInvalidPath
		}
	}
	return segs, len(segs)%2 == 0, nil
}

func parentCollection(docPath string) string {
	i := strings.LastIndexByte(docPath, '/')
	if i < 0 {
		return ""
	}
	return docPath[:i]
}

func docID(docPath string) string {
	i := strings.LastIndexByte(docPath, '/')
	if i < 0 {
		return docPath
	}
	return docPath[i+1:]
}
