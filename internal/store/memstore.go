package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-process Store implementation. It backs the store
// server and every test in the core.
//
// All mutations happen under one mutex; subscribers are notified through
// per-subscription queues so emitters never block.
type MemStore struct {
	mu     sync.Mutex
	closed bool

	docs  map[string]Doc      // document path -> fields
	order map[string][]string // collection path -> doc ids in creation order
	subs  map[string]map[*Subscription]struct{}

	// onDrop, when set, is invoked once per snapshot dropped due to a full
	// subscriber queue.
	onDrop func()
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:  make(map[string]Doc),
		order: make(map[string][]string),
		subs:  make(map[string]map[*Subscription]struct{}),
	}
}

// SetDropHandler registers fn to run when a subscriber snapshot is dropped.
// Must be called before any Subscribe.
func (s *MemStore) SetDropHandler(fn func()) { s.onDrop = fn }

func (s *MemStore) Create(ctx context.Context, collection string, data Doc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, isDoc, err := splitPath(collection); err != nil || isDoc {
		return "", ErrInvalidPath
	}

	id := uuid.NewString()
	path := collection + "/" + id

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.docs[path] = copyDoc(data)
	s.order[collection] = append(s.order[collection], id)
	// Enqueue under the lock so every subscriber observes mutations in the
	// order they were applied. Enqueue never blocks.
	s.emitLocked(path, Snapshot{Added: []Document{s.documentLocked(path)}})
	s.mu.Unlock()
	return id, nil
}

func (s *MemStore) Append(ctx context.Context, collection string, data Doc) (string, error) {
	return s.Create(ctx, collection, data)
}

func (s *MemStore) Write(ctx context.Context, path string, data Doc, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, isDoc, err := splitPath(path); err != nil || !isDoc {
		return ErrInvalidPath
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	existing, ok := s.docs[path]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if merge {
		merged := copyDoc(existing)
		for k, v := range data {
			merged[k] = v
		}
		s.docs[path] = merged
	} else {
		s.docs[path] = copyDoc(data)
	}
	s.emitLocked(path, Snapshot{Changed: []Document{s.documentLocked(path)}})
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Read(ctx context.Context, path string) (Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, isDoc, err := splitPath(path); err != nil || !isDoc {
		return nil, ErrInvalidPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(data), nil
}

func (s *MemStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, isDoc, err := splitPath(path); err != nil || !isDoc {
		return ErrInvalidPath
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	prefix := path + "/"
	var removed []string
	for p := range s.docs {
		if p == path || strings.HasPrefix(p, prefix) {
			removed = append(removed, p)
		}
	}

	for _, p := range removed {
		doc := s.documentLocked(p)
		delete(s.docs, p)
		s.removeFromOrderLocked(p)
		s.emitLocked(p, Snapshot{Removed: []Document{doc}})
	}
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Subscribe(path string) (*Subscription, error) {
	if _, _, err := splitPath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	q := newSnapshotQueue(0)
	var sub *Subscription
	sub = newSubscription(q, func() {
		s.mu.Lock()
		if set, ok := s.subs[path]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(s.subs, path)
			}
		}
		s.mu.Unlock()
	})

	set, ok := s.subs[path]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.subs[path] = set
	}
	set[sub] = struct{}{}

	initial := s.initialSnapshotLocked(path)
	s.mu.Unlock()

	// The first snapshot reports current state, even when empty, so the
	// observer can distinguish "nothing there yet" from "not delivered yet".
	sub.enqueue(initial)
	return sub, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*Subscription
	for _, set := range s.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	s.subs = make(map[string]map[*Subscription]struct{})
	s.mu.Unlock()

	for _, sub := range all {
		sub.Cancel()
	}
	return nil
}

func (s *MemStore) initialSnapshotLocked(path string) Snapshot {
	var snap Snapshot
	if _, isDoc, _ := splitPath(path); isDoc {
		if _, ok := s.docs[path]; ok {
			snap.Added = append(snap.Added, s.documentLocked(path))
		}
		return snap
	}
	for _, id := range s.order[path] {
		docPath := path + "/" + id
		if _, ok := s.docs[docPath]; ok {
			snap.Added = append(snap.Added, s.documentLocked(docPath))
		}
	}
	return snap
}

// emitLocked fans snap out to the subscriptions watching docPath or its
// parent collection.
func (s *MemStore) emitLocked(docPath string, snap Snapshot) {
	for sub := range s.subs[docPath] {
		if !sub.enqueue(snap) && s.onDrop != nil {
			s.onDrop()
		}
	}
	for sub := range s.subs[parentCollection(docPath)] {
		if !sub.enqueue(snap) && s.onDrop != nil {
			s.onDrop()
		}
	}
}

func (s *MemStore) documentLocked(docPath string) Document {
	return Document{
		ID:   docID(docPath),
		Path: docPath,
		Data: copyDoc(s.docs[docPath]),
	}
}

func (s *MemStore) removeFromOrderLocked(docPath string) {
	collection := parentCollection(docPath)
	id := docID(docPath)
	ids := s.order[collection]
	for i, existing := range ids {
		if existing == id {
			s.order[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
}

func copyDoc(data Doc) Doc {
	out := make(Doc, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
