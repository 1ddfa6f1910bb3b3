package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitSnapshot(t *testing.T, sub *Subscription) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			t.Fatalf("subscription closed unexpectedly")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestMemStore_CreateReadWrite(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	id, err := s.Create(ctx, "rooms", Doc{"filters": "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	path := "rooms/" + id
	doc, err := s.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["filters"] != "x" {
		t.Fatalf("doc = %v", doc)
	}

	if err := s.Write(ctx, path, Doc{"answer": "sdp"}, true); err != nil {
		t.Fatalf("Write merge: %v", err)
	}
	doc, _ = s.Read(ctx, path)
	if doc["filters"] != "x" || doc["answer"] != "sdp" {
		t.Fatalf("merge lost fields: %v", doc)
	}

	if err := s.Write(ctx, path, Doc{"only": true}, false); err != nil {
		t.Fatalf("Write replace: %v", err)
	}
	doc, _ = s.Read(ctx, path)
	if _, ok := doc["filters"]; ok {
		t.Fatalf("replace kept old fields: %v", doc)
	}
}

func TestMemStore_WriteMissingDoc(t *testing.T) {
	s := NewMemStore()
	defer s.Close()

	err := s.Write(context.Background(), "rooms/nope", Doc{"a": 1}, true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_CollectionSubscription(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	preID, err := s.Create(ctx, "rooms", Doc{"n": 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := s.Subscribe("rooms")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	initial := waitSnapshot(t, sub)
	if len(initial.Added) != 1 || initial.Added[0].ID != preID {
		t.Fatalf("initial = %+v", initial)
	}

	postID, err := s.Create(ctx, "rooms", Doc{"n": 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	next := waitSnapshot(t, sub)
	if len(next.Added) != 1 || next.Added[0].ID != postID {
		t.Fatalf("delta = %+v", next)
	}

	if err := s.Write(ctx, "rooms/"+postID, Doc{"n": 3}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	changed := waitSnapshot(t, sub)
	if len(changed.Changed) != 1 || changed.Changed[0].Data["n"] != 3 {
		t.Fatalf("changed = %+v", changed)
	}
}

func TestMemStore_DocumentSubscription(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	id, _ := s.Create(ctx, "rooms", Doc{})
	path := "rooms/" + id

	sub, err := s.Subscribe(path)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	initial := waitSnapshot(t, sub)
	if len(initial.Added) != 1 {
		t.Fatalf("initial = %+v", initial)
	}

	if err := s.Write(ctx, path, Doc{"answer": "a"}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	snap := waitSnapshot(t, sub)
	if len(snap.Changed) != 1 || snap.Changed[0].Data["answer"] != "a" {
		t.Fatalf("snap = %+v", snap)
	}
}

func TestMemStore_DeleteCascades(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	id, _ := s.Create(ctx, "rooms", Doc{})
	roomPath := "rooms/" + id
	if _, err := s.Append(ctx, roomPath+"/candidates", Doc{"role": "caller"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	msgID, _ := s.Append(ctx, roomPath+"/messages", Doc{"text": "hi"})

	if err := s.Delete(ctx, roomPath); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read(ctx, roomPath); !errors.Is(err, ErrNotFound) {
		t.Fatalf("room survived delete: %v", err)
	}
	if _, err := s.Read(ctx, roomPath+"/messages/"+msgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("subcollection doc survived delete: %v", err)
	}

	// A rematch must never see the disposed room again.
	sub, _ := s.Subscribe("rooms")
	defer sub.Cancel()
	if initial := waitSnapshot(t, sub); len(initial.Added) != 0 {
		t.Fatalf("initial after delete = %+v", initial)
	}
}

func TestMemStore_CancelStopsDelivery(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	sub, _ := s.Subscribe("rooms")
	waitSnapshot(t, sub) // initial

	sub.Cancel()
	if _, err := s.Create(ctx, "rooms", Doc{}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Channel closes once the pending queue drains.
	for {
		select {
		case _, ok := <-sub.Snapshots():
			if !ok {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("channel not closed after Cancel")
		}
	}
}

func TestMemStore_InvalidPaths(t *testing.T) {
	s := NewMemStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Create(ctx, "rooms/abc", Doc{}); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Create on doc path: %v", err)
	}
	if _, err := s.Read(ctx, "rooms"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Read on collection path: %v", err)
	}
	if _, err := s.Read(ctx, "rooms//x"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Read on empty segment: %v", err)
	}
}
