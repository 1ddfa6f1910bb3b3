package store

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T) (*Client, *MemStore) {
	t.Helper()

	mem := NewMemStore()
	srv := httptest.NewServer(NewServer(mem, ServerConfig{}, nil, nil))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { mem.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, mem
}

func TestClientServer_RoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	id, err := client.Create(ctx, "rooms", Doc{"open": true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := "rooms/" + id

	doc, err := client.Read(ctx, path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["open"] != true {
		t.Fatalf("doc = %v", doc)
	}

	if err := client.Write(ctx, path, Doc{"answer": "sdp"}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	doc, _ = client.Read(ctx, path)
	if doc["answer"] != "sdp" || doc["open"] != true {
		t.Fatalf("merge lost fields: %v", doc)
	}

	if err := client.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := client.Read(ctx, path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read after delete: %v", err)
	}
}

func TestClientServer_ErrorsCrossTheWire(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.Write(ctx, "rooms/nope", Doc{"a": 1}, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Write missing: %v", err)
	}
	if _, err := client.Read(ctx, "rooms"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("Read collection path: %v", err)
	}
}

func TestClientServer_Subscription(t *testing.T) {
	client, mem := newTestClient(t)
	ctx := context.Background()

	preID, err := client.Create(ctx, "rooms", Doc{"n": float64(1)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub, err := client.Subscribe("rooms")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	initial := waitSnapshot(t, sub)
	if len(initial.Added) != 1 || initial.Added[0].ID != preID {
		t.Fatalf("initial = %+v", initial)
	}

	// A mutation applied directly on the backing store still reaches the
	// remote subscriber.
	postID, err := mem.Create(ctx, "rooms", Doc{"n": 2})
	if err != nil {
		t.Fatalf("Create via store: %v", err)
	}
	next := waitSnapshot(t, sub)
	if len(next.Added) != 1 || next.Added[0].ID != postID {
		t.Fatalf("delta = %+v", next)
	}
}

func TestClientServer_CloseCancelsSubscriptions(t *testing.T) {
	client, _ := newTestClient(t)

	sub, err := client.Subscribe("rooms")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitSnapshot(t, sub) // initial

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for range sub.Snapshots() {
	}
	// Channel closed; nothing left to assert.
}

func TestParseWireMessage_Strict(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"create", `{"type":"create","reqId":"r1","path":"rooms","data":{"a":1}}`, true},
		{"unknown field", `{"type":"create","reqId":"r1","path":"rooms","bogus":1}`, false},
		{"missing reqId", `{"type":"read","path":"rooms/x"}`, false},
		{"trailing data", `{"type":"read","reqId":"r","path":"rooms/x"}{}`, false},
		{"bad type", `{"type":"drop","reqId":"r","path":"rooms/x"}`, false},
		{"subscribe", `{"type":"subscribe","reqId":"r","path":"rooms","subId":"s1"}`, true},
		{"subscribe with data", `{"type":"subscribe","reqId":"r","path":"rooms","subId":"s1","data":{}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseWireMessage([]byte(tc.raw))
			if tc.ok && err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("parse accepted invalid message")
			}
		})
	}
}

func TestClient_CountsSubscriptionDrops(t *testing.T) {
	c := &Client{
		pending: make(map[string]chan wireMessage),
		subs:    make(map[string]*Subscription),
	}
	var drops int
	c.SetDropHandler(func() { drops++ })

	sub := newSubscription(newSnapshotQueue(1), func() {})
	defer sub.Cancel()
	c.subs["s1"] = sub

	// Nobody reads the subscription: one snapshot can sit with the pump and
	// one in the queue, everything past that must be dropped and counted.
	for i := 0; i < 10; i++ {
		c.deliverSnapshot("s1", Snapshot{})
	}
	if drops == 0 {
		t.Fatalf("no drops counted on a saturated subscription")
	}

	// Snapshots for unknown subscriptions are discarded, not counted.
	before := drops
	c.deliverSnapshot("missing", Snapshot{})
	if drops != before {
		t.Fatalf("drop counted for unknown subscription")
	}
}
