package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/JassCoder/atm-video-call/internal/abuse"
	"github.com/JassCoder/atm-video-call/internal/chat"
	"github.com/JassCoder/atm-video-call/internal/match"
	"github.com/JassCoder/atm-video-call/internal/media"
	"github.com/JassCoder/atm-video-call/internal/room"
	"github.com/JassCoder/atm-video-call/internal/store"
	"github.com/JassCoder/atm-video-call/internal/transport"
)

type fakeFactory struct {
	mu    sync.Mutex
	built []*transport.Fake
}

func (f *fakeFactory) New(_ func(*webrtc.MediaEngine) error) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := transport.NewFake()
	f.built = append(f.built, tr)
	return tr, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) at(i int) *transport.Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 {
		i += len(f.built)
	}
	return f.built[i]
}

type harness struct {
	mem     *store.MemStore
	rooms   *room.Manager
	capture *media.FakeCapture
	factory *fakeFactory
	blocked *abuse.BlockedSet
	sess    *Session

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, filters room.Filters, grace time.Duration) *harness {
	t.Helper()

	mem := store.NewMemStore()
	t.Cleanup(func() { mem.Close() })
	rooms := room.NewManager(mem, nil, nil)
	capture := media.NewFakeCapture()
	factory := &fakeFactory{}
	blocked := abuse.NewBlockedSet()

	sess := New(filters, Deps{
		Capture:      capture,
		Rooms:        rooms,
		Matcher:      match.New(rooms, grace, nil, nil),
		Chat:         chat.NewRelay(mem, nil, nil, nil),
		Blocked:      blocked,
		Reporter:     abuse.NewReporter(mem, nil, nil),
		NewTransport: factory.New,
	})

	return &harness{
		mem:     mem,
		rooms:   rooms,
		capture: capture,
		factory: factory,
		blocked: blocked,
		sess:    sess,
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("session did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_MediaUnavailableIsFatal(t *testing.T) {
	h := newHarness(t, room.Filters{}, 20*time.Millisecond)
	h.capture.Err = media.ErrMediaUnavailable

	err := h.sess.Run(context.Background())
	if !errors.Is(err, media.ErrMediaUnavailable) {
		t.Fatalf("Run = %v, want ErrMediaUnavailable", err)
	}
	if h.sess.Phase() != PhaseIdle {
		t.Fatalf("phase = %s", h.sess.Phase())
	}
}

func TestSession_CallerFallbackAndSkip(t *testing.T) {
	h := newHarness(t, room.Filters{Gender: room.GenderMale}, 20*time.Millisecond)
	h.start(t)

	waitFor(t, "caller attempt", func() bool {
		return h.sess.Phase() == PhaseOffering && h.sess.RoomID() != ""
	})
	firstRoom := h.sess.RoomID()

	// The offer landed and the room is open for a peer.
	rm, err := h.rooms.ReadRoom(context.Background(), firstRoom)
	if err != nil {
		t.Fatalf("ReadRoom: %v", err)
	}
	if rm.Offer == nil || !rm.Open() {
		t.Fatalf("room = %+v", rm)
	}

	h.sess.Skip()

	waitFor(t, "re-match into a new room", func() bool {
		id := h.sess.RoomID()
		return id != "" && id != firstRoom
	})

	// The skipped room is gone and never reused.
	if _, err := h.rooms.ReadRoom(context.Background(), firstRoom); !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("skipped room survived: %v", err)
	}
	if h.sess.RoomID() == firstRoom {
		t.Fatalf("reused disposed room id")
	}

	// Media was acquired exactly once; every attempt got a fresh transport
	// with the tracks re-attached.
	if got := h.capture.Acquisitions(); got != 1 {
		t.Fatalf("acquisitions = %d", got)
	}
	if h.factory.count() < 2 {
		t.Fatalf("transports built = %d", h.factory.count())
	}
	for i := 0; i < h.factory.count(); i++ {
		if len(h.factory.at(i).AttachedTracks()) != 2 {
			t.Fatalf("transport %d tracks = %d", i, len(h.factory.at(i).AttachedTracks()))
		}
	}
	if !h.factory.at(0).Closed() {
		t.Fatalf("first transport left open")
	}
}

func TestSession_CalleeJoinsAndConnects(t *testing.T) {
	h := newHarness(t, room.Filters{Gender: room.GenderMale}, time.Minute)
	ctx := context.Background()

	// A peer's open room with the complementary gender.
	peerFilters := room.Filters{Gender: room.GenderFemale}
	peerRoom, err := h.rooms.CreateRoom(ctx, peerFilters)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	offer := transport.SessionDescription{Type: "offer", SDP: "peer-offer"}
	if err := h.rooms.PublishOffer(ctx, peerRoom, offer, peerFilters); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	h.start(t)

	waitFor(t, "callee attempt", func() bool {
		return h.sess.RoomID() == peerRoom && h.sess.Phase() == PhaseAnswering
	})

	// The answer claimed the room.
	rm, _ := h.rooms.ReadRoom(ctx, peerRoom)
	if rm.Answer == nil || rm.Answer.SDP != h.factory.at(-1).AnswerSDP {
		t.Fatalf("answer = %+v", rm.Answer)
	}
	if d := h.factory.at(-1).RemoteDescription(); d == nil || d.SDP != "peer-offer" {
		t.Fatalf("remote description = %+v", d)
	}

	h.factory.at(-1).FireConnected()
	waitFor(t, "connected phase", func() bool { return h.sess.Phase() == PhaseConnected })
}

func TestSession_ReportBlocksAndRematches(t *testing.T) {
	h := newHarness(t, room.Filters{Gender: room.GenderFemale}, 20*time.Millisecond)
	h.start(t)

	waitFor(t, "first attempt", func() bool { return h.sess.RoomID() != "" })
	reported := h.sess.RoomID()

	h.sess.Report()

	waitFor(t, "re-match after report", func() bool {
		id := h.sess.RoomID()
		return id != "" && id != reported
	})
	if !h.blocked.Contains(reported) {
		t.Fatalf("reported room not blocked")
	}

	// The audit record carries the reporter's declared gender.
	sub, _ := h.mem.Subscribe("reports")
	defer sub.Cancel()
	snap := <-sub.Snapshots()
	if len(snap.Added) != 1 {
		t.Fatalf("reports = %+v", snap)
	}
	doc := snap.Added[0].Data
	if doc["roomId"] != reported || doc["gender"] != "female" {
		t.Fatalf("report doc = %v", doc)
	}
}

func TestSession_DisconnectRematches(t *testing.T) {
	h := newHarness(t, room.Filters{}, 20*time.Millisecond)
	h.start(t)

	waitFor(t, "first attempt", func() bool { return h.sess.Phase() == PhaseOffering })
	first := h.sess.RoomID()

	h.factory.at(-1).FireConnected()
	waitFor(t, "connected", func() bool { return h.sess.Phase() == PhaseConnected })

	h.factory.at(-1).FireDisconnected()
	waitFor(t, "re-match after disconnect", func() bool {
		id := h.sess.RoomID()
		return id != "" && id != first
	})
}

func TestSession_ChatFlowsThroughCurrentRoom(t *testing.T) {
	h := newHarness(t, room.Filters{}, 20*time.Millisecond)
	h.start(t)

	waitFor(t, "attempt", func() bool { return h.sess.RoomID() != "" })
	ctx := context.Background()

	view, err := h.sess.ChatView(ctx)
	if err != nil {
		t.Fatalf("ChatView: %v", err)
	}
	defer view.Close()

	if err := h.sess.SendChat(ctx, "hey"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	waitFor(t, "chat message visible", func() bool {
		select {
		case msgs := <-view.Updates():
			return len(msgs) == 1 && msgs[0].Text == "hey"
		default:
			return false
		}
	})
}
