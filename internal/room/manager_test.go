package room

import (
	"context"
	"errors"
	"testing"

	"github.com/JassCoder/atm-video-call/internal/store"
	"github.com/JassCoder/atm-video-call/internal/transport"
)

func newTestManager(t *testing.T) (*Manager, *store.MemStore) {
	t.Helper()
	mem := store.NewMemStore()
	t.Cleanup(func() { mem.Close() })
	return NewManager(mem, nil, nil), mem
}

func TestManager_OfferAnswerLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	filters := Filters{Language: "en", Tag: "music", Gender: GenderFemale}
	roomID, err := m.CreateRoom(ctx, filters)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	offer := transport.SessionDescription{Type: "offer", SDP: "v=0 o"}
	if err := m.PublishOffer(ctx, roomID, offer, filters); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}

	got, err := m.ReadRoom(ctx, roomID)
	if err != nil {
		t.Fatalf("ReadRoom: %v", err)
	}
	if !got.Open() {
		t.Fatalf("fresh room not open")
	}
	if got.Offer == nil || got.Offer.SDP != "v=0 o" {
		t.Fatalf("offer = %+v", got.Offer)
	}
	if got.Filters != filters {
		t.Fatalf("filters = %+v", got.Filters)
	}

	answer := transport.SessionDescription{Type: "answer", SDP: "v=0 a"}
	calleeFilters := Filters{Language: "de", Tag: "films", Gender: GenderMale}
	if err := m.PublishAnswer(ctx, roomID, answer, calleeFilters); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}
	got, _ = m.ReadRoom(ctx, roomID)
	if got.Open() {
		t.Fatalf("answered room still open")
	}
	// Joining overwrites the room's filters with the callee's.
	if got.Filters != calleeFilters {
		t.Fatalf("filters after answer = %+v, want %+v", got.Filters, calleeFilters)
	}
	if got.Offer == nil || got.Offer.SDP != "v=0 o" {
		t.Fatalf("offer lost on answer: %+v", got.Offer)
	}
}

func TestManager_AnswerRaceLost(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	roomID, _ := m.CreateRoom(ctx, Filters{Gender: GenderOther})
	first := transport.SessionDescription{Type: "answer", SDP: "first"}
	if err := m.PublishAnswer(ctx, roomID, first, Filters{Gender: GenderFemale}); err != nil {
		t.Fatalf("first PublishAnswer: %v", err)
	}

	second := transport.SessionDescription{Type: "answer", SDP: "second"}
	if err := m.PublishAnswer(ctx, roomID, second, Filters{Gender: GenderMale}); !errors.Is(err, ErrAnswerRaceLost) {
		t.Fatalf("second PublishAnswer = %v, want ErrAnswerRaceLost", err)
	}

	// The winner's answer and filters are untouched.
	got, _ := m.ReadRoom(ctx, roomID)
	if got.Answer == nil || got.Answer.SDP != "first" {
		t.Fatalf("answer = %+v", got.Answer)
	}
	if got.Filters.Gender != GenderFemale {
		t.Fatalf("filters = %+v, want the winner's", got.Filters)
	}
}

func TestManager_VanishedRoom(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	roomID, _ := m.CreateRoom(ctx, Filters{})
	m.DisposeRoom(ctx, roomID)

	offer := transport.SessionDescription{Type: "offer", SDP: "x"}
	if err := m.PublishOffer(ctx, roomID, offer, Filters{}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("PublishOffer = %v, want ErrRoomNotFound", err)
	}
	if _, err := m.ReadRoom(ctx, roomID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("ReadRoom = %v, want ErrRoomNotFound", err)
	}
	if err := m.PublishAnswer(ctx, roomID, transport.SessionDescription{}, Filters{}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("PublishAnswer = %v, want ErrRoomNotFound", err)
	}
}

func TestManager_CandidateLogRoundTrip(t *testing.T) {
	m, mem := newTestManager(t)
	ctx := context.Background()

	roomID, _ := m.CreateRoom(ctx, Filters{})
	mid := "0"
	var line uint16 = 1
	cand := transport.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 1234 typ host", SDPMid: &mid, SDPMLineIndex: &line}
	if err := m.AddCandidate(ctx, roomID, RoleCaller, cand); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	sub, err := m.SubscribeCandidates(roomID)
	if err != nil {
		t.Fatalf("SubscribeCandidates: %v", err)
	}
	defer sub.Cancel()

	snap := <-sub.Snapshots()
	if len(snap.Added) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	rec, ok := CandidateFromDocument(snap.Added[0])
	if !ok {
		t.Fatalf("decode failed: %+v", snap.Added[0])
	}
	if rec.Role != RoleCaller || rec.Candidate.Candidate != cand.Candidate {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Candidate.SDPMid == nil || *rec.Candidate.SDPMid != "0" {
		t.Fatalf("sdpMid = %v", rec.Candidate.SDPMid)
	}
	if rec.Candidate.SDPMLineIndex == nil || *rec.Candidate.SDPMLineIndex != 1 {
		t.Fatalf("sdpMLineIndex = %v", rec.Candidate.SDPMLineIndex)
	}

	// Malformed entries are skipped, not fatal.
	if _, err := mem.Append(ctx, CandidatesPath(roomID), store.Doc{"role": "spectator", "candidate": "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	bad := <-sub.Snapshots()
	if _, ok := CandidateFromDocument(bad.Added[0]); ok {
		t.Fatalf("decoded record with bogus role")
	}
}

func TestManager_JSONDecodedDocs(t *testing.T) {
	// Fields arriving over the websocket store decode as map[string]any with
	// float64 numbers.
	doc := store.Document{ID: "c1", Data: store.Doc{
		"role":          "callee",
		"candidate":     "candidate:2",
		"sdpMLineIndex": float64(2),
	}}
	rec, ok := CandidateFromDocument(doc)
	if !ok {
		t.Fatalf("decode failed")
	}
	if rec.Candidate.SDPMLineIndex == nil || *rec.Candidate.SDPMLineIndex != 2 {
		t.Fatalf("sdpMLineIndex = %v", rec.Candidate.SDPMLineIndex)
	}

	r := RoomFromDoc("r1", store.Doc{
		"offer":   map[string]any{"type": "offer", "sdp": "s"},
		"filters": map[string]any{"gender": "male", "language": "de"},
	})
	if r.Offer == nil || r.Offer.SDP != "s" {
		t.Fatalf("offer = %+v", r.Offer)
	}
	if r.Filters.Gender != GenderMale || r.Filters.Language != "de" {
		t.Fatalf("filters = %+v", r.Filters)
	}
}

func TestGenderComplement(t *testing.T) {
	cases := map[Gender]Gender{
		GenderMale:        GenderFemale,
		GenderFemale:      GenderMale,
		GenderOther:       GenderOther,
		GenderUnspecified: GenderOther,
	}
	for g, want := range cases {
		if got := g.Complement(); got != want {
			t.Fatalf("Complement(%s) = %s, want %s", g, got, want)
		}
	}
}
