package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Fake is a scripted in-memory Transport for exchange and session tests. It
// records everything applied to it and lets tests fire the callbacks.
type Fake struct {
	mu sync.Mutex

	OfferSDP  string // returned by CreateOffer
	AnswerSDP string // returned by CreateAnswer

	// Errors to inject, applied once per call.
	OfferErr  error
	AnswerErr error
	RemoteErr error

	attached    []webrtc.TrackLocal
	remoteDesc  *SessionDescription
	remoteCands []Candidate
	closed      bool

	onLocalCandidate func(Candidate)
	onRemoteTrack    func(string)
	onConnected      func()
	onDisconnected   func()
}

func NewFake() *Fake {
	return &Fake{OfferSDP: "v=0 fake-offer", AnswerSDP: "v=0 fake-answer"}
}

func (f *Fake) AttachTracks(tracks []webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, tracks...)
	return nil
}

func (f *Fake) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OfferErr != nil {
		err := f.OfferErr
		f.OfferErr = nil
		return SessionDescription{}, err
	}
	return SessionDescription{Type: "offer", SDP: f.OfferSDP}, nil
}

func (f *Fake) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AnswerErr != nil {
		err := f.AnswerErr
		f.AnswerErr = nil
		return SessionDescription{}, err
	}
	return SessionDescription{Type: "answer", SDP: f.AnswerSDP}, nil
}

func (f *Fake) SetRemoteDescription(desc SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoteErr != nil {
		err := f.RemoteErr
		f.RemoteErr = nil
		return err
	}
	f.remoteDesc = &desc
	return nil
}

func (f *Fake) AddRemoteCandidate(c Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.remoteCands = append(f.remoteCands, c)
	return nil
}

func (f *Fake) OnLocalCandidate(fn func(Candidate)) {
	f.mu.Lock()
	f.onLocalCandidate = fn
	f.mu.Unlock()
}

func (f *Fake) OnRemoteTrack(fn func(kind string)) {
	f.mu.Lock()
	f.onRemoteTrack = fn
	f.mu.Unlock()
}

func (f *Fake) OnConnected(fn func()) {
	f.mu.Lock()
	f.onConnected = fn
	f.mu.Unlock()
}

func (f *Fake) OnDisconnected(fn func()) {
	f.mu.Lock()
	f.onDisconnected = fn
	f.mu.Unlock()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Test hooks.

func (f *Fake) FireLocalCandidate(c Candidate) {
	f.mu.Lock()
	fn := f.onLocalCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *Fake) FireRemoteTrack(kind string) {
	f.mu.Lock()
	fn := f.onRemoteTrack
	f.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (f *Fake) FireConnected() {
	f.mu.Lock()
	fn := f.onConnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *Fake) FireDisconnected() {
	f.mu.Lock()
	fn := f.onDisconnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *Fake) RemoteDescription() *SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *Fake) RemoteCandidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Candidate, len(f.remoteCands))
	copy(out, f.remoteCands)
	return out
}

func (f *Fake) AttachedTracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(f.attached))
	copy(out, f.attached)
	return out
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
