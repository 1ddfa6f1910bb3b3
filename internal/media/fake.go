package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// FakeCapture backs session tests. By default it yields a stream with one
// static video and one static audio track.
type FakeCapture struct {
	// Err, when set, is returned from Acquire instead of a stream.
	Err error

	mu       sync.Mutex
	acquired int
}

func NewFakeCapture() *FakeCapture { return &FakeCapture{} }

func (f *FakeCapture) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	var tracks []webrtc.TrackLocal
	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "fake")
		if err != nil {
			return nil, fmt.Errorf("fake video track: %w", err)
		}
		tracks = append(tracks, video)
	}
	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "fake")
		if err != nil {
			return nil, fmt.Errorf("fake audio track: %w", err)
		}
		tracks = append(tracks, audio)
	}
	return &FakeStream{tracks: tracks}, nil
}

// Acquisitions reports how often Acquire ran; sessions must capture once.
func (f *FakeCapture) Acquisitions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

type FakeStream struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	closed bool
}

func (s *FakeStream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

func (s *FakeStream) ConfigureEngine(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (s *FakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *FakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
