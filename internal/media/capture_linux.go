//go:build linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const (
	videoBitRate = 1_500_000
	maxWidth     = 640
	maxHeight    = 480
)

type deviceCapture struct {
	log *slog.Logger
}

// NewDeviceCapture opens camera/microphone through pion/mediadevices (V4L2
// and malgo on this platform).
func NewDeviceCapture(logger *slog.Logger) Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &deviceCapture{log: logger}
}

// Acquire tries the richest capture first and degrades: video+audio, then
// video-only, then audio-only. GetUserMedia fails as a unit when either
// track can't be opened, so a busy microphone must not take the camera down
// with it.
func (d *deviceCapture) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Video && !c.Audio {
		return nil, fmt.Errorf("nothing requested: %w", ErrMediaUnavailable)
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	for _, dev := range mediadevices.EnumerateDevices() {
		d.log.Debug("media device", "kind", fmt.Sprint(dev.Kind), "label", dev.Label)
	}

	type attempt struct {
		video, audio bool
		label        string
	}
	attempts := []attempt{
		{c.Video, c.Audio, "video+audio"},
		{c.Video, false, "video-only"},
		{false, c.Audio, "audio-only"},
	}

	var lastErr error
	for _, a := range attempts {
		if !a.video && !a.audio {
			continue
		}
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw frame formats only: some cameras expose an MJPEG node
				// producing malformed frames that poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: maxWidth}
				mc.Height = prop.IntRanged{Max: maxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.log.Warn("capture attempt failed", "attempt", a.label, "err", err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					d.log.Warn("local track ended", "err", err)
				}
			})
		}
		d.log.Info("local media captured", "attempt", a.label, "tracks", len(tracks))
		return &deviceStream{selector: selector, tracks: tracks}, nil
	}

	return nil, fmt.Errorf("all capture attempts failed (last: %v): %w", lastErr, ErrMediaUnavailable)
}

type deviceStream struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
}

func (s *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) ConfigureEngine(engine *webrtc.MediaEngine) error {
	s.selector.Populate(engine)
	return nil
}

func (s *deviceStream) Close() error {
	var firstErr error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
