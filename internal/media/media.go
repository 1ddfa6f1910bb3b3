// Package media acquires the local camera and microphone. The session
// acquires one stream up front and re-attaches its tracks to every transport
// it builds; capture hardware is opened exactly once.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrMediaUnavailable means no capture configuration could be opened. Fatal
// to starting a session; never retried.
var ErrMediaUnavailable = errors.New("media: unavailable")

// Constraints narrows what Acquire asks the hardware for.
type Constraints struct {
	Video bool
	Audio bool
}

// DefaultConstraints asks for both tracks; Acquire degrades on its own.
func DefaultConstraints() Constraints { return Constraints{Video: true, Audio: true} }

// Stream is an acquired set of local tracks plus the codec knowledge a
// transport needs to negotiate them.
type Stream interface {
	// Tracks are the local tracks to attach to a transport.
	Tracks() []webrtc.TrackLocal

	// ConfigureEngine registers the codecs the tracks produce.
	ConfigureEngine(*webrtc.MediaEngine) error

	Close() error
}

// Capture opens local media.
type Capture interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}
