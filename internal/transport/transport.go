// Package transport abstracts the point-to-point media connection between
// two matched participants. The rest of the core only ever exchanges opaque
// session descriptions and candidates through it; the pion implementation
// lives in pion.go.
package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrClosed is returned by operations on a transport that has been closed.
var ErrClosed = errors.New("transport: closed")

// SessionDescription is the serializable form of an offer or answer as it is
// written to the rendezvous store.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is the serializable form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Transport is one attempt's connection. It is built fresh for every match
// attempt; local tracks are attached before the handshake starts and the
// whole thing is discarded on skip or disconnect.
//
// Callbacks must be registered before the handshake methods run and may be
// invoked from transport-internal goroutines.
type Transport interface {
	// AttachTracks adds the local capture tracks to the connection. It must
	// be called before CreateOffer/CreateAnswer so the tracks are part of the
	// negotiated session.
	AttachTracks(tracks []webrtc.TrackLocal) error

	// CreateOffer produces the local offer and applies it as the local
	// description, starting candidate gathering.
	CreateOffer(ctx context.Context) (SessionDescription, error)

	// CreateAnswer produces the local answer to a previously applied remote
	// offer and applies it as the local description.
	CreateAnswer(ctx context.Context) (SessionDescription, error)

	// SetRemoteDescription applies the peer's offer or answer.
	SetRemoteDescription(desc SessionDescription) error

	// AddRemoteCandidate applies a candidate trickled by the peer. The caller
	// is responsible for only delivering candidates after the remote
	// description has been applied.
	AddRemoteCandidate(c Candidate) error

	// OnLocalCandidate registers the sink for locally gathered candidates.
	OnLocalCandidate(fn func(Candidate))

	// OnRemoteTrack fires once per inbound media track, keyed by kind
	// ("audio"/"video").
	OnRemoteTrack(fn func(kind string))

	// OnConnected fires once when the connection reaches the connected
	// state.
	OnConnected(fn func())

	// OnDisconnected fires once when the connection fails, disconnects or is
	// closed by the peer.
	OnDisconnected(fn func())

	Close() error
}
