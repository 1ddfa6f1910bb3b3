package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Config carries what a pion transport needs from the outside world.
type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	// ConfigureMedia registers the codecs the local capture stream produces.
	// When nil the default codec set is registered instead.
	ConfigureMedia func(*webrtc.MediaEngine) error
}

// Pion implements Transport on a webrtc.PeerConnection.
type Pion struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu               sync.Mutex
	closed           bool
	onLocalCandidate func(Candidate)
	onRemoteTrack    func(string)
	onConnected      func()
	onDisconnected   func()

	connectOnce    sync.Once
	disconnectOnce sync.Once
}

func NewPion(cfg Config) (*Pion, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if cfg.ConfigureMedia != nil {
		if err := cfg.ConfigureMedia(mediaEngine); err != nil {
			return nil, fmt.Errorf("configure media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.LoggerFactory = newSlogLoggerFactory(logger)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Pion{log: logger, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onLocalCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.mu.Lock()
		fn := p.onRemoteTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track.Kind().String())
		}
		// Drain inbound RTP so the receive pipeline keeps flowing; rendering
		// is out of scope here.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					if err != io.EOF {
						logger.Debug("remote track read ended", "kind", track.Kind().String(), "err", err)
					}
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.connectOnce.Do(func() {
				p.mu.Lock()
				fn := p.onConnected
				p.mu.Unlock()
				if fn != nil {
					fn()
				}
			})
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			p.disconnectOnce.Do(func() {
				p.mu.Lock()
				fn := p.onDisconnected
				p.mu.Unlock()
				if fn != nil {
					fn()
				}
			})
		}
	})

	return p, nil
}

func (p *Pion) AttachTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := p.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return fmt.Errorf("attach %s track: %w", track.Kind(), err)
		}
	}
	return nil
}

func (p *Pion) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *Pion) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *Pion) SetRemoteDescription(desc SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *Pion) AddRemoteCandidate(c Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *Pion) OnLocalCandidate(fn func(Candidate)) {
	p.mu.Lock()
	p.onLocalCandidate = fn
	p.mu.Unlock()
}

func (p *Pion) OnRemoteTrack(fn func(kind string)) {
	p.mu.Lock()
	p.onRemoteTrack = fn
	p.mu.Unlock()
}

func (p *Pion) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *Pion) OnDisconnected(fn func()) {
	p.mu.Lock()
	p.onDisconnected = fn
	p.mu.Unlock()
}

func (p *Pion) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.pc.Close()
}
