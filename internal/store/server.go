package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JassCoder/atm-video-call/internal/metrics"
	"github.com/JassCoder/atm-video-call/internal/ratelimit"
)

const serverWriteWait = 5 * time.Second

// ServerConfig bounds what a single store connection may do.
type ServerConfig struct {
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	IdleTimeout          time.Duration
	PingInterval         time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = 50
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	return c
}

// Server exposes a MemStore over websocket connections speaking the wire
// protocol. It is an http.Handler; mount it wherever the mux wants it.
type Server struct {
	log      *slog.Logger
	store    *MemStore
	metrics  *metrics.Metrics
	cfg      ServerConfig
	upgrader websocket.Upgrader
}

func NewServer(st *MemStore, cfg ServerConfig, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	st.SetDropHandler(func() { m.Inc(metrics.StoreSnapshotsDropped) })
	return &Server{
		log:     logger,
		store:   st,
		metrics: m,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sc := &serverConn{
		srv:  s,
		conn: conn,
		subs: make(map[string]*Subscription),
	}
	sc.run()
}

type serverConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*Subscription
}

func (sc *serverConn) run() {
	cfg := sc.srv.cfg
	defer sc.teardown()

	sc.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = sc.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go sc.pingLoop(pingDone)

	limiter := ratelimit.NewTokenBucket(nil, int64(cfg.MaxMessagesPerSecond), int64(cfg.MaxMessagesPerSecond))

	for {
		msgType, msgReader, err := sc.conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			sc.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			sc.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		data, err := io.ReadAll(msgReader)
		if err != nil {
			return
		}
		_ = sc.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		msg, err := parseWireMessage(data)
		if err != nil {
			sc.writeClose(websocket.CloseUnsupportedData, "invalid message")
			return
		}
		sc.handle(msg)
	}
}

func (sc *serverConn) handle(msg wireMessage) {
	ctx := context.Background()
	st := sc.srv.store

	switch msg.Type {
	case wireTypeCreate:
		id, err := st.Create(ctx, msg.Path, msg.Data)
		sc.writeResult(msg.ReqID, wireMessage{ID: id}, err)
	case wireTypeWrite:
		err := st.Write(ctx, msg.Path, msg.Data, msg.Merge)
		sc.writeResult(msg.ReqID, wireMessage{}, err)
	case wireTypeRead:
		data, err := st.Read(ctx, msg.Path)
		sc.writeResult(msg.ReqID, wireMessage{Data: data}, err)
	case wireTypeDelete:
		err := st.Delete(ctx, msg.Path)
		sc.writeResult(msg.ReqID, wireMessage{}, err)
	case wireTypeSubscribe:
		sc.subscribe(msg)
	case wireTypeUnsubscribe:
		sc.mu.Lock()
		sub := sc.subs[msg.SubID]
		delete(sc.subs, msg.SubID)
		sc.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	default:
		// parseWireMessage only admits request types plus result/snapshot;
		// the latter two are server-origin and make no sense inbound.
		sc.writeClose(websocket.ClosePolicyViolation, "unexpected message type")
	}
}

func (sc *serverConn) subscribe(msg wireMessage) {
	sub, err := sc.srv.store.Subscribe(msg.Path)
	if err != nil {
		sc.writeResult(msg.ReqID, wireMessage{}, err)
		return
	}

	sc.mu.Lock()
	if _, exists := sc.subs[msg.SubID]; exists {
		sc.mu.Unlock()
		sub.Cancel()
		sc.writeResult(msg.ReqID, wireMessage{}, errors.New("duplicate subId"))
		return
	}
	sc.subs[msg.SubID] = sub
	sc.mu.Unlock()

	// Ack before the first snapshot so the client observes subscribe
	// completion ahead of data.
	sc.writeResult(msg.ReqID, wireMessage{}, nil)

	go func() {
		for snap := range sub.Snapshots() {
			snapCopy := snap
			if err := sc.writeMessage(wireMessage{
				Type:     wireTypeSnapshot,
				SubID:    msg.SubID,
				Snapshot: &snapCopy,
			}); err != nil {
				sub.Cancel()
				return
			}
		}
	}()
}

func (sc *serverConn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(sc.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sc.writeMu.Lock()
			err := sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(serverWriteWait))
			sc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (sc *serverConn) teardown() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = make(map[string]*Subscription)
	sc.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	_ = sc.conn.Close()
}

func (sc *serverConn) writeClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	sc.writeMu.Lock()
	_ = sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(serverWriteWait))
	sc.writeMu.Unlock()
}

func (sc *serverConn) writeResult(reqID string, resp wireMessage, err error) {
	resp.Type = wireTypeResult
	resp.ReqID = reqID
	resp.Code, resp.Message = wireErrorFor(err)
	if err := sc.writeMessage(resp); err != nil {
		sc.srv.log.Debug("store server: write result failed", "err", err)
	}
}

func (sc *serverConn) writeMessage(msg wireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(serverWriteWait))
	return sc.conn.WriteMessage(websocket.TextMessage, payload)
}
