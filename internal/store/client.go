package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	clientWriteWait = 5 * time.Second
	clientDialWait  = 10 * time.Second
)

// Client is a Store backed by a websocket connection to the store server.
//
// One goroutine reads the connection and routes results to waiting callers
// and snapshots to subscriptions; writes are serialized by a mutex.
type Client struct {
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending map[string]chan wireMessage
	subs    map[string]*Subscription

	// onDrop, when set, is invoked once per snapshot dropped because a
	// subscription's queue was full.
	onDrop func()

	readErr  error
	readDone chan struct{}
}

// SetDropHandler registers the snapshot-drop callback. Must be called before
// the first Subscribe.
func (c *Client) SetDropHandler(fn func()) { c.onDrop = fn }

// Dial connects to a store server's websocket endpoint (e.g.
// "ws://host:port/store").
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: clientDialWait}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", url, err)
	}

	c := &Client{
		log:      logger,
		conn:     conn,
		pending:  make(map[string]chan wireMessage),
		subs:     make(map[string]*Subscription),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}
		msg, err := parseWireMessage(data)
		if err != nil {
			c.log.Warn("store client: bad message from server", "err", err)
			continue
		}

		switch msg.Type {
		case wireTypeResult:
			c.mu.Lock()
			ch, ok := c.pending[msg.ReqID]
			delete(c.pending, msg.ReqID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case wireTypeSnapshot:
			c.deliverSnapshot(msg.SubID, *msg.Snapshot)
		default:
			c.log.Warn("store client: unexpected message type", "type", string(msg.Type))
		}
	}
}

// deliverSnapshot routes a snapshot to its subscription. Snapshots for
// unknown (already cancelled) subscriptions are discarded silently; a full
// queue counts as a drop.
func (c *Client) deliverSnapshot(subID string, snap Snapshot) {
	c.mu.Lock()
	sub := c.subs[subID]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	if !sub.enqueue(snap) && c.onDrop != nil {
		c.onDrop()
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.readErr = err
	pending := c.pending
	c.pending = make(map[string]chan wireMessage)
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		sub.Cancel()
	}
}

func (c *Client) roundTrip(ctx context.Context, msg wireMessage) (wireMessage, error) {
	msg.ReqID = uuid.NewString()
	ch := make(chan wireMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wireMessage{}, ErrClosed
	}
	c.pending[msg.ReqID] = ch
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		return wireMessage{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wireMessage{}, fmt.Errorf("store connection lost: %w", ErrClosed)
		}
		if err := errorFromWire(resp.Code, resp.Message); err != nil {
			return wireMessage{}, err
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		return wireMessage{}, ctx.Err()
	}
}

func (c *Client) send(msg wireMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) Create(ctx context.Context, collection string, data Doc) (string, error) {
	resp, err := c.roundTrip(ctx, wireMessage{Type: wireTypeCreate, Path: collection, Data: data})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Append(ctx context.Context, collection string, data Doc) (string, error) {
	return c.Create(ctx, collection, data)
}

func (c *Client) Write(ctx context.Context, path string, data Doc, merge bool) error {
	_, err := c.roundTrip(ctx, wireMessage{Type: wireTypeWrite, Path: path, Data: data, Merge: merge})
	return err
}

func (c *Client) Read(ctx context.Context, path string) (Doc, error) {
	resp, err := c.roundTrip(ctx, wireMessage{Type: wireTypeRead, Path: path})
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.roundTrip(ctx, wireMessage{Type: wireTypeDelete, Path: path})
	return err
}

func (c *Client) Subscribe(path string) (*Subscription, error) {
	subID := uuid.NewString()

	q := newSnapshotQueue(0)
	sub := newSubscription(q, func() {
		c.mu.Lock()
		delete(c.subs, subID)
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			// Best-effort: the server also drops the subscription when the
			// connection goes away.
			if err := c.send(wireMessage{Type: wireTypeUnsubscribe, SubID: subID}); err != nil {
				c.log.Debug("store client: unsubscribe failed", "err", err)
			}
		}
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Cancel()
		return nil, ErrClosed
	}
	c.subs[subID] = sub
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), clientDialWait)
	defer cancel()
	if _, err := c.roundTrip(ctx, wireMessage{Type: wireTypeSubscribe, Path: path, SubID: subID}); err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	<-c.readDone
	return err
}
