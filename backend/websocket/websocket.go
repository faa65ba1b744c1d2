// Package websocket bridges topics through a relay server over a single
// WebSocket connection, the shape exposed by kernel-gateway style services.
// Frames are JSON: {"op":"sub"|"unsub"|"pub","topic":...,"payload":...}.
//
// The adapter owns one managed connection. A reader goroutine dispatches
// inbound publish frames to per-topic streams and, when the connection
// drops, reconnects with exponential backoff and replays the active
// subscriptions. Once the retry budget is exhausted every stream fails with
// backend.ErrUnavailable; the manager keeps local delivery running.
package websocket

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/noteable-io/sending/backend"
)

// Config for the websocket backend. Defaults can be loaded via envdecode.
type Config struct {
	// URL of the relay, like "ws://localhost:8765/sending". ENV: SENDING_WS_URL
	URL string `env:"SENDING_WS_URL"`
	// DialTimeout bounds each connection attempt. ENV: SENDING_WS_DIAL_TIMEOUT
	DialTimeout time.Duration `env:"SENDING_WS_DIAL_TIMEOUT,default=10s"`
	// MaxReconnects bounds consecutive failed reconnect attempts before the
	// backend gives up. ENV: SENDING_WS_MAX_RECONNECTS
	MaxReconnects int `env:"SENDING_WS_MAX_RECONNECTS,default=5"`
	// ReconnectBackoff is the base delay between attempts; it doubles per
	// consecutive failure. ENV: SENDING_WS_RECONNECT_BACKOFF
	ReconnectBackoff time.Duration `env:"SENDING_WS_RECONNECT_BACKOFF,default=250ms"`
}

type frame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}

const (
	opSub   = "sub"
	opUnsub = "unsub"
	opPub   = "pub"
)

// Backend implements backend.Backend over a relay WebSocket connection.
type Backend struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	streams     map[string]map[*stream]struct{}
	unavailable bool
	closed      bool
}

// New dials the relay and starts the reader loop.
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket backend: relay URL is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]map[*stream]struct{}),
	}

	conn, err := b.dial()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("websocket dial %q: %w", cfg.URL, err)
	}
	b.conn = conn

	go b.readLoop()
	return b, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode websocket backend config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, b.cfg.URL, nil)
	return conn, err
}

// Publish sends a pub frame on the relay connection.
func (b *Backend) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	conn := b.conn
	switch {
	case b.closed:
		b.mu.Unlock()
		return io.EOF
	case b.unavailable || conn == nil:
		b.mu.Unlock()
		return fmt.Errorf("websocket publish %q: %w", topic, backend.ErrUnavailable)
	}
	b.mu.Unlock()

	if err := b.writeFrame(ctx, conn, frame{Op: opPub, Topic: topic, Payload: payload}); err != nil {
		// The reader loop notices the dead connection and reconnects; this
		// publish is lost, which Pub/Sub semantics permit.
		return fmt.Errorf("websocket publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe registers topic interest with the relay and returns a stream.
func (b *Backend) Subscribe(ctx context.Context, topic string) (backend.Stream, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, io.EOF
	}
	if b.unavailable {
		b.mu.Unlock()
		return nil, fmt.Errorf("websocket subscribe %q: %w", topic, backend.ErrUnavailable)
	}
	s := &stream{b: b, topic: topic, ch: make(chan backend.Delivery, 64), done: make(chan struct{})}
	set, ok := b.streams[topic]
	if !ok {
		set = make(map[*stream]struct{})
		b.streams[topic] = set
	}
	first := len(set) == 0
	set[s] = struct{}{}
	conn := b.conn
	b.mu.Unlock()

	if first && conn != nil {
		if err := b.writeFrame(ctx, conn, frame{Op: opSub, Topic: topic}); err != nil {
			// Leave the stream registered: the reconnect path replays sub
			// frames for every topic with live streams.
			return s, nil
		}
	}
	return s, nil
}

// Close tears the connection down. All streams terminate with io.EOF.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	streams := b.allStreamsLocked()
	b.streams = make(map[string]map[*stream]struct{})
	b.mu.Unlock()

	b.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	for _, s := range streams {
		s.terminate(nil)
	}
	return nil
}

func (b *Backend) allStreamsLocked() []*stream {
	var out []*stream
	for _, set := range b.streams {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}

func (b *Backend) writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (b *Backend) readLoop() {
	for {
		b.mu.Lock()
		conn := b.conn
		closed := b.closed
		b.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.Read(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if !b.reconnect() {
				return
			}
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Op != opPub {
			// Unknown frames from the relay are skipped rather than fatal.
			continue
		}

		b.mu.Lock()
		targets := make([]*stream, 0, len(b.streams[f.Topic]))
		for s := range b.streams[f.Topic] {
			targets = append(targets, s)
		}
		b.mu.Unlock()

		d := backend.Delivery{Topic: f.Topic, Payload: f.Payload}
		for _, s := range targets {
			s.deliver(d)
		}
	}
}

// reconnect re-dials with exponential backoff and replays sub frames for
// every topic that still has live streams. Reports whether the loop should
// keep reading.
func (b *Backend) reconnect() bool {
	backoff := b.cfg.ReconnectBackoff
	for attempt := 1; ; attempt++ {
		select {
		case <-b.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := b.dial()
		if err == nil {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
				return false
			}
			b.conn = conn
			topics := make([]string, 0, len(b.streams))
			for topic, set := range b.streams {
				if len(set) > 0 {
					topics = append(topics, topic)
				}
			}
			b.mu.Unlock()

			ok := true
			for _, topic := range topics {
				if err := b.writeFrame(b.ctx, conn, frame{Op: opSub, Topic: topic}); err != nil {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
			// Resubscribe failed mid-replay; this connection is no good.
			// Drop it before dialing again so it does not leak.
			b.mu.Lock()
			if b.conn == conn {
				b.conn = nil
			}
			b.mu.Unlock()
			_ = conn.Close(websocket.StatusInternalError, "resubscribe failed")
		}

		if attempt >= b.cfg.MaxReconnects {
			b.giveUp()
			return false
		}
		backoff *= 2
	}
}

// giveUp marks the backend unavailable and fails every stream.
func (b *Backend) giveUp() {
	b.mu.Lock()
	b.unavailable = true
	b.conn = nil
	streams := b.allStreamsLocked()
	b.streams = make(map[string]map[*stream]struct{})
	b.mu.Unlock()

	err := fmt.Errorf("websocket relay %q: %w", b.cfg.URL, backend.ErrUnavailable)
	for _, s := range streams {
		s.terminate(err)
	}
}

type stream struct {
	b     *Backend
	topic string
	ch    chan backend.Delivery

	mu   sync.Mutex
	err  error
	done chan struct{}
}

func (s *stream) deliver(d backend.Delivery) {
	select {
	case s.ch <- d:
	case <-s.done:
	default:
		// Stream buffer is full; drop rather than stall the reader loop.
	}
}

// terminate ends the stream with err, or io.EOF when err is nil.
func (s *stream) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.err = err
	close(s.done)
}

func (s *stream) Next(ctx context.Context) (backend.Delivery, error) {
	select {
	case d := <-s.ch:
		return d, nil
	default:
	}
	select {
	case d := <-s.ch:
		return d, nil
	case <-ctx.Done():
		return backend.Delivery{}, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return backend.Delivery{}, err
	}
}

func (s *stream) Close() error {
	b := s.b
	b.mu.Lock()
	set := b.streams[s.topic]
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(b.streams, s.topic)
	}
	conn := b.conn
	closed := b.closed
	b.mu.Unlock()

	s.terminate(nil)

	if last && !closed && conn != nil {
		// Best effort: the relay stops sending frames for this topic.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.writeFrame(ctx, conn, frame{Op: opUnsub, Topic: s.topic})
	}
	return nil
}

// Compile-time interface checks
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Stream  = (*stream)(nil)
)
