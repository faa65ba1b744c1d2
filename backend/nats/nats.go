// Package nats bridges topics to NATS subjects via nats.go. The connection
// is configured for unbounded reconnects; the client library replays active
// subscriptions after a reconnect, so streams survive transport hiccups
// without adapter-level bookkeeping.
package nats

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/joeshaw/envdecode"
	"github.com/nats-io/nats.go"
	"github.com/noteable-io/sending/backend"
)

// Config for the NATS backend. Defaults can be loaded via envdecode.
type Config struct {
	// URL like "nats://localhost:4222". ENV: NATS_URL
	URL string `env:"NATS_URL,default=nats://localhost:4222"`
	// SubjectPrefix is prepended to every subject. ENV: SENDING_SUBJECT_PREFIX
	SubjectPrefix string `env:"SENDING_SUBJECT_PREFIX,default=sending."`

	// Conn overrides URL with an existing connection.
	Conn *nats.Conn
}

// Backend implements backend.Backend over NATS core publish/subscribe.
type Backend struct {
	conn   *nats.Conn
	prefix string

	mu       sync.Mutex
	ownsConn bool
	closed   bool
}

// New connects to NATS and returns a backend.
func New(cfg Config) (*Backend, error) {
	conn := cfg.Conn
	owns := false
	if conn == nil {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		var err error
		conn, err = nats.Connect(url,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		owns = true
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "sending."
	}
	return &Backend{conn: conn, prefix: prefix, ownsConn: owns}, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode nats backend config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) subject(topic string) string { return b.prefix + "topic." + topic }

// Publish sends the payload on the topic's subject.
func (b *Backend) Publish(ctx context.Context, topic string, payload []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := b.conn.Publish(b.subject(topic), payload); err != nil {
		return fmt.Errorf("nats publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a stream backed by a channel subscription.
func (b *Backend) Subscribe(ctx context.Context, topic string) (backend.Stream, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, io.EOF
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(b.subject(topic), msgs)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %q: %w", topic, backendErr(err))
	}
	return &stream{topic: topic, sub: sub, msgs: msgs, done: make(chan struct{})}, nil
}

// Close drains the connection if this backend created it.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	owns := b.ownsConn
	b.mu.Unlock()
	if owns {
		b.conn.Close()
	}
	return nil
}

func backendErr(err error) error {
	if err == nats.ErrConnectionClosed || err == nats.ErrConnectionDraining {
		return fmt.Errorf("%v: %w", err, backend.ErrUnavailable)
	}
	return err
}

type stream struct {
	topic string
	sub   *nats.Subscription
	msgs  chan *nats.Msg
	done  chan struct{}
	once  sync.Once
}

func (s *stream) Next(ctx context.Context) (backend.Delivery, error) {
	select {
	case <-ctx.Done():
		return backend.Delivery{}, ctx.Err()
	case <-s.done:
		return backend.Delivery{}, io.EOF
	case msg, ok := <-s.msgs:
		if !ok {
			return backend.Delivery{}, io.EOF
		}
		return backend.Delivery{Topic: s.topic, Payload: msg.Data}, nil
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
		return nil
	}
	return err
}

// Compile-time interface checks
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Stream  = (*stream)(nil)
)
