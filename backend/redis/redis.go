// Package redis bridges topics to Redis Pub/Sub channels via go-redis.
// One Redis channel per topic, prefixed so multiple deployments can share a
// server. Delivery is fire-and-forget, matching Redis Pub/Sub semantics:
// subscribers that are offline at publish time miss the message.
package redis

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/noteable-io/sending/backend"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis backend. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ChannelPrefix is prepended to every Redis channel name.
	// ENV: SENDING_CHANNEL_PREFIX
	ChannelPrefix string `env:"SENDING_CHANNEL_PREFIX,default=sending:"`
	// MaxReceiveRetries bounds consecutive receive failures before a stream
	// gives up with backend.ErrUnavailable. go-redis reconnects and
	// resubscribes under the covers; this bound only trips when the server
	// stays unreachable. ENV: SENDING_REDIS_MAX_RETRIES
	MaxReceiveRetries int `env:"SENDING_REDIS_MAX_RETRIES,default=5"`

	// Client overrides Addr with a pre-built client. Useful for tests and
	// for cluster or sentinel topologies.
	Client redis.UniversalClient
}

// Backend implements backend.Backend over Redis Pub/Sub.
type Backend struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int

	mu      sync.Mutex
	ownsCli bool
	closed  bool
}

// New creates a Redis backend and verifies connectivity with a ping.
func New(cfg Config) (*Backend, error) {
	client := cfg.Client
	owns := false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		owns = true
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		if owns {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.ChannelPrefix
	if prefix == "" {
		prefix = "sending:"
	}
	retries := cfg.MaxReceiveRetries
	if retries <= 0 {
		retries = 5
	}
	return &Backend{client: client, prefix: prefix, maxRetries: retries, ownsCli: owns}, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv() (*Backend, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis backend config: %w", err)
	}
	return New(cfg)
}

func (b *Backend) channel(topic string) string { return b.prefix + "topic:" + topic }

// Publish sends the payload on the topic's Redis channel.
func (b *Backend) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a stream over a dedicated Redis subscription.
func (b *Backend) Subscribe(ctx context.Context, topic string) (backend.Stream, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, io.EOF
	}

	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	// Confirm the subscription is active before handing the stream out so a
	// publish immediately after Subscribe returns is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}
	return &stream{topic: topic, pubsub: pubsub, maxRetries: b.maxRetries}, nil
}

// Close releases the Redis client if this backend created it.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	owns := b.ownsCli
	b.mu.Unlock()
	if owns {
		return b.client.Close()
	}
	return nil
}

type stream struct {
	topic      string
	pubsub     *redis.PubSub
	maxRetries int
	once       sync.Once
}

func (s *stream) Next(ctx context.Context) (backend.Delivery, error) {
	var failures int
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err == nil {
			return backend.Delivery{Topic: s.topic, Payload: []byte(msg.Payload)}, nil
		}
		if ctx.Err() != nil {
			return backend.Delivery{}, ctx.Err()
		}
		// A closed subscription is terminal; everything else gets the
		// reconnect-and-retry treatment with linear backoff.
		if err == redis.ErrClosed {
			return backend.Delivery{}, io.EOF
		}
		failures++
		if failures > s.maxRetries {
			return backend.Delivery{}, fmt.Errorf("redis receive %q after %d attempts: %w", s.topic, failures, backend.ErrUnavailable)
		}
		select {
		case <-ctx.Done():
			return backend.Delivery{}, ctx.Err()
		case <-time.After(time.Duration(failures) * 100 * time.Millisecond):
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// Compile-time interface checks
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Stream  = (*stream)(nil)
)
