// Package gochannel provides a Watermill GoChannel backend. The bus lives in
// process memory, so it is only useful for bridging multiple managers inside
// one process: hand the same *Backend to each manager and their topics are
// joined. Closing the backend tears down the shared bus for every manager
// attached to it.
package gochannel

import (
	"context"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/noteable-io/sending/backend"
)

// Backend implements backend.Backend on top of a Watermill GoChannel bus.
type Backend struct {
	bus *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
}

// New creates a fresh in-process bus.
func New() *Backend {
	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	return &Backend{bus: bus}
}

// Publish forwards the payload to every stream subscribed to the topic,
// across all managers sharing this backend.
func (b *Backend) Publish(ctx context.Context, topic string, payload []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.bus.Publish(topic, msg)
}

// Subscribe opens a stream over a GoChannel subscription.
func (b *Backend) Subscribe(ctx context.Context, topic string) (backend.Stream, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, io.EOF
	}

	// The subscription lives until the stream is closed, independent of the
	// caller's context.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := b.bus.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &stream{out: make(chan backend.Delivery, 64), cancel: cancel}
	// GoChannel's Publish blocks until subscribers ack, so acking is
	// decoupled from stream consumption: ack as soon as the delivery is
	// buffered.
	go func() {
		defer close(s.out)
		for msg := range msgs {
			msg.Ack()
			select {
			case s.out <- backend.Delivery{Topic: topic, Payload: msg.Payload}:
			case <-subCtx.Done():
				return
			}
		}
	}()
	return s, nil
}

// Close shuts the bus down. All streams terminate with io.EOF.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.bus.Close()
}

type stream struct {
	out    chan backend.Delivery
	cancel context.CancelFunc
	once   sync.Once
}

func (s *stream) Next(ctx context.Context) (backend.Delivery, error) {
	select {
	case <-ctx.Done():
		return backend.Delivery{}, ctx.Err()
	case d, ok := <-s.out:
		if !ok {
			return backend.Delivery{}, io.EOF
		}
		return d, nil
	}
}

func (s *stream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Compile-time interface checks
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Stream  = (*stream)(nil)
)
