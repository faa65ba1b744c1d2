// Package memory provides the in-process backend stub. It performs no
// external fan-out: published payloads are discarded and subscription
// streams stay empty until closed. Cross-session delivery inside one
// process is handled entirely by the manager's router, so a single-process
// deployment needs nothing more than this.
package memory

import (
	"context"
	"io"
	"sync"

	"github.com/noteable-io/sending/backend"
)

// Backend implements backend.Backend with no external transport.
type Backend struct {
	mu      sync.Mutex
	streams map[*stream]struct{}
	closed  bool
}

type stream struct {
	b      *Backend
	done   chan struct{}
	closed sync.Once
}

// New creates the no-op in-process backend.
func New() *Backend {
	return &Backend{streams: make(map[*stream]struct{})}
}

// Publish discards the payload. There is no external medium to forward to.
func (b *Backend) Publish(ctx context.Context, topic string, payload []byte) error {
	return ctx.Err()
}

// Subscribe returns a stream that never yields a delivery. It unblocks with
// io.EOF when closed, or with the context error on cancellation.
func (b *Backend) Subscribe(ctx context.Context, topic string) (backend.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, io.EOF
	}
	s := &stream{b: b, done: make(chan struct{})}
	b.streams[s] = struct{}{}
	return s, nil
}

// Close terminates all open streams.
func (b *Backend) Close() error {
	b.mu.Lock()
	streams := make([]*stream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.streams = make(map[*stream]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}
	return nil
}

func (s *stream) Next(ctx context.Context) (backend.Delivery, error) {
	select {
	case <-ctx.Done():
		return backend.Delivery{}, ctx.Err()
	case <-s.done:
		return backend.Delivery{}, io.EOF
	}
}

func (s *stream) Close() error {
	s.closed.Do(func() {
		s.b.mu.Lock()
		delete(s.b.streams, s)
		s.b.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Compile-time interface checks
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Stream  = (*stream)(nil)
)
