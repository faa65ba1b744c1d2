package backend

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the external transport could not be reached and
// the adapter's retry budget is exhausted. Local delivery is unaffected;
// callers should treat this as a warning-level condition.
var ErrUnavailable = errors.New("backend unavailable")

// Backend bridges the manager's local routing to an external pub/sub medium.
// Adapters are byte pipes: they carry opaque payloads between processes and
// never interpret them. The in-process adapter is a no-op stub.
//
// Transport-level delivery failures must be handled inside the adapter with a
// reconnect-and-resubscribe retry loop rather than surfaced to publishers
// synchronously. Only an exhausted retry budget surfaces, as ErrUnavailable.
type Backend interface {
	// Publish forwards a payload to the external transport for the topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe opens a stream of inbound payloads for the topic. The stream
	// is lazy and survives transport reconnects where the underlying client
	// supports it.
	Subscribe(ctx context.Context, topic string) (Stream, error)

	// Close releases all transport resources. Open streams terminate with
	// io.EOF.
	Close() error
}

// Stream yields inbound deliveries for a single topic subscription.
// Streams are safe for use by a single consumer.
type Stream interface {
	// Next blocks until a delivery is available or the context ends.
	// Returns io.EOF when the stream is closed and nothing more will arrive.
	Next(ctx context.Context) (Delivery, error)

	// Close releases resources associated with this stream. After Close,
	// Next returns io.EOF. Close is idempotent.
	Close() error
}

// Delivery is one inbound transport message for a subscribed topic.
type Delivery struct {
	Topic   string
	Payload []byte
}
