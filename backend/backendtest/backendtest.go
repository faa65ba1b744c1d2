// Package backendtest provides a conformance suite for bridging backend
// adapters. Any adapter that actually moves bytes (gochannel, redis, nats,
// websocket) must pass it; the in-process stub is exempt because it
// deliberately delivers nothing.
package backendtest

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noteable-io/sending/backend"
)

// Factory creates a fresh backend instance for a test. The suite closes it.
type Factory func(t *testing.T) backend.Backend

// RunBackendTests runs the conformance suite against the factory.
func RunBackendTests(t *testing.T, factory Factory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) {
		testPublishReachesSubscriber(t, factory)
	})
	t.Run("MultipleStreamsSameTopic", func(t *testing.T) {
		testMultipleStreamsSameTopic(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("OrderedDelivery", func(t *testing.T) {
		testOrderedDelivery(t, factory)
	})
	t.Run("StreamCloseEOF", func(t *testing.T) {
		testStreamCloseEOF(t, factory)
	})
	t.Run("NextContextCancellation", func(t *testing.T) {
		testNextContextCancellation(t, factory)
	})
}

func testPublishReachesSubscriber(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.Subscribe(ctx, "alpha")
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, b.Publish(ctx, "alpha", []byte("hello")))

	d, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "alpha", d.Topic)
	require.Equal(t, []byte("hello"), d.Payload)
}

func testMultipleStreamsSameTopic(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := b.Subscribe(ctx, "alpha")
	require.NoError(t, err)
	defer first.Close()

	second, err := b.Subscribe(ctx, "alpha")
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, b.Publish(ctx, "alpha", []byte("fanout")))

	for _, stream := range []backend.Stream{first, second} {
		d, err := stream.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte("fanout"), d.Payload)
	}
}

func testTopicIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alpha, err := b.Subscribe(ctx, "alpha")
	require.NoError(t, err)
	defer alpha.Close()

	beta, err := b.Subscribe(ctx, "beta")
	require.NoError(t, err)
	defer beta.Close()

	require.NoError(t, b.Publish(ctx, "alpha", []byte("for-alpha")))
	require.NoError(t, b.Publish(ctx, "beta", []byte("for-beta")))

	d, err := alpha.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("for-alpha"), d.Payload)

	d, err = beta.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("for-beta"), d.Payload)

	// Nothing else should arrive on alpha.
	shortCtx, shortCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer shortCancel()
	_, err = alpha.Next(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func testOrderedDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.Subscribe(ctx, "ordered")
	require.NoError(t, err)
	defer stream.Close()

	const count = 10
	for i := 0; i < count; i++ {
		require.NoError(t, b.Publish(ctx, "ordered", []byte(fmt.Sprintf("msg-%d", i))))
	}

	for i := 0; i < count; i++ {
		d, err := stream.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("msg-%d", i), string(d.Payload))
	}
}

func testStreamCloseEOF(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.Subscribe(ctx, "alpha")
	require.NoError(t, err)

	require.NoError(t, stream.Close())

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	// Close is idempotent.
	require.NoError(t, stream.Close())
}

func testNextContextCancellation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	stream, err := b.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
