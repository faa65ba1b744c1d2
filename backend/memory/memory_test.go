package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishIsNoop(t *testing.T) {
	b := New()
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "alpha", []byte("discarded")))
}

func TestStreamStaysEmptyUntilClosed(t *testing.T) {
	b := New()
	defer b.Close()

	stream, err := b.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)

	// A publish never reaches the stub's streams.
	require.NoError(t, b.Publish(context.Background(), "alpha", []byte("x")))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, stream.Close())
	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestBackendCloseTerminatesStreams(t *testing.T) {
	b := New()

	stream, err := b.Subscribe(context.Background(), "alpha")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, err = stream.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}
