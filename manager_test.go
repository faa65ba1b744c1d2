package sending_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noteable-io/sending"
	"github.com/noteable-io/sending/backend/memory"
)

func newManager(t *testing.T, opts ...sending.Option) *sending.Manager {
	t.Helper()
	m := sending.New(memory.New(), opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// receive fetches the next inbox message, failing the test if none arrives
// promptly.
func receive(t *testing.T, s *sending.Session) sending.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := s.Receive(ctx)
	require.NoError(t, err)
	return msg
}

// requireEmpty asserts that nothing is waiting in the session's inbox.
// Local delivery is synchronous with publish, so a short deadline is
// deterministic.
func requireEmpty(t *testing.T, s *sending.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedFanout(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, err := m.CreateSession()
	require.NoError(t, err)
	b, err := m.CreateSession()
	require.NoError(t, err)
	c, err := m.CreateDetachedSession()
	require.NoError(t, err)

	require.NoError(t, a.Subscribe("news"))
	require.NoError(t, b.Subscribe("news"))
	require.NoError(t, c.Subscribe("news"))

	require.NoError(t, a.Publish(ctx, "news", []byte(`{"headline":"x"}`)))

	got := receive(t, b)
	require.Equal(t, "news", got.Topic)
	require.Equal(t, []byte(`{"headline":"x"}`), got.Payload)
	require.Equal(t, a.ID(), got.Origin)

	// The publisher does not hear its own broadcast, and the detached
	// session is excluded from cross-session traffic entirely.
	requireEmpty(t, a)
	requireEmpty(t, c)
}

func TestSharedOrderingPerInbox(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, err := m.CreateSession()
	require.NoError(t, err)
	b, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("ticks"))

	const count = 20
	for i := 0; i < count; i++ {
		require.NoError(t, a.Publish(ctx, "ticks", []byte(fmt.Sprintf("%d", i))))
	}
	for i := 0; i < count; i++ {
		require.Equal(t, fmt.Sprintf("%d", i), string(receive(t, b).Payload))
	}
}

func TestDetachedLoopback(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	d, err := m.CreateDetachedSession()
	require.NoError(t, err)
	require.Equal(t, sending.IsolationDetached, d.Isolation())
	require.NoError(t, d.Subscribe("news"))

	other, err := m.CreateSession()
	require.NoError(t, err)

	// Another session's publish never reaches a detached inbox.
	require.NoError(t, other.Publish(ctx, "news", []byte("broadcast")))
	requireEmpty(t, d)

	// Manager-level broadcasts don't either.
	require.NoError(t, m.Publish(ctx, "news", []byte("notice")))
	requireEmpty(t, d)

	// The detached session's own publish loops back.
	require.NoError(t, d.Publish(ctx, "news", []byte("mine")))
	got := receive(t, d)
	require.Equal(t, []byte("mine"), got.Payload)
	require.Equal(t, d.ID(), got.Origin)
}

func TestEchoPolicy(t *testing.T) {
	t.Run("default: publisher excluded", func(t *testing.T) {
		m := newManager(t)
		a, err := m.CreateSession()
		require.NoError(t, err)
		require.NoError(t, a.Subscribe("news"))
		require.NoError(t, a.Publish(context.Background(), "news", []byte("own")))
		requireEmpty(t, a)
	})

	t.Run("WithEcho: publisher included", func(t *testing.T) {
		m := newManager(t, sending.WithEcho())
		a, err := m.CreateSession()
		require.NoError(t, err)
		require.NoError(t, a.Subscribe("news"))
		require.NoError(t, a.Publish(context.Background(), "news", []byte("own")))
		require.Equal(t, []byte("own"), receive(t, a).Payload)
	})
}

func TestManagerBroadcastReachesAllShared(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, err := m.CreateSession()
	require.NoError(t, err)
	b, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, a.Subscribe("alerts"))
	require.NoError(t, b.Subscribe("alerts"))

	require.NoError(t, m.Publish(ctx, "alerts", []byte("all hands")))

	for _, s := range []*sending.Session{a, b} {
		got := receive(t, s)
		require.Equal(t, []byte("all hands"), got.Payload)
		require.Empty(t, got.Origin)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, err := m.CreateSession()
	require.NoError(t, err)
	b, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("news"))

	require.NoError(t, b.Unsubscribe("news"))
	require.NoError(t, a.Publish(ctx, "news", []byte("missed")))
	requireEmpty(t, b)

	// Resubscribing restores delivery.
	require.NoError(t, b.Subscribe("news"))
	require.NoError(t, a.Publish(ctx, "news", []byte("back")))
	require.Equal(t, []byte("back"), receive(t, b).Payload)

	// Unsubscribing a topic that was never subscribed is a no-op.
	require.NoError(t, b.Unsubscribe("nope"))
}

func TestSubscribeIdempotent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, err := m.CreateSession()
	require.NoError(t, err)
	b, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, b.Subscribe("news"))
	require.NoError(t, b.Subscribe("news"))

	require.NoError(t, a.Publish(ctx, "news", []byte("once")))
	require.Equal(t, []byte("once"), receive(t, b).Payload)
	requireEmpty(t, b)
}

func TestPublishWithoutSubscribersIsSilent(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Publish(context.Background(), "void", []byte("dropped")))
}

func TestUnknownSession(t *testing.T) {
	m := newManager(t)

	require.ErrorIs(t, m.Subscribe("nope", "news"), sending.ErrUnknownSession)
	require.ErrorIs(t, m.Unsubscribe("nope", "news"), sending.ErrUnknownSession)
	require.ErrorIs(t, m.CloseSession("nope"), sending.ErrUnknownSession)

	s, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, m.CloseSession(s.ID()))
	require.ErrorIs(t, m.Subscribe(s.ID(), "news"), sending.ErrUnknownSession)
}

func TestOperationsOnClosedSession(t *testing.T) {
	m := newManager(t)

	s, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, s.Subscribe("news"))
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Subscribe("news"), sending.ErrSessionClosed)
	require.ErrorIs(t, s.Unsubscribe("news"), sending.ErrSessionClosed)
	require.ErrorIs(t, s.Publish(context.Background(), "news", nil), sending.ErrSessionClosed)

	_, err = s.Receive(context.Background())
	require.ErrorIs(t, err, sending.ErrSessionClosed)

	// Close is idempotent.
	require.NoError(t, s.Close())
}

func TestCloseSessionRemovesTopicInterest(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	a, err := m.CreateSession()
	require.NoError(t, err)
	b, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, a.Subscribe("news"))
	require.NoError(t, b.Subscribe("news"))

	require.NoError(t, a.Close())

	// Delivery to the surviving subscriber is unaffected.
	require.NoError(t, m.Publish(ctx, "news", []byte("still on")))
	require.Equal(t, []byte("still on"), receive(t, b).Payload)
}

func TestManagerClose(t *testing.T) {
	m := sending.New(memory.New())

	s, err := m.CreateSession()
	require.NoError(t, err)
	require.NoError(t, s.Subscribe("news"))

	require.NoError(t, m.Close())

	_, err = m.CreateSession()
	require.ErrorIs(t, err, sending.ErrManagerClosed)
	require.ErrorIs(t, m.Publish(context.Background(), "news", nil), sending.ErrManagerClosed)
	require.ErrorIs(t, m.Subscribe(s.ID(), "news"), sending.ErrManagerClosed)

	_, err = s.Receive(context.Background())
	require.ErrorIs(t, err, sending.ErrSessionClosed)

	// Closing twice is fine.
	require.NoError(t, m.Close())
}

func TestNewFromEnv(t *testing.T) {
	t.Run("memory backend", func(t *testing.T) {
		t.Setenv("SENDING_BACKEND", "memory")
		m, err := sending.NewFromEnv()
		require.NoError(t, err)
		require.NoError(t, m.Close())
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("SENDING_BACKEND", "carrier-pigeon")
		_, err := sending.NewFromEnv()
		require.Error(t, err)
	})
}
