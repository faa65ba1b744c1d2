package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/noteable-io/sending/backend"
	"github.com/noteable-io/sending/backend/backendtest"
	"github.com/noteable-io/sending/backend/websocket"
)

// relay is a minimal in-test implementation of the frame protocol the
// adapter speaks: it tracks per-topic interest and forwards pub frames to
// every connection subscribed to the topic, including the sender.
type relay struct {
	mu     sync.Mutex
	topics map[string]map[*relayConn]struct{}
	conns  map[*relayConn]*ws.Conn
	subs   map[string]int // cumulative sub frames seen per topic
}

type relayConn struct {
	send chan []byte
	done chan struct{}
}

type relayFrame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}

func newRelay() *relay {
	return &relay{
		topics: make(map[string]map[*relayConn]struct{}),
		conns:  make(map[*relayConn]*ws.Conn),
		subs:   make(map[string]int),
	}
}

// dropAll severs every relay-side connection, forcing clients through their
// reconnect path while the server stays up.
func (r *relay) dropAll() {
	r.mu.Lock()
	conns := make([]*ws.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(ws.StatusGoingAway, "relay restart")
	}
}

// waitForSubCount blocks until the relay has seen at least n sub frames for
// the topic over the lifetime of the server.
func (r *relay) waitForSubCount(t *testing.T, topic string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		seen := r.subs[topic]
		r.mu.Unlock()
		if seen >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("relay never saw %d sub frames for %q", n, topic)
}

func (r *relay) handler(w http.ResponseWriter, req *http.Request) {
	conn, err := ws.Accept(w, req, nil)
	if err != nil {
		return
	}
	ctx := req.Context()
	rc := &relayConn{send: make(chan []byte, 64), done: make(chan struct{})}
	r.mu.Lock()
	r.conns[rc] = conn
	r.mu.Unlock()

	go func() {
		for {
			select {
			case data := <-rc.send:
				if err := conn.Write(ctx, ws.MessageText, data); err != nil {
					return
				}
			case <-rc.done:
				return
			}
		}
	}()

	defer func() {
		r.mu.Lock()
		for _, set := range r.topics {
			delete(set, rc)
		}
		delete(r.conns, rc)
		r.mu.Unlock()
		close(rc.done)
		_ = conn.Close(ws.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f relayFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Op {
		case "sub":
			r.mu.Lock()
			set, ok := r.topics[f.Topic]
			if !ok {
				set = make(map[*relayConn]struct{})
				r.topics[f.Topic] = set
			}
			set[rc] = struct{}{}
			r.subs[f.Topic]++
			r.mu.Unlock()
		case "unsub":
			r.mu.Lock()
			delete(r.topics[f.Topic], rc)
			r.mu.Unlock()
		case "pub":
			r.mu.Lock()
			targets := make([]*relayConn, 0, len(r.topics[f.Topic]))
			for c := range r.topics[f.Topic] {
				targets = append(targets, c)
			}
			r.mu.Unlock()
			for _, c := range targets {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}
}

func startRelay(t *testing.T) (*relay, string) {
	t.Helper()
	r := newRelay()
	srv := httptest.NewServer(http.HandlerFunc(r.handler))
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketBackend(t *testing.T) {
	_, url := startRelay(t)

	backendtest.RunBackendTests(t, func(t *testing.T) backend.Backend {
		b, err := websocket.New(websocket.Config{URL: url})
		if err != nil {
			t.Fatalf("create websocket backend: %v", err)
		}
		return b
	})
}

func TestNewFailsWhenRelayUnreachable(t *testing.T) {
	_, err := websocket.New(websocket.Config{
		URL:              "ws://127.0.0.1:1",
		DialTimeout:      500 * time.Millisecond,
		MaxReconnects:    1,
		ReconnectBackoff: 10 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestCrossBackendDelivery(t *testing.T) {
	_, url := startRelay(t)

	a, err := websocket.New(websocket.Config{URL: url})
	require.NoError(t, err)
	defer a.Close()

	b, err := websocket.New(websocket.Config{URL: url})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.Subscribe(ctx, "alpha")
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, a.Publish(ctx, "alpha", []byte("across")))

	d, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("across"), d.Payload)
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	r, url := startRelay(t)

	sub, err := websocket.New(websocket.Config{
		URL:              url,
		MaxReconnects:    10,
		ReconnectBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := sub.Subscribe(ctx, "alpha")
	require.NoError(t, err)
	defer stream.Close()
	r.waitForSubCount(t, "alpha", 1)

	// Sever the connection server-side; the adapter must reconnect and
	// replay its sub frame.
	r.dropAll()
	r.waitForSubCount(t, "alpha", 2)

	pub, err := websocket.New(websocket.Config{URL: url})
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.Publish(ctx, "alpha", []byte("after restart")))

	d, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("after restart"), d.Payload)
}
