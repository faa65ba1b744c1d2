package sending

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/noteable-io/sending/backend"
	"github.com/noteable-io/sending/internal/logctx"
)

const (
	defaultOutboundQueueSize = 256
	defaultOutboundWorkers   = 1
	defaultBridgeMaxRetries  = 5
	defaultBridgeBackoff     = 250 * time.Millisecond

	// closeDrainTimeout bounds how long Close waits for the outbound
	// workers to flush the queue before cutting backend I/O.
	closeDrainTimeout = 2 * time.Second
)

// Manager is the process-wide registry of sessions and topic interest, and
// the single entry point for publish/subscribe operations. It is
// constructed explicitly and torn down explicitly; there is no ambient
// singleton, so multiple isolated managers can coexist in one process.
//
// All structural state (the session registry, the topic index, the bridge
// table) is serialized through one mutex. The topic index is maintained as
// the exact inverse of the union of session subscription sets; both sides
// are updated under the same critical section.
type Manager struct {
	instanceID string
	backend    backend.Backend
	log        *slog.Logger

	echo             bool
	queueSize        int
	workers          int
	bridgeMaxRetries int
	bridgeBackoff    time.Duration

	pumpCtx    context.Context
	pumpCancel context.CancelFunc

	mu         sync.Mutex
	sessions   map[string]*Session
	topicIndex map[string]map[string]struct{}
	bridges    map[string]*bridge
	closed     bool

	outbound chan outboundItem
	pubWG    sync.WaitGroup
	wg       sync.WaitGroup
}

type outboundItem struct {
	topic string
	data  []byte
}

// bridge tracks the backend subscription pump for one topic.
type bridge struct {
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithEcho makes shared sessions receive their own publishes. The default
// policy excludes the publisher from its own broadcast.
func WithEcho() Option {
	return func(m *Manager) { m.echo = true }
}

// WithOutboundQueueSize bounds the queue between Publish and the backend
// workers. Publish applies backpressure when it fills.
func WithOutboundQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithOutboundWorkers sets how many goroutines drain the outbound queue
// into the backend.
func WithOutboundWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithBridgeRetry bounds the per-topic reconnect-and-resubscribe loop run
// against the backend: at most maxRetries consecutive failures, with an
// exponential backoff starting at base.
func WithBridgeRetry(maxRetries int, base time.Duration) Option {
	return func(m *Manager) {
		if maxRetries > 0 {
			m.bridgeMaxRetries = maxRetries
		}
		if base > 0 {
			m.bridgeBackoff = base
		}
	}
}

// New creates a Manager routing through the given backend. The manager owns
// the backend from here on; Close closes it.
func New(b backend.Backend, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		instanceID:       uuid.NewString(),
		backend:          b,
		log:              slog.Default(),
		queueSize:        defaultOutboundQueueSize,
		workers:          defaultOutboundWorkers,
		bridgeMaxRetries: defaultBridgeMaxRetries,
		bridgeBackoff:    defaultBridgeBackoff,
		pumpCtx:          ctx,
		pumpCancel:       cancel,
		sessions:         make(map[string]*Session),
		topicIndex:       make(map[string]map[string]struct{}),
		bridges:          make(map[string]*bridge),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.outbound = make(chan outboundItem, m.queueSize)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.outboundWorker()
	}
	return m
}

// CreateSession registers a new shared session with no subscriptions.
func (m *Manager) CreateSession() (*Session, error) {
	return m.createSession(IsolationShared)
}

// CreateDetachedSession registers a new detached session. Lifecycle is
// identical to a shared session; only routing eligibility differs.
func (m *Manager) CreateDetachedSession() (*Session, error) {
	return m.createSession(IsolationDetached)
}

func (m *Manager) createSession(isolation Isolation) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	s := newSession(m, uuid.NewString(), isolation)
	m.sessions[s.id] = s
	return s, nil
}

// Subscribe adds the topic to the session's subscription set and to the
// topic index. Idempotent. The first local subscriber to a topic opens the
// backend bridge for it.
func (m *Manager) Subscribe(sessionID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("subscribe session %q: %w", sessionID, ErrUnknownSession)
	}

	set, ok := m.topicIndex[topic]
	if !ok {
		set = make(map[string]struct{})
		m.topicIndex[topic] = set
		m.startBridgeLocked(topic)
	}
	if _, dup := set[sessionID]; dup {
		return nil
	}
	set[sessionID] = struct{}{}
	s.addTopic(topic)
	return nil
}

// Unsubscribe removes the mapping on both sides atomically. A no-op if the
// session is not subscribed. The last local subscriber leaving a topic
// closes its backend bridge.
func (m *Manager) Unsubscribe(sessionID, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unsubscribe session %q: %w", sessionID, ErrUnknownSession)
	}
	if !s.removeTopic(topic) {
		return nil
	}
	m.dropFromIndexLocked(sessionID, topic)
	return nil
}

func (m *Manager) dropFromIndexLocked(sessionID, topic string) {
	set := m.topicIndex[topic]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.topicIndex, topic)
		m.stopBridgeLocked(topic)
	}
}

// Publish routes a manager-level broadcast: every shared subscriber of the
// topic receives it, detached sessions never do. Use Session.Publish to
// stamp an originating session.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.publish(ctx, topic, payload, "")
}

// publish enqueues local delivery synchronously, then hands the envelope to
// the outbound queue for the backend workers. It returns once local
// delivery is enqueued; it never waits for consumers to drain inboxes.
func (m *Manager) publish(ctx context.Context, topic string, payload []byte, origin string) error {
	// Encode first: an error here means nothing was delivered anywhere.
	data, err := encodeEnvelope(m.instanceID, topic, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.route(Message{Topic: topic, Payload: payload, Origin: origin})
	m.pubWG.Add(1)
	m.mu.Unlock()
	defer m.pubWG.Done()

	select {
	case m.outbound <- outboundItem{topic: topic, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.pumpCtx.Done():
		return ErrManagerClosed
	}
}

// CloseSession removes the session from the registry and the topic index,
// marks it closed, and wakes pending receives with ErrSessionClosed.
func (m *Manager) CloseSession(sessionID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("close session %q: %w", sessionID, ErrUnknownSession)
	}
	delete(m.sessions, sessionID)
	for _, topic := range s.drainTopics() {
		m.dropFromIndexLocked(sessionID, topic)
	}
	m.mu.Unlock()

	s.markClosed()
	return nil
}

// Close tears the manager down: closes every session, stops every bridge,
// drains the outbound queue, and closes the backend. Subsequent operations
// fail with ErrManagerClosed. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	bridges := make([]*bridge, 0, len(m.bridges))
	for _, br := range m.bridges {
		bridges = append(bridges, br)
	}
	m.sessions = make(map[string]*Session)
	m.topicIndex = make(map[string]map[string]struct{})
	m.bridges = make(map[string]*bridge)
	m.mu.Unlock()

	for _, s := range sessions {
		s.markClosed()
	}
	for _, br := range bridges {
		br.cancel()
	}

	// Let in-flight publishes land, then give the workers a bounded window
	// to flush the queue. A backend wedged in Publish would otherwise hold
	// Close hostage; after the window the pump context is cancelled and
	// queued-but-unsent envelopes are dropped, which Pub/Sub semantics
	// permit.
	m.pubWG.Wait()
	close(m.outbound)

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(closeDrainTimeout):
		m.log.Warn("outbound drain timed out; dropping queued envelopes")
	}
	m.pumpCancel()
	<-drained

	if err := m.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}

func (m *Manager) outboundWorker() {
	defer m.wg.Done()
	for it := range m.outbound {
		if err := m.backend.Publish(m.pumpCtx, it.topic, it.data); err != nil {
			if m.pumpCtx.Err() != nil {
				return
			}
			m.log.Warn("backend publish failed; local delivery already completed",
				"topic", it.topic, "error", err)
		}
	}
}

// startBridgeLocked opens the backend subscription pump for a topic. Caller
// holds the manager lock.
func (m *Manager) startBridgeLocked(topic string) {
	ctx, cancel := context.WithCancel(m.pumpCtx)
	m.bridges[topic] = &bridge{cancel: cancel}
	m.wg.Add(1)
	go m.runBridge(ctx, topic)
}

// stopBridgeLocked cancels the pump for a topic. Caller holds the manager
// lock.
func (m *Manager) stopBridgeLocked(topic string) {
	if br, ok := m.bridges[topic]; ok {
		br.cancel()
		delete(m.bridges, topic)
	}
}

// runBridge keeps one backend subscription alive for the topic,
// re-injecting inbound deliveries into local routing. Transport failures
// get a bounded reconnect-and-resubscribe loop with exponential backoff;
// when the budget is exhausted the bridge is abandoned with a warning and
// local delivery continues unaffected.
func (m *Manager) runBridge(ctx context.Context, topic string) {
	defer m.wg.Done()

	ctx = logctx.WithDeliveryData(ctx, &logctx.DeliveryData{Topic: topic})

	backoff := m.bridgeBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := m.backend.Subscribe(ctx, topic)
		if err == nil {
			n, perr := m.pump(ctx, topic, stream)
			_ = stream.Close()
			if ctx.Err() != nil || errors.Is(perr, io.EOF) {
				return
			}
			if n > 0 {
				// The subscription worked for a while; start the retry
				// budget over.
				attempts = 0
				backoff = m.bridgeBackoff
			}
			err = perr
		} else if errors.Is(err, io.EOF) {
			return
		}

		attempts++
		if attempts > m.bridgeMaxRetries {
			m.log.WarnContext(ctx, "backend subscription abandoned after retries; local delivery continues",
				"topic", topic, "attempts", attempts, "error", err)
			return
		}
		m.log.WarnContext(ctx, "backend subscription failed; reconnecting",
			"topic", topic, "attempt", attempts, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// pump drains one backend stream into local routing. Returns the number of
// deliveries handled and the terminating error.
func (m *Manager) pump(ctx context.Context, topic string, stream backend.Stream) (int, error) {
	n := 0
	for {
		d, err := stream.Next(ctx)
		if err != nil {
			return n, err
		}
		n++
		m.injectInbound(ctx, d)
	}
}

// injectInbound re-injects a transport delivery into local routing with no
// originating session. Envelopes stamped with this manager's own instance
// id are dropped: the transport echoed back traffic we already delivered
// locally at publish time.
func (m *Manager) injectInbound(ctx context.Context, d backend.Delivery) {
	env, err := decodeEnvelope(d.Payload)
	if err != nil {
		m.log.DebugContext(ctx, "dropping undecodable inbound delivery",
			"topic", d.Topic, "error", err)
		return
	}
	if env.Origin == m.instanceID {
		return
	}
	topic := env.Topic
	if topic == "" {
		topic = d.Topic
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.route(Message{Topic: topic, Payload: env.Payload})
}
