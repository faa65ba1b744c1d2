package sending

import (
	"context"
	"errors"
	"sync"

	"github.com/noteable-io/sending/internal/logctx"
)

// Session is the subscriber-facing handle: an addressable inbox plus a set
// of topic subscriptions. Sessions are created by a Manager and hold only a
// back-reference to it; all structural mutation (subscribe, unsubscribe,
// close) runs through the manager so the topic index never diverges from
// the per-session subscription sets.
//
// Sessions are safe for concurrent use, but the inbox is FIFO for a single
// consumer: concurrent Receive calls compete for messages.
type Session struct {
	id        string
	isolation Isolation
	mgr       *Manager

	mu     sync.Mutex
	subs   map[string]struct{}
	inbox  []Message
	wake   chan struct{}
	closed bool
}

func newSession(mgr *Manager, id string, isolation Isolation) *Session {
	return &Session{
		id:        id,
		isolation: isolation,
		mgr:       mgr,
		subs:      make(map[string]struct{}),
		wake:      make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Isolation reports the session's routing eligibility class.
func (s *Session) Isolation() Isolation { return s.isolation }

// Topics returns a snapshot of the session's current subscriptions.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	return out
}

// Receive blocks until a message is available and returns it in FIFO order.
// It fails with ErrSessionClosed if the session is closed, including while a
// call is already waiting: close wakes pending receivers rather than
// leaving them hung.
func (s *Session) Receive(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if len(s.inbox) > 0 {
			msg := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Message{}, ErrSessionClosed
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wake:
		}
	}
}

// Consume runs a receive loop, invoking fn for each inbox message until the
// context ends, the session closes, or fn returns an error. A close while
// consuming returns nil: it is the normal end of the stream.
func (s *Session) Consume(ctx context.Context, fn func(ctx context.Context, msg Message) error) error {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: s.id,
		Isolation: s.isolation.String(),
	})
	for {
		msg, err := s.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return nil
			}
			return err
		}
		if err := fn(ctx, msg); err != nil {
			return err
		}
	}
}

// Subscribe adds the topic to this session's subscription set. Idempotent.
func (s *Session) Subscribe(topic string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.mgr.Subscribe(s.id, topic)
}

// Unsubscribe removes the topic from this session's subscription set.
// A no-op if the session is not subscribed.
func (s *Session) Unsubscribe(topic string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.mgr.Unsubscribe(s.id, topic)
}

// Publish forwards to the manager with this session's id as the origin. The
// origin is what lets the router apply isolation and echo policy at
// delivery time.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.mgr.publish(ctx, topic, payload, s.id)
}

// Close removes the session from the manager and wakes pending receivers.
// Idempotent.
func (s *Session) Close() error {
	err := s.mgr.CloseSession(s.id)
	if errors.Is(err, ErrUnknownSession) || errors.Is(err, ErrManagerClosed) {
		return nil
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// enqueue appends to the inbox and wakes waiting receivers. Called by the
// router with the manager lock held; messages for closed sessions are
// dropped.
func (s *Session) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inbox = append(s.inbox, msg)
	s.notifyLocked()
}

// markClosed flips the terminal flag, discards the inbox, and wakes any
// waiting receivers so they fail with ErrSessionClosed.
func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.inbox = nil
	s.notifyLocked()
}

// notifyLocked broadcasts by closing the current wake channel and replacing
// it, the close-and-swap condition pattern.
func (s *Session) notifyLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Session) addTopic(topic string) {
	s.mu.Lock()
	s.subs[topic] = struct{}{}
	s.mu.Unlock()
}

// removeTopic reports whether the topic was present.
func (s *Session) removeTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[topic]; !ok {
		return false
	}
	delete(s.subs, topic)
	return true
}

// drainTopics empties and returns the subscription set.
func (s *Session) drainTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	s.subs = make(map[string]struct{})
	return out
}
