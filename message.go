package sending

// Isolation controls which published traffic a session's inbox receives.
type Isolation int

const (
	// IsolationShared sessions receive every message for topics they
	// subscribe to, from any publisher.
	IsolationShared Isolation = iota

	// IsolationDetached sessions only ever receive messages they themselves
	// published; they are excluded from all cross-session and
	// backend-injected traffic.
	IsolationDetached
)

func (i Isolation) String() string {
	switch i {
	case IsolationShared:
		return "shared"
	case IsolationDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Message is an immutable value routed to session inboxes. Payload bytes are
// opaque to the core; the manager never inspects them.
type Message struct {
	// Topic the message was published to. Topics are opaque strings matched
	// exactly; there is no hierarchy and no wildcard matching.
	Topic string

	// Payload is the application data.
	Payload []byte

	// Origin is the id of the local session that published the message.
	// Empty for manager-level broadcasts and for messages injected by an
	// external backend.
	Origin string
}
