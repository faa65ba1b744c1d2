package sending

import (
	"errors"

	"github.com/noteable-io/sending/backend"
)

var (
	// ErrUnknownSession indicates an operation referenced a session id that
	// is not registered with the manager. Closed sessions are removed from
	// the registry, so operating on one through the manager surfaces this.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionClosed indicates an operation on, or a receive interrupted
	// by, a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("manager closed")

	// ErrBackendUnavailable indicates the external transport stayed
	// unreachable past the adapter's retry budget. Local delivery keeps
	// working; the bridge for the affected topic is abandoned.
	ErrBackendUnavailable = backend.ErrUnavailable
)
