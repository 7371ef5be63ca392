// README: Connection model: lifecycle state, transport and auth collaborators.
package connection

import (
	"context"
	"errors"
	"time"

	"tracker/internal/types"
)

type ID string

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var (
	ErrIdentityRejected = errors.New("identity rejected")
	ErrClosed           = errors.New("connection closed")
	ErrDeliveryTimeout  = errors.New("delivery timed out")
	ErrNotFound         = errors.New("connection not found")
)

// Transport writes encoded frames to one client. Implementations bound each
// write with their own deadline.
type Transport interface {
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Authenticator turns transport-level credentials into a caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials string) (types.Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credentials string) (types.Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, credentials string) (types.Identity, error) {
	return f(ctx, credentials)
}

// Info is a point-in-time view of a connection.
type Info struct {
	ID           ID
	Identity     types.Identity
	State        State
	ConnectedAt  time.Time
	LastActivity time.Time
}
