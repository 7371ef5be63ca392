// README: Connection registry: admission, bounded outbound queues, close hooks, idle sweep.
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tracker/internal/logging"
	"tracker/internal/metrics"
	"tracker/internal/types"
)

const defaultOutboundBuffer = 64

type Options struct {
	// OutboundBuffer is the per-connection queue length.
	OutboundBuffer int
	Now            func() time.Time
}

type conn struct {
	id          ID
	identity    types.Identity
	connectedAt time.Time
	state       atomic.Int32
	lastSeen    atomic.Int64

	transport Transport
	outbound  chan []byte
	done      chan struct{}
}

func (c *conn) info() Info {
	return Info{
		ID:           c.id,
		Identity:     c.identity,
		State:        State(c.state.Load()),
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastSeen.Load()),
	}
}

type Registry struct {
	auth   Authenticator
	buffer int
	now    func() time.Time

	mu    sync.RWMutex
	conns map[ID]*conn

	hooksMu sync.RWMutex
	hooks   []func(ID)
}

func NewRegistry(auth Authenticator, opts Options) *Registry {
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = defaultOutboundBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		auth:   auth,
		buffer: opts.OutboundBuffer,
		now:    opts.Now,
		conns:  make(map[ID]*conn),
	}
}

// OnClose registers fn to run once for every connection that closes.
func (r *Registry) OnClose(fn func(ID)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Register verifies credentials and admits the connection. Nothing is
// registered when verification fails.
func (r *Registry) Register(ctx context.Context, credentials string, t Transport) (ID, error) {
	if r.auth == nil {
		return "", fmt.Errorf("%w: no authenticator configured", ErrIdentityRejected)
	}
	identity, err := r.auth.Authenticate(ctx, credentials)
	if err != nil {
		metrics.ConnectionsRejected.Inc()
		return "", fmt.Errorf("%w: %w", ErrIdentityRejected, err)
	}
	return r.Admit(identity, t)
}

// Admit registers a connection whose identity was verified by the caller
// (the HTTP layer refuses the upgrade before this point on auth failure).
func (r *Registry) Admit(identity types.Identity, t Transport) (ID, error) {
	if identity.UserID == "" || identity.Role == "" {
		metrics.ConnectionsRejected.Inc()
		return "", fmt.Errorf("%w: incomplete identity", ErrIdentityRejected)
	}
	now := r.now()
	c := &conn{
		id:          ID(uuid.NewString()),
		identity:    identity,
		connectedAt: now,
		transport:   t,
		outbound:    make(chan []byte, r.buffer),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(now.UnixNano())

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()

	c.state.Store(int32(StateOpen))
	metrics.ConnectionsOpen.Inc()
	go r.sendLoop(c)

	logging.Debug().Str("conn", string(c.id)).Str("user", string(identity.UserID)).Str("role", string(identity.Role)).Msg("connection open")
	return c.id, nil
}

func (r *Registry) sendLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			if err := c.transport.WriteFrame(context.Background(), frame); err != nil {
				logging.Warn().Err(err).Str("conn", string(c.id)).Msg("write failed, closing connection")
				r.MarkClosed(c.id)
				return
			}
		}
	}
}

// MarkClosed is idempotent. Queued frames not yet written are dropped.
func (r *Registry) MarkClosed(id ID) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.state.Store(int32(StateClosing))
	close(c.done)
	if err := c.transport.Close(); err != nil {
		logging.Debug().Err(err).Str("conn", string(id)).Msg("transport close")
	}
	c.state.Store(int32(StateClosed))
	metrics.ConnectionsOpen.Dec()

	r.hooksMu.RLock()
	hooks := append([]func(ID){}, r.hooks...)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	logging.Debug().Str("conn", string(id)).Msg("connection closed")
}

func (r *Registry) Touch(id ID) {
	if c := r.lookup(id); c != nil {
		c.lastSeen.Store(r.now().UnixNano())
	}
}

// Get returns the connection if it is still registered.
func (r *Registry) Get(id ID) (Info, bool) {
	c := r.lookup(id)
	if c == nil {
		return Info{}, false
	}
	return c.info(), true
}

// IsOpen reports whether id is registered and OPEN.
func (r *Registry) IsOpen(id ID) bool {
	c := r.lookup(id)
	return c != nil && State(c.state.Load()) == StateOpen
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Deliver enqueues frame on the connection's outbound queue, waiting at most
// timeout for room. A closed or unknown connection yields ErrClosed.
func (r *Registry) Deliver(ctx context.Context, id ID, frame []byte, timeout time.Duration) error {
	c := r.lookup(id)
	if c == nil || State(c.state.Load()) != StateOpen {
		return ErrClosed
	}

	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrDeliveryTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepIdle closes every connection whose last activity is older than
// maxIdle and returns how many were closed.
func (r *Registry) SweepIdle(now time.Time, maxIdle time.Duration) int {
	cutoff := now.Add(-maxIdle).UnixNano()

	r.mu.RLock()
	var idle []ID
	for id, c := range r.conns {
		if c.lastSeen.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		logging.Info().Str("conn", string(id)).Dur("max_idle", maxIdle).Msg("closing idle connection")
		r.MarkClosed(id)
	}
	return len(idle)
}

// CloseAll closes every open connection; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.MarkClosed(id)
	}
}

func (r *Registry) lookup(id ID) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}
