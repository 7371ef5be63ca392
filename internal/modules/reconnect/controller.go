// README: Client-side reconnect state machine with linear backoff and room rejoin.
package reconnect

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tracker/internal/logging"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

var ErrCancelled = errors.New("reconnect controller cancelled")

// Session is one live transport connection.
type Session interface {
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(ctx context.Context, room string) error
	Done() <-chan struct{}
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

type Timer interface {
	Stop() bool
}

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// AfterFunc schedules f after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	// OnState, if set, observes every state change. Called without locks held.
	OnState func(State)
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return c
}

// Controller drives one logical connection. attempt is the number of the next
// reconnect; 0 is the initial dial.
type Controller struct {
	cfg    Config
	dialer Dialer

	mu        sync.Mutex
	state     State
	attempt   int
	rooms     map[string]struct{}
	session   Session
	timer     Timer
	gen       uint64
	cancelled bool
	ctx       context.Context
	stop      context.CancelFunc
}

func New(dialer Dialer, cfg Config) *Controller {
	return &Controller{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		rooms:  make(map[string]struct{}),
	}
}

// Delay is the backoff before reconnect attempt n (1-based).
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := time.Duration(attempt) * c.cfg.BaseDelay
	if c.cfg.MaxDelay > 0 && d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

// Start begins connecting immediately. Calling Start while already started is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return ErrCancelled
	}
	if c.ctx != nil {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.stop = context.WithCancel(ctx)
	c.attempt = 0
	c.scheduleLocked(0)
	c.mu.Unlock()
	return nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Rooms returns the remembered subscriptions, sorted.
func (c *Controller) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Subscribe remembers room for rejoin and, when open, subscribes now.
func (c *Controller) Subscribe(ctx context.Context, room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	sess := c.openSessionLocked()
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Subscribe(ctx, room)
}

func (c *Controller) Unsubscribe(ctx context.Context, room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	sess := c.openSessionLocked()
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Unsubscribe(ctx, room)
}

// Cancel stops any scheduled attempt and closes the live session. A timer
// that fires afterwards does nothing.
func (c *Controller) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sess := c.session
	c.session = nil
	if c.stop != nil {
		c.stop()
	}
	changed := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	c.notify(changed, StateDisconnected)
}

func (c *Controller) openSessionLocked() Session {
	if c.state != StateOpen {
		return nil
	}
	return c.session
}

func (c *Controller) scheduleLocked(d time.Duration) {
	c.gen++
	gen := c.gen
	c.timer = c.cfg.AfterFunc(d, func() { c.dial(gen) })
}

func (c *Controller) dial(gen uint64) {
	c.mu.Lock()
	if c.cancelled || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx := c.ctx
	changed := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.notify(changed, StateConnecting)

	sess, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if c.cancelled || gen != c.gen {
		c.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
		return
	}
	if err != nil {
		logging.Warn().Err(err).Int("attempt", c.attempt).Msg("reconnect attempt failed")
		next := c.failLocked()
		c.mu.Unlock()
		c.notify(true, next)
		return
	}

	c.session = sess
	c.attempt = 0
	c.setStateLocked(StateOpen)
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	c.notify(true, StateOpen)

	sort.Strings(rooms)
	for _, r := range rooms {
		if err := sess.Subscribe(ctx, r); err != nil {
			logging.Warn().Err(err).Str("room", r).Msg("rejoin room")
		}
	}
	go c.watch(sess, gen)
}

// failLocked records a failed dial and either schedules the next attempt or
// gives up once MaxAttempts reconnects in a row have failed.
func (c *Controller) failLocked() State {
	c.attempt++
	if c.attempt > c.cfg.MaxAttempts {
		c.setStateLocked(StateFailed)
		return StateFailed
	}
	c.setStateLocked(StateDisconnected)
	c.scheduleLocked(c.Delay(c.attempt))
	return StateDisconnected
}

func (c *Controller) watch(sess Session, gen uint64) {
	select {
	case <-sess.Done():
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	if c.cancelled || gen != c.gen || c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.attempt = 1
	c.setStateLocked(StateDisconnected)
	c.scheduleLocked(c.Delay(c.attempt))
	c.mu.Unlock()
	logging.Info().Msg("connection dropped, reconnect scheduled")
	c.notify(true, StateDisconnected)
}

func (c *Controller) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Controller) notify(changed bool, s State) {
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
