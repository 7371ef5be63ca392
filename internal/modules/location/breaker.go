// README: Circuit breaker around a mirror so a down backend stops costing a timeout per sample.
package location

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"tracker/internal/logging"
)

type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type breakerMirror struct {
	inner Mirror
	cb    *gobreaker.CircuitBreaker[struct{}]
}

// WithBreaker wraps m; once FailureThreshold consecutive mirrors fail, calls
// short-circuit with gobreaker.ErrOpenState until OpenTimeout passes.
func WithBreaker(m Mirror, cfg BreakerConfig) Mirror {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "mirror:" + m.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &breakerMirror{inner: m, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

func (b *breakerMirror) Name() string { return b.inner.Name() }

func (b *breakerMirror) Unwrap() Mirror { return b.inner }

func (b *breakerMirror) Mirror(ctx context.Context, s Sample) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.Mirror(ctx, s)
	})
	return err
}
