// README: Periodic idle-connection sweep, run as a supervised service.
package connection

import (
	"context"
	"time"
)

type Sweeper struct {
	Registry *Registry
	Interval time.Duration
	MaxIdle  time.Duration
}

// Serve implements suture.Service.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Registry.SweepIdle(now, s.MaxIdle)
		}
	}
}

func (s *Sweeper) String() string { return "idle-sweeper" }
