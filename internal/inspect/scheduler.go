package inspect

import (
	"context"
	"log"
	"math/rand"
	"time"
)

// ErrorBackoff is how long the scheduler waits after a failed cycle.
const ErrorBackoff = 5 * time.Minute

// Scheduler drives RunCycle on the operator-configured interval. The
// interval is re-read every cycle so config changes apply without a restart.
type Scheduler struct {
	Service *Service

	// Interval overrides the configured interval when positive.
	Interval time.Duration
	// Backoff overrides ErrorBackoff when positive.
	Backoff time.Duration
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Print("[Inspector] scheduler started")
	for {
		if _, err := s.Service.RunCycle(ctx); err != nil {
			log.Printf("[Inspector] cycle failed: %v", err)
			if !sleep(ctx, s.backoff()) {
				return ctx.Err()
			}
			continue
		}

		interval := s.interval(ctx)
		// A little jitter keeps a fleet of inspectors from thundering in
		// lockstep against the same cameras.
		wait := interval + time.Duration(rand.Int63n(int64(interval/10)+1))
		log.Printf("[Inspector] next cycle in %s", wait.Round(time.Second))
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (s *Scheduler) interval(ctx context.Context) time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	cfg := s.Service.config(ctx)
	if cfg.IntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(cfg.IntervalMinutes) * time.Minute
}

func (s *Scheduler) backoff() time.Duration {
	if s.Backoff > 0 {
		return s.Backoff
	}
	return ErrorBackoff
}

// sleep waits for d or cancellation, reporting false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
