package delivery

import (
	"context"
	"time"
)

type backoffConfig struct {
	Step time.Duration
	Max  time.Duration
}

// nextDelay returns the pause after the given 1-based failed attempt: Step × attempt.
func (cfg backoffConfig) nextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	step := cfg.Step
	if step < 0 {
		step = 0
	}
	delay := step * time.Duration(attempt)
	if cfg.Max > 0 && delay > cfg.Max {
		delay = cfg.Max
	}
	return delay
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
