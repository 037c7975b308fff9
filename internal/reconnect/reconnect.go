// Package reconnect implements the exponential-backoff policy used to
// re-establish the live channel after link loss.
package reconnect

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when the attempt budget runs out before a
// connection succeeds.
var ErrExhausted = errors.New("reconnect: attempts exhausted")

// Manager doubles the delay per failed attempt, capped at Max.
// MaxAttempts 0 means unbounded.
type Manager struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the backoff before attempt n (0-based; attempt 0 is retried
// after Base).
func (m Manager) Delay(attempt int) time.Duration {
	d := m.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= m.Max {
			return m.Max
		}
	}
	if d > m.Max {
		return m.Max
	}
	return d
}

// Run invokes connect until one call succeeds. Each successful return hands
// control back to the caller, which re-subscribes the live channel and issues
// its catch-up fetch before resuming. A cancelled ctx aborts an in-flight
// backoff wait immediately.
func (m Manager) Run(ctx context.Context, connect func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := connect(ctx); err == nil {
			return nil
		}
		if m.MaxAttempts > 0 && attempt+1 >= m.MaxAttempts {
			return ErrExhausted
		}

		timer := time.NewTimer(m.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
