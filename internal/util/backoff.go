package util

import (
	"context"
	"time"
)

// Backoff is a bounded retry policy: at most Attempts tries with
// exponentially growing delay between them, capped at Max. Used for
// signaling-store operations during transient connectivity loss — retries
// stay bounded so a sustained outage does not hammer the store.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is the policy applied to signaling writes and remote store
// reconnects unless configured otherwise.
var DefaultBackoff = Backoff{Attempts: 5, Base: 250 * time.Millisecond, Max: 4 * time.Second}

// Retry runs op until it succeeds, the attempts are exhausted, or ctx is
// done. Returns the last error.
func (b Backoff) Retry(ctx context.Context, op func() error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Delay(i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Delay returns the pause after the i-th failed attempt.
func (b Backoff) Delay(i int) time.Duration {
	d := b.Base
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for ; i > 0; i-- {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}
