package engine

import (
	"context"
	"time"
)

// Write retry policy: bounded exponential backoff, then the offending
// record is dropped from the batch and the rest is attempted again.
const (
	writeAttempts = 3
	backoffBase   = 100 * time.Millisecond
	backoffCap    = 2 * time.Second
)

// backoffDelay returns the delay before retry number attempt (0-based):
// 100ms, 200ms, 400ms, ... capped at 2s.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// sleepCtx waits out d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
