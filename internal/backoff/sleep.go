package backoff

import (
	"context"
	"time"
)

// Sleep blocks for d or until ctx is done, whichever comes first. A
// non-positive d returns immediately with nil.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
