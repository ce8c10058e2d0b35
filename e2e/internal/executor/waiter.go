package executor

import (
	"context"
	"time"
)

// WaitUntil sleeps until targetMs after start, or until ctx is done
func WaitUntil(ctx context.Context, start time.Time, targetMs int) error {
	target := start.Add(time.Duration(targetMs) * time.Millisecond)

	d := time.Until(target)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetElapsed returns elapsed seconds since start
func GetElapsed(start time.Time) float64 {
	return time.Since(start).Seconds()
}
