// Package clock abstracts time so lease arithmetic and waits can be driven
// deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by queue services and storage wrappers.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// SleepContext waits for d on clk or until ctx ends, returning ctx.Err() in
// the latter case.
func SleepContext(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// Until returns the duration from clk's now until t.
func Until(clk Clock, t time.Time) time.Duration {
	return t.Sub(clk.Now())
}
