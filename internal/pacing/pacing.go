// Package pacing holds the global "next allowed send" timestamp shared by every sender.
// Time is always taken from the backing store so that instances with skewed clocks agree.
package pacing

import (
	"context"
	"math"
	"time"
)

// Key is the single pacing slot used for outbound messages.
const Key = "whatsapp:next_allowed_at"

type Pacer interface {
	// Wait blocks until the store time reaches the next allowed send time.
	Wait(ctx context.Context) error
	// Reserve atomically takes the slot: when the next allowed time has passed it sets it to
	// store time + d and returns true. Otherwise it changes nothing and returns false.
	Reserve(ctx context.Context, d time.Duration) (bool, error)
	// Advance sets the next allowed send time to store time + d.
	Advance(ctx context.Context, d time.Duration) error
}

// remainingFunc reports how long until the next send is allowed; <= 0 means now.
type remainingFunc func(ctx context.Context) (time.Duration, error)

type sleepFunc func(ctx context.Context, d time.Duration) error

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

// wait polls in whole seconds, at least one, until remaining drops to zero.
func wait(ctx context.Context, remaining remainingFunc, sleep sleepFunc) error {
	for {
		left, err := remaining(ctx)
		if err != nil {
			return err
		}
		if left <= 0 {
			return nil
		}
		secs := math.Max(1, math.Ceil(left.Seconds()))
		if err := sleep(ctx, time.Duration(secs)*time.Second); err != nil {
			return err
		}
	}
}
