package sched

import (
	"context"

	"golang.org/x/time/rate"
)

// Ticker drives a Scheduler's quantum accounting from real wall-clock time,
// standing in for the periodic timer interrupt a real RV32 target would
// take. Each allowed tick is one call to fn, which is expected to call the
// scheduler's Tick/Next/Yield under the kernel's lock.
type Ticker struct {
	limiter *rate.Limiter
}

// NewTicker builds a Ticker that permits ticksPerSecond calls per second,
// with no burst allowance beyond one: a caller that falls behind does not
// get to catch up by bursting, it just ticks at the steady rate from then
// on.
func NewTicker(ticksPerSecond float64) *Ticker {
	return &Ticker{limiter: rate.NewLimiter(rate.Limit(ticksPerSecond), 1)}
}

// Run blocks, calling fn once per allowed tick, until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context, fn func()) error {
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		fn()
	}
}
