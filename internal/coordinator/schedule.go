package coordinator

import (
	"context"
	"time"
)

// schedulePeriodically calls f after delay and then every period until ctx is
// done. The returned channel is closed once the loop has returned.
func schedulePeriodically(ctx context.Context, delay, period time.Duration, f func(context.Context)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		first := time.NewTimer(delay)
		defer first.Stop()

		var ticker *time.Ticker
		defer func() {
			if ticker != nil {
				ticker.Stop()
			}
		}()
		// nil until the first run, so only the timer can fire.
		var tick <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-first.C:
				// Started before f so a slow run does not shift the schedule.
				ticker = time.NewTicker(period)
				tick = ticker.C
			case <-tick:
			}
			f(ctx)
		}
	}()
	return done
}
