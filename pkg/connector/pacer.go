package connector

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// pacer enforces anti-bot spacing per platform:account:action key: each
// attempt waits until lastAttempt + minInterval + random jitter, then stamps
// the new attempt time before the call goes out.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type pacer struct {
	mu          sync.Mutex
	lastAttempt map[string]time.Time
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
	random      func() float64
}

func newPacer(now func() time.Time) *pacer {
	return &pacer{
		lastAttempt: make(map[string]time.Time),
		now:         now,
		sleep:       sleepCtx,
		random:      rand.Float64,
	}
}

// wait blocks until the key's pacing window has passed, then records the
// attempt. The computed delay is returned for observability.
func (p *pacer) wait(ctx context.Context, key string, minInterval, jitter time.Duration) (time.Duration, error) {
	p.mu.Lock()
	now := p.now()
	next := now
	if last, ok := p.lastAttempt[key]; ok {
		next = last.Add(minInterval + time.Duration(p.random()*float64(jitter)))
	}
	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	// Stamp before sleeping so concurrent callers on the same key queue up
	// behind each other instead of all measuring from the same lastAttempt.
	p.lastAttempt[key] = now.Add(delay)
	p.mu.Unlock()

	if delay > 0 {
		if err := p.sleep(ctx, delay); err != nil {
			return delay, err
		}
	}
	return delay, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
