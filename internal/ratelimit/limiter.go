// Package ratelimit paces calls to shared local services so that
// concurrent workers never hit them back to back.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gateway-fm/questrunner/internal/jitter"
)

// Limiter issues permits one at a time with a random gap between them.
//
// It tracks the next available permit time, like a strict rate limiter,
// except that every reservation advances the schedule by a fresh draw
// from the gap range. Permits are never issued in bursts.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	gap            jitter.Range
	rnd            *rand.Rand
	now            func() time.Time
}

// New creates a Limiter whose permits are spaced by gap seconds.
// A nil rnd uses a runtime-seeded source.
func New(gap jitter.Range, rnd *rand.Rand) *Limiter {
	if gap.Min < 0 {
		gap.Min = 0
	}
	if !gap.Valid() {
		gap.Max = gap.Min
	}
	if rnd == nil {
		rnd = jitter.New()
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		gap:            gap,
		rnd:            rnd,
		now:            time.Now,
	}
}

// reserve returns the permit time for the caller and advances the schedule.
func (l *Limiter) reserve() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	// Idle limiter: the first caller goes after one gap from now, not from
	// a stale schedule.
	permitTime := l.nextPermitTime
	if permitTime.Before(now) {
		permitTime = now
	}
	step := time.Duration(l.gap.Pick(l.rnd) * float64(time.Second))
	l.nextPermitTime = permitTime.Add(step)
	return permitTime.Add(step)
}

// Wait blocks until a permit is available or the context is cancelled.
// A cancelled waiter keeps its slot in the schedule.
func (l *Limiter) Wait(ctx context.Context) error {
	permitTime := l.reserve()

	waitDuration := permitTime.Sub(l.now())
	if waitDuration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(waitDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetGap updates the gap range for subsequent reservations.
func (l *Limiter) SetGap(gap jitter.Range) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !gap.Valid() {
		gap.Max = gap.Min
	}
	l.gap = gap
}

// Gap returns the current gap range.
func (l *Limiter) Gap() jitter.Range {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gap
}
