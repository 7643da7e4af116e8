// Package ratelimit implements the single shared min-interval gate the
// Copilot plugin's metered paths pass through: a mutex-guarded
// last-call timestamp plus a minimum interval between calls. This is
// deliberately not golang.org/x/time/rate.Limiter — a token bucket
// admits bursts, and the wait-on-limit behavior needs a literal "block
// until the interval has elapsed".
package ratelimit

import (
	"sync"
	"time"
)

// Gate enforces a minimum interval between successive calls that pass
// through it. The zero value is not usable; construct with New.
type Gate struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastCall    time.Time
	now         func() time.Time
}

// New builds a Gate with the given minimum interval between calls.
func New(minInterval time.Duration) *Gate {
	return &Gate{minInterval: minInterval, now: time.Now}
}

// Allow reports whether a call may proceed immediately, and if not, how
// long the caller must wait before the interval has elapsed. A call that
// is allowed to proceed advances the gate's last-call timestamp; a call
// that is refused leaves it untouched, so a breaching caller that gives
// up (e.g. returns HTTP 429) does not push back everyone else's next
// slot.
func (g *Gate) Allow() (ok bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.lastCall.IsZero() {
		g.lastCall = now
		return true, 0
	}

	elapsed := now.Sub(g.lastCall)
	if elapsed >= g.minInterval {
		g.lastCall = now
		return true, 0
	}

	return false, g.minInterval - elapsed
}

// Wait blocks until the gate's minimum interval has elapsed since the
// last call, then proceeds. This is the rate_limit_wait=true behavior;
// it can stall the request thread long enough to trip client-side
// timeouts when the interval is large — an exposed trade-off, not a
// bug.
func (g *Gate) Wait() {
	for {
		ok, wait := g.Allow()
		if ok {
			return
		}
		time.Sleep(wait)
	}
}
