package mirror

import (
	"sync"
	"time"
)

// breakerState tracks one mirror's probe history. A mirror that keeps
// failing stops being probed for a cooldown window; the first probe after
// the window decides whether it reopens.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

const (
	tripThreshold = 3
	cooldown      = 2 * time.Minute
)

type breaker struct {
	mu sync.Mutex

	state       breakerState
	consecutive int
	reopenAt    time.Time
}

// allow reports whether a probe should run now. In the open state only
// the first caller after the cooldown gets through.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.After(b.reopenAt) {
			b.state = stateHalfOpen
			return true
		}
		return false
	default: // half-open: one probe in flight decides
		return false
	}
}

// record feeds a probe outcome back into the breaker
func (b *breaker) record(success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.state = stateClosed
		b.consecutive = 0
		return
	}

	b.consecutive++
	if b.state == stateHalfOpen || b.consecutive >= tripThreshold {
		b.state = stateOpen
		b.reopenAt = now.Add(cooldown)
	}
}

// tripped reports whether probes are currently suppressed
func (b *breaker) tripped(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && now.Before(b.reopenAt)
}
