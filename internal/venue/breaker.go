package venue

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the state of a venue circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // venue skipped
	BreakerHalfOpen                     // one probe allowed through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker isolates a failing venue. After `failures` consecutive errors it
// opens for `cooldown`, then lets a single probe through; a successful
// probe closes it, a failed one re-opens it.
type Breaker struct {
	mu sync.Mutex

	venue    string
	failures int
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	state       BreakerState
	consecutive int
	openedAt    time.Time
	probing     bool
}

// NewBreaker creates a closed breaker. failures < 1 disables tripping.
func NewBreaker(venue string, failures int, cooldown time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		venue:    venue,
		failures: failures,
		cooldown: cooldown,
		now:      now,
		logger:   slog.Default().With("component", "breaker", "venue", venue),
	}
}

// Allow reports whether a call to the venue may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		b.logger.Info("breaker half-open")
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Record feeds the result of a call back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != BreakerClosed {
			b.logger.Info("breaker closed")
		}
		b.state = BreakerClosed
		b.consecutive = 0
		b.probing = false
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
		b.logger.Warn("breaker re-opened after failed probe", "error", err)
	case BreakerClosed:
		b.consecutive++
		if b.failures > 0 && b.consecutive >= b.failures {
			b.state = BreakerOpen
			b.openedAt = b.now()
			b.logger.Warn("breaker opened", "failures", b.consecutive, "error", err)
		}
	}
}

// State returns the current state for monitoring.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
