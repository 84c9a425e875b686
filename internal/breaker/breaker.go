// Package breaker implements the Circuit Breaker (C6): a
// CLOSED/OPEN/HALF_OPEN state machine guarding the live execution path,
// per spec.md §4.6.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned by Admit when the breaker refuses a call.
var ErrOpen = errors.New("circuit breaker open")

// Params configures tripping and recovery behavior.
type Params struct {
	ConsecThreshold int
	RateThreshold   float64 // e.g. 0.5
	Window          int     // number of recent calls considered for the rate check
	OpenTimeout     time.Duration
	HalfOpenMax     int
	GasThreshold    decimal.Decimal
}

// Ticket is returned by Admit on success and must be resolved exactly
// once via Succeed or Fail.
type Ticket struct {
	issuedState State
	resolved    bool
}

// Breaker is a single instance guarding one execution path (e.g. one
// wallet's live submissions).
type Breaker struct {
	params Params

	mu               sync.Mutex
	state            State
	consecFails      int
	recentResults    []bool // true = success; bounded to Window
	openedAt         time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
}

// New creates a Breaker starting CLOSED.
func New(params Params) *Breaker {
	if params.Window <= 0 {
		params.Window = 20
	}
	if params.HalfOpenMax <= 0 {
		params.HalfOpenMax = 3
	}
	if params.OpenTimeout <= 0 {
		params.OpenTimeout = 60 * time.Second
	}
	if params.ConsecThreshold <= 0 {
		params.ConsecThreshold = 3
	}
	return &Breaker{params: params, state: Closed}
}

// State returns the current state, transitioning OPEN->HALF_OPEN first
// if the open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireOpenLocked()
	return b.state
}

func (b *Breaker) maybeExpireOpenLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.params.OpenTimeout {
		b.state = HalfOpen
		b.halfOpenInFlight = 0
		b.halfOpenSuccess = 0
	}
}

// RestoreState seeds the breaker's state from a crash-recovery snapshot
// (spec.md §6). OPEN is restored with a fresh openedAt so the configured
// OpenTimeout still applies from the moment of restart rather than
// immediately expiring against the pre-crash timestamp.
func (b *Breaker) RestoreState(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	if state == Open {
		b.openedAt = time.Now()
	}
}

// Admit requests permission to make one call. It returns ErrOpen if the
// breaker is OPEN, or if HALF_OPEN and the probe cap is already in use.
func (b *Breaker) Admit(ctx context.Context) (*Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeExpireOpenLocked()

	switch b.state {
	case Open:
		return nil, ErrOpen
	case HalfOpen:
		if b.halfOpenInFlight >= b.params.HalfOpenMax {
			return nil, ErrOpen
		}
		b.halfOpenInFlight++
	}

	return &Ticket{issuedState: b.state}, nil
}

// ForceOpen trips the breaker immediately regardless of its failure
// history, for callers outside the normal Admit/resolve cycle (e.g. the
// anomaly guard reporting severity >= 0.7 per spec.md §4.11).
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.openedAt = time.Now()
}

// Succeed reports a successful call for the ticket.
func (b *Breaker) Succeed(t *Ticket) {
	b.resolve(t, true, decimal.Zero)
}

// Fail reports a failed call for the ticket. gasCostUSDC is the measured
// gas cost of the failed call, used for the gas-threshold trip rule.
func (b *Breaker) Fail(t *Ticket, gasCostUSDC decimal.Decimal) {
	b.resolve(t, false, gasCostUSDC)
}

func (b *Breaker) resolve(t *Ticket, success bool, gasCostUSDC decimal.Decimal) {
	if t == nil || t.resolved {
		return
	}
	t.resolved = true

	b.mu.Lock()
	defer b.mu.Unlock()

	if t.issuedState == HalfOpen {
		b.halfOpenInFlight--
		if b.state != HalfOpen {
			// Already tripped back to OPEN by a sibling probe's failure.
			return
		}
		if !success {
			b.state = Open
			b.openedAt = time.Now()
			b.consecFails++
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.params.HalfOpenMax {
			b.state = Closed
			b.consecFails = 0
			b.recentResults = nil
		}
		return
	}

	b.recordResultLocked(success)

	if !success {
		b.consecFails++
		gasTripped := b.params.GasThreshold.IsPositive() && gasCostUSDC.GreaterThan(b.params.GasThreshold)
		if b.consecFails >= b.params.ConsecThreshold || b.rateTrippedLocked() || gasTripped {
			b.state = Open
			b.openedAt = time.Now()
		}
	} else {
		b.consecFails = 0
	}
}

func (b *Breaker) recordResultLocked(success bool) {
	b.recentResults = append(b.recentResults, success)
	if len(b.recentResults) > b.params.Window {
		b.recentResults = b.recentResults[len(b.recentResults)-b.params.Window:]
	}
}

func (b *Breaker) rateTrippedLocked() bool {
	if len(b.recentResults) < b.params.Window {
		return false
	}
	fails := 0
	for _, ok := range b.recentResults {
		if !ok {
			fails++
		}
	}
	rate := float64(fails) / float64(len(b.recentResults))
	return rate >= b.params.RateThreshold
}
