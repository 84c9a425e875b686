// Package retry implements the Retry Policy (C8): error classification
// into retryable/non-retryable kinds and an exponential-backoff-with-
// jitter delay schedule, per spec.md §4.8.
package retry

import (
	"math"
	"math/rand"
	"time"

	"arbitrageur/pkg/types"
)

// Params configures the backoff schedule. Defaults match spec.md:
// max_retries=3, base=1s, max=30s, multiplier=2.
type Params struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultParams returns the spec's documented defaults.
func DefaultParams() Params {
	return Params{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
}

// Retryable reports whether the given error kind should be retried, per
// the taxonomy in spec.md §7/§4.8.
//
// ErrGasRequiredExceeds is deliberately NOT retryable: spec.md §9 flags
// that retrying it is only safe if the caller raises the gas allowance
// between attempts, and the Submitter interface has no such knob (a CLOB
// order carries trade price/size, not a gas allowance), so resubmitting
// the identical order would fail identically on every attempt.
func Retryable(kind types.ErrorKind) bool {
	switch kind {
	case types.ErrTransientIO, types.ErrNonceTooLow, types.ErrReplacementUnderpriced:
		return true
	default:
		return false
	}
}

// Delay computes the backoff duration for attempt k (1-indexed), applying
// a uniform jitter in [0.5, 1.5). rnd is used directly so callers can
// inject a deterministic source in tests.
func Delay(params Params, k int, rnd *rand.Rand) time.Duration {
	if k < 1 {
		k = 1
	}
	raw := float64(params.BaseDelay) * math.Pow(params.Multiplier, float64(k-1))
	capped := math.Min(raw, float64(params.MaxDelay))

	jitter := 0.5 + rnd.Float64() // [0.5, 1.5)
	return time.Duration(capped * jitter)
}

// Attempts runs fn up to params.MaxRetries+1 times (property P8), sleeping
// per Delay between retryable failures. fn returns the ErrorKind of the
// failure, or types.ErrNone on success. sleep is injected so tests don't
// block on real time; production callers pass time.Sleep.
func Attempts(params Params, fn func(attempt int) types.ErrorKind, sleep func(time.Duration), rnd *rand.Rand) (attempts int, lastKind types.ErrorKind) {
	for attempt := 1; attempt <= params.MaxRetries+1; attempt++ {
		kind := fn(attempt)
		attempts = attempt
		lastKind = kind
		if kind == types.ErrNone {
			return attempts, types.ErrNone
		}
		if !Retryable(kind) {
			return attempts, kind
		}
		if attempt == params.MaxRetries+1 {
			return attempts, kind
		}
		sleep(Delay(params, attempt, rnd))
	}
	return attempts, lastKind
}
