// Package idempotency implements the Idempotency Registry (C9): a
// key -> status map with TTL, ensuring a signal is ever submitted at
// most once within its idempotency window, per spec.md §4.9.
package idempotency

import (
	"log/slog"
	"sync"
	"time"

	"arbitrageur/internal/fatal"
	"arbitrageur/pkg/types"
)

// Status is the lifecycle state of a registered key.
type Status string

const (
	InFlight    Status = "IN_FLIGHT"
	DoneSuccess Status = "DONE_SUCCESS"
	DoneFailure Status = "DONE_FAILURE"
)

// Entry is the registry's stored record for one idempotency key.
type Entry struct {
	Status Status
	Result *types.TxResult
	Expiry time.Time
}

// Registry tracks idempotency keys under a single mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	logger  *slog.Logger
}

// New creates a Registry with the given TTL (spec.md's default is one
// idempotency window plus a grace period, e.g. 5 minutes). logger is
// used to report fatal invariant violations (a key finalized twice);
// it may be nil, in which case slog.Default() is used.
func New(ttl time.Duration, logger *slog.Logger) *Registry {
	return &Registry{entries: make(map[string]*Entry), ttl: ttl, logger: logger}
}

// Begin attempts to register key as IN_FLIGHT. It returns
// (nil, true) on success. If key is already IN_FLIGHT or DONE_SUCCESS and
// unexpired, it returns the existing entry and false, signaling the
// caller to reject with DUPLICATE_SUPPRESSED (or, for DONE_SUCCESS,
// return the cached result directly per property P6).
func (r *Registry) Begin(key string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && time.Now().Before(e.Expiry) {
		if e.Status == InFlight || e.Status == DoneSuccess {
			return e, false
		}
	}

	e := &Entry{Status: InFlight, Expiry: time.Now().Add(r.ttl)}
	r.entries[key] = e
	return nil, true
}

// Finish transitions key from IN_FLIGHT to a terminal status exactly
// once, recording the result for future duplicate lookups.
func (r *Registry) Finish(key string, success bool, result *types.TxResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		// Entry already expired and swept; nothing to finalize.
		return
	}
	if e.Status != InFlight {
		fatal.Trigger(r.logger, "idempotency key finalized twice", "key", key, "status", string(e.Status))
		return
	}
	if success {
		e.Status = DoneSuccess
	} else {
		e.Status = DoneFailure
	}
	e.Result = result
	e.Expiry = time.Now().Add(r.ttl)
}

// Sweep removes expired entries. Intended to be called periodically by a
// housekeeping task.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	now := time.Now()
	for k, e := range r.entries {
		if now.After(e.Expiry) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}

// Lookup returns the current entry for key, if any, without mutating it.
func (r *Registry) Lookup(key string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

// DumpEntry is an unexpired key's status/expiry for crash-recovery
// persistence (spec.md §6). The cached TxResult is intentionally not
// carried across restart: a restored entry still suppresses a duplicate
// submission within its window, but a client polling for the cached
// result after a crash gets a fresh re-execution instead of a stale one.
type DumpEntry struct {
	Key    string
	Status Status
	Expiry time.Time
}

// Dump returns every unexpired entry for snapshotting.
func (r *Registry) Dump() []DumpEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]DumpEntry, 0, len(r.entries))
	for k, e := range r.entries {
		if now.After(e.Expiry) {
			continue
		}
		out = append(out, DumpEntry{Key: k, Status: e.Status, Expiry: e.Expiry})
	}
	return out
}

// Restore seeds the registry from a crash-recovery snapshot, reinstating
// unexpired entries so in-flight or recently-terminal keys keep
// suppressing duplicates across a restart.
func (r *Registry) Restore(entries []DumpEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, d := range entries {
		if now.After(d.Expiry) {
			continue
		}
		r.entries[d.Key] = &Entry{Status: d.Status, Expiry: d.Expiry}
	}
}
