// Package nonce implements the Nonce Manager (C7): a single mutex
// serializing allocate/confirm/fail for one wallet's transaction nonces,
// per spec.md §4.7.
package nonce

import (
	"log/slog"
	"sync"

	"arbitrageur/internal/fatal"
)

// Manager tracks the next nonce to allocate and the set of nonces
// currently pending confirmation.
type Manager struct {
	mu        sync.Mutex
	next      uint64
	pending   map[uint64]bool
	confirmed map[uint64]bool
	logger    *slog.Logger
}

// New initializes a Manager from the chain's pending-nonce view, per
// spec.md: "Initializes next_nonce from the chain's pending-nonce view
// for the wallet." logger reports the fatal invariant violation of two
// successful submissions confirming the same nonce (property P5); it may
// be nil, in which case slog.Default() is used.
func New(chainPendingNonce uint64, logger *slog.Logger) *Manager {
	return &Manager{
		next:      chainPendingNonce,
		pending:   make(map[uint64]bool),
		confirmed: make(map[uint64]bool),
		logger:    logger,
	}
}

// Allocate returns the next nonce and increments the counter, recording
// the value as pending.
func (m *Manager) Allocate() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	m.next++
	m.pending[n] = true
	return n
}

// Confirm moves an allocated nonce from pending to confirmed. Confirming
// an already-confirmed nonce means two successful submissions shared a
// nonce, which property P5 forbids outright — that can only happen from
// a bug in the caller's allocate/submit sequencing, so it halts the core
// rather than silently overwriting the record.
func (m *Manager) Confirm(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.confirmed[n] {
		fatal.Trigger(m.logger, "nonce confirmed twice", "nonce", n)
	}
	delete(m.pending, n)
	m.confirmed[n] = true
}

// Fail releases an allocated nonce. If reusable and n is the most
// recently allocated value, next_nonce is decremented so the same value
// can be reissued (spec.md's "safe reuse"); otherwise the gap is left to
// be reclaimed on the next re-initialization from chain state.
func (m *Manager) Fail(n uint64, reusable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, n)
	if reusable && n == m.next-1 {
		m.next--
	}
}

// Next reports the next nonce that would be allocated, without
// allocating it. Intended for diagnostics/tests only.
func (m *Manager) Next() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// IsPending reports whether n is currently allocated and unconfirmed.
func (m *Manager) IsPending(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[n]
}

// IsConfirmed reports whether n has been confirmed.
func (m *Manager) IsConfirmed(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed[n]
}
