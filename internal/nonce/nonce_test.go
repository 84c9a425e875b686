package nonce

import (
	"sync"
	"testing"

	"arbitrageur/internal/fatal"
)

func TestAllocateIncrements(t *testing.T) {
	t.Parallel()
	m := New(5, nil)

	if n := m.Allocate(); n != 5 {
		t.Errorf("first allocation = %d, want 5", n)
	}
	if n := m.Allocate(); n != 6 {
		t.Errorf("second allocation = %d, want 6", n)
	}
	if !m.IsPending(5) || !m.IsPending(6) {
		t.Error("both allocations should be pending")
	}
}

func TestConfirmMovesToConfirmedSet(t *testing.T) {
	t.Parallel()
	m := New(0, nil)
	n := m.Allocate()
	m.Confirm(n)

	if m.IsPending(n) {
		t.Error("confirmed nonce should no longer be pending")
	}
	if !m.IsConfirmed(n) {
		t.Error("expected nonce to be confirmed")
	}
}

// TestDoubleConfirmIsFatal is property P5: two successful submissions
// must never share a nonce. Confirming the same nonce twice can only
// happen from a caller bug, so it halts the core instead of overwriting
// the record.
func TestDoubleConfirmIsFatal(t *testing.T) {
	var exitCode int
	restore := fatal.SetExitForTest(func(code int) { exitCode = code })
	defer restore()

	m := New(0, nil)
	n := m.Allocate()
	m.Confirm(n)
	m.Confirm(n)

	if exitCode != 1 {
		t.Fatalf("expected double-confirm to trigger fatal exit, got code %d", exitCode)
	}
}

func TestFailReusableDecrementsNext(t *testing.T) {
	t.Parallel()
	m := New(10, nil)
	n := m.Allocate() // 10, next -> 11
	m.Fail(n, true)

	if m.Next() != 10 {
		t.Errorf("next = %d, want 10 (reused)", m.Next())
	}
	if m.IsPending(n) {
		t.Error("failed nonce should not remain pending")
	}
}

func TestFailReusableNotLatestLeavesGap(t *testing.T) {
	t.Parallel()
	m := New(10, nil)
	a := m.Allocate() // 10
	_ = m.Allocate()  // 11
	m.Fail(a, true)   // a != next-1 (11), so no decrement

	if m.Next() != 12 {
		t.Errorf("next = %d, want 12 (gap preserved)", m.Next())
	}
}

// TestNoDoubleAllocation is property P5 at the manager level: concurrent
// allocation never yields the same nonce twice.
func TestNoDoubleAllocation(t *testing.T) {
	t.Parallel()
	m := New(0, nil)
	const n = 200

	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			seen <- m.Allocate()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool, n)
	for v := range seen {
		if unique[v] {
			t.Fatalf("nonce %d allocated twice", v)
		}
		unique[v] = true
	}
	if len(unique) != n {
		t.Errorf("got %d unique nonces, want %d", len(unique), n)
	}
}
