package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// TestTripOnConsecutiveFailures mirrors scenario 5 in spec.md §8: three
// consecutive failures trip the breaker, the fourth call is rejected.
func TestTripOnConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := New(Params{ConsecThreshold: 3, Window: 20, OpenTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		tk, err := b.Admit(context.Background())
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		b.Fail(tk, decimal.Zero)
	}

	if _, err := b.Admit(context.Background()); err != ErrOpen {
		t.Fatalf("expected ErrOpen on 4th admit, got %v", err)
	}
	if got := b.State(); got != Open {
		t.Errorf("state = %s, want OPEN", got)
	}
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()
	b := New(Params{ConsecThreshold: 1, Window: 20, OpenTimeout: 10 * time.Millisecond, HalfOpenMax: 3})

	tk, err := b.Admit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b.Fail(tk, decimal.Zero)

	if _, err := b.Admit(context.Background()); err != ErrOpen {
		t.Fatalf("expected open immediately after trip, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if got := b.State(); got != HalfOpen {
		t.Fatalf("state after timeout = %s, want HALF_OPEN", got)
	}
}

func TestHalfOpenRecoversOnAllSuccess(t *testing.T) {
	t.Parallel()
	b := New(Params{ConsecThreshold: 1, Window: 20, OpenTimeout: time.Millisecond, HalfOpenMax: 2})

	tk, _ := b.Admit(context.Background())
	b.Fail(tk, decimal.Zero)
	time.Sleep(5 * time.Millisecond)

	for i := 0; i < 2; i++ {
		probe, err := b.Admit(context.Background())
		if err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
		b.Succeed(probe)
	}

	if got := b.State(); got != Closed {
		t.Fatalf("state after successful probes = %s, want CLOSED", got)
	}
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	t.Parallel()
	b := New(Params{ConsecThreshold: 1, Window: 20, OpenTimeout: time.Millisecond, HalfOpenMax: 3})

	tk, _ := b.Admit(context.Background())
	b.Fail(tk, decimal.Zero)
	time.Sleep(5 * time.Millisecond)

	probe, err := b.Admit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b.Fail(probe, decimal.Zero)

	if got := b.State(); got != Open {
		t.Fatalf("state after half-open failure = %s, want OPEN", got)
	}
}

func TestHalfOpenProbeCapEnforced(t *testing.T) {
	t.Parallel()
	b := New(Params{ConsecThreshold: 1, Window: 20, OpenTimeout: time.Millisecond, HalfOpenMax: 1})

	tk, _ := b.Admit(context.Background())
	b.Fail(tk, decimal.Zero)
	time.Sleep(5 * time.Millisecond)

	if _, err := b.Admit(context.Background()); err != nil {
		t.Fatalf("first probe should be admitted: %v", err)
	}
	if _, err := b.Admit(context.Background()); err != ErrOpen {
		t.Fatalf("second concurrent probe should be rejected, got %v", err)
	}
}

func TestGasThresholdTripsOnFailure(t *testing.T) {
	t.Parallel()
	b := New(Params{ConsecThreshold: 10, Window: 20, OpenTimeout: time.Hour, GasThreshold: decimal.NewFromFloat(1.0)})

	tk, err := b.Admit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b.Fail(tk, decimal.NewFromFloat(5.0))

	if got := b.State(); got != Open {
		t.Fatalf("state after over-threshold gas failure = %s, want OPEN", got)
	}
}

func TestRestoreStateSeedsOpenWithFreshTimeout(t *testing.T) {
	t.Parallel()
	b := New(Params{ConsecThreshold: 1, Window: 20, OpenTimeout: time.Hour})

	b.RestoreState(Open)

	if got := b.State(); got != Open {
		t.Fatalf("state after restore = %s, want OPEN", got)
	}
	if _, err := b.Admit(context.Background()); err != ErrOpen {
		t.Fatalf("expected restored OPEN breaker to refuse Admit, got %v", err)
	}
}
