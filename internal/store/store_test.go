package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/internal/breaker"
	"arbitrageur/internal/idempotency"
	"arbitrageur/internal/pnl"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	want := Snapshot{
		NextNonce: 42,
		IdempotencyEntries: []IdempotencyEntrySnapshot{
			{Key: "abc", Status: idempotency.DoneSuccess, Expiry: time.Now().Add(time.Hour).UTC().Round(0)},
		},
		CircuitState: breaker.Open,
		CumulativePnL: pnl.Totals{
			CumulativeSimulatedPnL: decimal.NewFromFloat(1.5),
			CumulativeRealizedPnL:  decimal.NewFromFloat(-0.25),
		},
	}

	if err := s.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("expected a non-nil snapshot")
	}
	if got.NextNonce != want.NextNonce {
		t.Errorf("next nonce = %d, want %d", got.NextNonce, want.NextNonce)
	}
	if got.CircuitState != want.CircuitState {
		t.Errorf("circuit state = %v, want %v", got.CircuitState, want.CircuitState)
	}
	if len(got.IdempotencyEntries) != 1 || got.IdempotencyEntries[0].Key != "abc" {
		t.Errorf("idempotency entries = %+v, want one entry with key abc", got.IdempotencyEntries)
	}
	if !got.CumulativePnL.CumulativeSimulatedPnL.Equal(want.CumulativePnL.CumulativeSimulatedPnL) {
		t.Errorf("cumulative simulated pnl = %s, want %s", got.CumulativePnL.CumulativeSimulatedPnL, want.CumulativePnL.CumulativeSimulatedPnL)
	}
}

func TestLoadMissingSnapshotReturnsNil(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil snapshot on fresh store, got %+v", got)
	}
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := s.Save(Snapshot{NextNonce: 1}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := s.Save(Snapshot{NextNonce: 2}); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.NextNonce != 2 {
		t.Errorf("next nonce = %d, want 2 (latest save should win)", got.NextNonce)
	}
}
