package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/internal/breaker"
	"arbitrageur/internal/chain"
	"arbitrageur/internal/config"
	"arbitrageur/internal/telemetry"
	"arbitrageur/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSubmitter is a chain.Submitter stub with call counters, grounded on
// the execution package's own fakeSubmitter pattern.
type fakeSubmitter struct {
	pendingNonce    uint64
	pendingNonceErr error
	balance         decimal.Decimal
	balanceCalls    int

	submitErrs map[int]error // call index (1-based) -> error from SubmitOrder
	submitCall int
}

func (f *fakeSubmitter) SignOrder(ctx context.Context, order chain.Order) ([]byte, error) {
	return []byte("signed"), nil
}

func (f *fakeSubmitter) SubmitOrder(ctx context.Context, signed []byte) (string, error) {
	f.submitCall++
	if err, ok := f.submitErrs[f.submitCall]; ok {
		return "", err
	}
	return "0xhash", nil
}

func (f *fakeSubmitter) GetBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	f.balanceCalls++
	if f.balance.IsZero() {
		return decimal.NewFromInt(1000), nil
	}
	return f.balance, nil
}

func (f *fakeSubmitter) GetPendingNonce(ctx context.Context, wallet string) (uint64, error) {
	return f.pendingNonce, f.pendingNonceErr
}

func (f *fakeSubmitter) GetGasEstimate(ctx context.Context) (chain.GasEstimate, error) {
	return chain.GasEstimate{}, nil
}

func (f *fakeSubmitter) WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (chain.Receipt, error) {
	return chain.Receipt{TxHash: txHash, Success: true}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DryRun: true,
		Wallet: config.WalletConfig{PrivateKey: "0xabc", ChainID: 137},
		Chain:  config.ChainConfig{CLOBBaseURL: "https://example.invalid", MaticUSDC: 0.5},
		Feed: config.FeedConfig{
			WSMarketURL:  "wss://example.invalid/ws",
			BackoffInit:  10 * time.Millisecond,
			BackoffMax:   time.Second,
			DedupLRUSize: 64,
			DepthCap:     50,
		},
		MarketPairs: []config.MarketPairConfig{
			{MarketID: "m1", YesTokenID: "yes-1", NoTokenID: "no-1", Question: "will it rain"},
		},
		Strategy: config.StrategyConfig{
			TradeSizeUSDC:  10,
			MinProfitPct:   0.005,
			MinProfitAbs:   0.01,
			MaxSlippageBps: 5,
			FeeRate:        0.0035,
			MaxGasCostUSDC: 1,
		},
		Risk: config.RiskConfig{
			MaxPositionSize: 500,
			MaxDailyLoss:    100,
			IdempotencyWin:  time.Minute,
			DailyResetUTC:   true,
		},
		Anomaly: config.AnomalyConfig{Window: time.Minute},
		Breaker: config.BreakerConfig{ConsecThreshold: 3, Window: 20, OpenTimeout: time.Minute, HalfOpenMax: 3},
		Retry:   config.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
		Idempotency: config.IdempotencyConfig{
			WindowMs: time.Minute,
			GraceMs:  5 * time.Second,
		},
		Store:   config.StoreConfig{SnapshotDir: t.TempDir()},
		Logging: config.LoggingConfig{Level: "debug", Format: "text"},
	}
}

func newTestEngine(t *testing.T, sub chain.Submitter) *Engine {
	t.Helper()
	bus := telemetry.New("", nil, discardLogger())
	t.Cleanup(func() { bus.Close() })

	e, err := New(testConfig(t), sub, "0xwallet", bus, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNewWiresAllComponents(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeSubmitter{pendingNonce: 7})

	if e.nonces.Next() != 7 {
		t.Errorf("nonces.Next() = %d, want 7 reconciled from chain", e.nonces.Next())
	}
	if !e.IsDryRun() {
		t.Error("expected engine to start in dry-run mode per test config")
	}
	if len(e.pairsByMarketID) != 1 {
		t.Fatalf("pairsByMarketID len = %d, want 1", len(e.pairsByMarketID))
	}
	if _, ok := e.pairsByMarketID["m1"]; !ok {
		t.Error("expected market pair m1 to be registered")
	}
}

func TestNewFallsBackToZeroNonceOnReconcileError(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeSubmitter{pendingNonceErr: context.DeadlineExceeded})

	if e.nonces.Next() != 0 {
		t.Errorf("nonces.Next() = %d, want 0 fallback", e.nonces.Next())
	}
}

func TestNewRejectsInvalidMarketPair(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.MarketPairs = []config.MarketPairConfig{
		{MarketID: "bad", YesTokenID: "same", NoTokenID: "same"},
	}

	bus := telemetry.New("", nil, discardLogger())
	defer bus.Close()

	_, err := New(cfg, &fakeSubmitter{}, "0xwallet", bus, discardLogger())
	if err == nil {
		t.Fatal("expected error for market pair with identical yes/no token ids")
	}
}

func TestSetDryRunTogglesIsDryRun(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeSubmitter{})

	if !e.IsDryRun() {
		t.Fatal("expected dry-run true from test config")
	}
	e.SetDryRun(false)
	if e.IsDryRun() {
		t.Fatal("expected dry-run false after SetDryRun(false)")
	}
	// The router reads dry-run through e.IsDryRun itself, not a captured
	// snapshot, so toggling here must also change routing.
	e.SetDryRun(true)
	if !e.IsDryRun() {
		t.Fatal("expected dry-run true after SetDryRun(true)")
	}
}

// TestHandleOpportunityRejectsBelowMinProfit exercises the reject path: a
// zero-edge opportunity never reaches a balance check or the router.
func TestHandleOpportunityRejectsBelowMinProfit(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	e := newTestEngine(t, sub)

	opp := types.ArbitrageOpportunity{
		Pair:                  types.MarketPair{MarketID: "m1", YesTokenID: "yes-1", NoTokenID: "no-1"},
		YesVWAP:               decimal.NewFromFloat(0.5),
		NoVWAP:                decimal.NewFromFloat(0.5),
		TradeSizeUSDC:         decimal.NewFromInt(10),
		FilledQty:             decimal.Zero,
		ExpectedProfitPerUnit: decimal.Zero,
		ExpectedProfitTotal:   decimal.Zero,
		DetectedAt:            time.Now(),
		TraceID:               "trace-reject",
	}

	e.handleOpportunity(discardLogger(), opp)

	if sub.balanceCalls != 0 {
		t.Errorf("balanceCalls = %d, want 0 (should reject before checking balance)", sub.balanceCalls)
	}
}

// TestHandleOpportunityStopsAtSuppressedPair mirrors spec.md §8 scenario 6:
// once a pair has an unresolved partial fill, subsequent opportunities for
// that market never reach a balance check.
func TestHandleOpportunityStopsAtSuppressedPair(t *testing.T) {
	t.Parallel()
	// Call 1 fills the YES leg; calls 2-4 fail every attempt of the NO leg
	// (MaxRetries is 2), so the NO leg exhausts its retries.
	sub := &fakeSubmitter{submitErrs: map[int]error{2: context.DeadlineExceeded, 3: context.DeadlineExceeded, 4: context.DeadlineExceeded}}
	e := newTestEngine(t, sub)
	e.SetDryRun(false) // force the live executor so the partial fill actually suppresses
	for _, tok := range []string{"yes-1", "no-1"} {
		asks := []types.OrderLevel{{Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(100)}}
		if err := e.bookStore.ApplySnapshot(tok, nil, asks, 1); err != nil {
			t.Fatalf("ApplySnapshot(%s): %v", tok, err)
		}
	}

	goodOpp := types.ArbitrageOpportunity{
		Pair:                  types.MarketPair{MarketID: "m1", YesTokenID: "yes-1", NoTokenID: "no-1"},
		YesVWAP:               decimal.NewFromFloat(0.4),
		NoVWAP:                decimal.NewFromFloat(0.4),
		TradeSizeUSDC:         decimal.NewFromInt(10),
		FilledQty:             decimal.NewFromInt(10),
		ExpectedProfitPerUnit: decimal.NewFromFloat(0.2),
		ExpectedProfitTotal:   decimal.NewFromFloat(2),
		DetectedAt:            time.Now(),
		TraceID:               "trace-first",
	}

	e.handleOpportunity(discardLogger(), goodOpp)
	if !e.live.IsSuppressed("m1") {
		t.Fatal("expected pair m1 to be suppressed after a partial fill")
	}

	callsBefore := sub.balanceCalls
	secondOpp := goodOpp
	secondOpp.TraceID = "trace-second"
	e.handleOpportunity(discardLogger(), secondOpp)

	if sub.balanceCalls != callsBefore {
		t.Errorf("balanceCalls grew from %d to %d, want unchanged (suppressed pair should short-circuit)", callsBefore, sub.balanceCalls)
	}
}

func TestStartAndStopShutsDownCleanly(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeSubmitter{})

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within timeout")
	}
}

// TestObserveResultDiscardsOrphanedLegOnPartial ensures a PARTIAL result's
// lone fill doesn't sit in the pnl tracker's pending map forever: a later,
// unrelated fill on the same trace_id must start a fresh pairing instead
// of completing against the abandoned leg.
func TestObserveResultDiscardsOrphanedLegOnPartial(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, &fakeSubmitter{})

	yesFill := types.Fill{TraceID: "trace-partial", TokenID: "yes-1", Quantity: decimal.NewFromInt(10), PriceVWAP: decimal.NewFromFloat(0.4)}
	e.observeResult(types.TxResult{
		Signal:  types.Signal{TraceID: "trace-partial"},
		Status:  types.StatusPartial,
		YesFill: &yesFill,
	})

	unrelatedFill := types.Fill{TraceID: "trace-partial", TokenID: "no-1", Quantity: decimal.NewFromInt(99), PriceVWAP: decimal.NewFromFloat(0.9)}
	if _, done := e.pnlTrack.ObserveFill(unrelatedFill); done {
		t.Fatal("expected the orphaned leg to have been discarded, not paired with an unrelated fill")
	}
}

// TestStartRestoresSnapshotState mirrors spec.md §6's crash-recovery
// round-trip: cumulative PnL and circuit state written by one engine's
// writeSnapshot are picked up by a second engine pointed at the same
// snapshot store.
func TestStartRestoresSnapshotState(t *testing.T) {
	t.Parallel()
	e1 := newTestEngine(t, &fakeSubmitter{})

	fill := types.Fill{TraceID: "t1", Quantity: decimal.NewFromInt(10), PriceVWAP: decimal.NewFromFloat(0.4)}
	e1.pnlTrack.ObserveFill(fill)
	fill2 := fill
	fill2.PriceVWAP = decimal.NewFromFloat(0.49)
	e1.pnlTrack.ObserveFill(fill2)
	e1.breaker.ForceOpen()
	e1.writeSnapshot()

	e2 := newTestEngine(t, &fakeSubmitter{})
	e2.snapshots = e1.snapshots
	if err := e2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e2.Stop()

	if got := e2.breaker.State(); got != breaker.Open {
		t.Errorf("restored breaker state = %s, want OPEN", got)
	}
	wantPnL := e1.pnlTrack.Snapshot()
	gotPnL := e2.pnlTrack.Snapshot()
	if !gotPnL.CumulativeRealizedPnL.Equal(wantPnL.CumulativeRealizedPnL) {
		t.Errorf("restored cumulative realized pnl = %s, want %s", gotPnL.CumulativeRealizedPnL, wantPnL.CumulativeRealizedPnL)
	}
}
