// Package pnl implements the PnL Tracker (C13): it consumes Fills,
// pairs them by trace_id into atomic YES+NO pairs, and maintains the
// rolling totals described in spec.md §4.12.
//
// Per the Open Question recorded in spec.md §9, PnL is tracked with two
// distinct counters: a proxy realized_pnl computed at fill time under
// the "1 YES + 1 NO = 1 USDC" identity, and a separate settlement ledger
// only written by an explicit resolution event. Neither counter is
// presented as the other.
package pnl

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/pkg/types"
)

// PairResult is the outcome of matching a YES and a NO fill.
type PairResult struct {
	TraceID     string
	Qty         decimal.Decimal
	Cost        decimal.Decimal
	RealizedPnL decimal.Decimal
	IsSimulated bool
	At          time.Time
}

// Tracker accumulates fills and rolling PnL totals under a single mutex,
// per spec.md §5's "PnL counters updated via serialized handoff".
type Tracker struct {
	mu sync.Mutex

	pending map[string][]types.Fill // trace_id -> fills observed so far

	cumulativeExpectedEdge decimal.Decimal
	cumulativeSimulatedPnL decimal.Decimal
	cumulativeRealizedPnL  decimal.Decimal
	settlementPnL          decimal.Decimal
	peakEquity             decimal.Decimal
	runningEquity          decimal.Decimal
	maxDrawdown            decimal.Decimal

	lastDailyReset time.Time
	dailyResetLoc  *time.Location
}

var bps = decimal.NewFromFloat(1e-4)

// New creates an empty Tracker whose daily counters reset at UTC
// midnight. Use NewWithLocation to honor config.RiskConfig.DailyResetUTC
// when an operator wants a different reset time zone.
func New() *Tracker {
	return NewWithLocation(nil)
}

// NewWithLocation creates an empty Tracker whose daily counters reset at
// midnight in loc (nil defaults to UTC).
func NewWithLocation(loc *time.Location) *Tracker {
	return &Tracker{pending: make(map[string][]types.Fill), dailyResetLoc: loc, lastDailyReset: dayStart(time.Now(), loc)}
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// RecordExpectedEdge folds a detected opportunity's expected profit into
// the running expected-edge counter, prior to knowing how it settles.
func (t *Tracker) RecordExpectedEdge(expected decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cumulativeExpectedEdge = t.cumulativeExpectedEdge.Add(expected)
}

// ObserveFill records one leg of a two-leg execution. Once both legs for
// a trace_id have arrived, it computes the pair's realized PnL and
// returns it; otherwise it returns (nil, false) while awaiting the other
// leg.
func (t *Tracker) ObserveFill(fill types.Fill) (*PairResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fills := append(t.pending[fill.TraceID], fill)
	if len(fills) < 2 {
		t.pending[fill.TraceID] = fills
		return nil, false
	}
	delete(t.pending, fill.TraceID)

	legA, legB := fills[0], fills[1]
	qty := legA.Quantity
	if legB.Quantity.LessThan(qty) {
		qty = legB.Quantity
	}

	// spec.md §4.12: cost = yes_fill.price·qty + no_fill.price·qty +
	// fees_total + slippage_total. SlippageBps is stored per-fill as a bps
	// rate (matching internal/edge's accounting), so it's converted to a
	// USDC amount here the same way edge.Calculator does.
	slippageTotal := legA.PriceVWAP.Mul(qty).Mul(legA.SlippageBps).Mul(bps).
		Add(legB.PriceVWAP.Mul(qty).Mul(legB.SlippageBps).Mul(bps))

	cost := legA.PriceVWAP.Mul(qty).
		Add(legB.PriceVWAP.Mul(qty)).
		Add(legA.FeesPaid).Add(legB.FeesPaid).
		Add(slippageTotal)

	realized := qty.Sub(cost)

	result := &PairResult{
		TraceID: fill.TraceID, Qty: qty, Cost: cost, RealizedPnL: realized,
		IsSimulated: legA.IsSimulated, At: time.Now(),
	}

	t.maybeResetDailyLocked()
	if result.IsSimulated {
		t.cumulativeSimulatedPnL = t.cumulativeSimulatedPnL.Add(realized)
	} else {
		t.cumulativeRealizedPnL = t.cumulativeRealizedPnL.Add(realized)
	}
	t.runningEquity = t.runningEquity.Add(realized)
	if t.runningEquity.GreaterThan(t.peakEquity) {
		t.peakEquity = t.runningEquity
	}
	drawdown := t.peakEquity.Sub(t.runningEquity)
	if drawdown.GreaterThan(t.maxDrawdown) {
		t.maxDrawdown = drawdown
	}

	return result, true
}

// DiscardPending drops any leg awaiting its pair for traceID. Callers use
// this when a PARTIAL execution result confirms the sibling leg will
// never arrive (the pair is suppressed per spec.md §4.10 step 7), so the
// pending map doesn't hold an orphaned leg for the life of the process.
func (t *Tracker) DiscardPending(traceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, traceID)
}

func (t *Tracker) maybeResetDailyLocked() {
	now := dayStart(time.Now(), t.dailyResetLoc)
	if now.After(t.lastDailyReset) {
		t.cumulativeSimulatedPnL = decimal.Zero
		t.cumulativeRealizedPnL = decimal.Zero
		t.lastDailyReset = now
	}
}

// ApplyResolution records the final settlement PnL for a market once it
// resolves, independent of the fill-time proxy counters.
func (t *Tracker) ApplyResolution(settlementPnL decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settlementPnL = t.settlementPnL.Add(settlementPnL)
}

// Totals is a snapshot of the tracker's rolling counters.
type Totals struct {
	CumulativeExpectedEdge decimal.Decimal
	CumulativeSimulatedPnL decimal.Decimal
	CumulativeRealizedPnL  decimal.Decimal
	SettlementPnL          decimal.Decimal
	MaxDrawdown            decimal.Decimal
}

// Restore seeds the tracker's rolling counters from a crash-recovery
// snapshot (spec.md §6), so cumulative PnL survives a restart instead of
// resetting to zero. Per-trace in-flight pairing state is not part of
// the snapshot and is lost across a crash: a leg fill that was awaiting
// its sibling before the crash is simply re-paired from scratch if the
// sibling's confirmation still arrives.
func (t *Tracker) Restore(totals Totals) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cumulativeExpectedEdge = totals.CumulativeExpectedEdge
	t.cumulativeSimulatedPnL = totals.CumulativeSimulatedPnL
	t.cumulativeRealizedPnL = totals.CumulativeRealizedPnL
	t.settlementPnL = totals.SettlementPnL
	t.maxDrawdown = totals.MaxDrawdown
	t.runningEquity = totals.CumulativeSimulatedPnL.Add(totals.CumulativeRealizedPnL)
	t.peakEquity = t.runningEquity
}

// Snapshot returns the current rolling totals.
func (t *Tracker) Snapshot() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Totals{
		CumulativeExpectedEdge: t.cumulativeExpectedEdge,
		CumulativeSimulatedPnL: t.cumulativeSimulatedPnL,
		CumulativeRealizedPnL:  t.cumulativeRealizedPnL,
		SettlementPnL:          t.settlementPnL,
		MaxDrawdown:            t.maxDrawdown,
	}
}
