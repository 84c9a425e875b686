// Package risk implements the Risk Manager (C5) and the Anomaly Guard
// that supports it (spec.md §4.11). The manager runs an ordered,
// short-circuiting chain of checks over a candidate opportunity and
// either produces a ready-to-execute Signal or a structured rejection.
//
// Grounded on the teacher's internal/risk/manager.go (ordered checks,
// kill-switch style short-circuit, mutex-protected running totals)
// generalized from single-sided position risk to the two-leg arbitrage
// checks spec.md requires.
package risk

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/pkg/types"
)

// Input is the bundle the risk manager evaluates per spec.md §4.5.
type Input struct {
	Opportunity     types.ArbitrageOpportunity
	Edge            types.EdgeBreakdown
	CurrentBalance  decimal.Decimal
	CurrentPosition decimal.Decimal
}

// Result is either a ready Signal (Accepted true) or a RejectReason.
type Result struct {
	Signal   types.Signal
	Accepted bool
	Reason   types.RejectReason
}

// Guard is the anomaly-detection interface the manager consults in its
// last check (§4.11). Implementations track per-pair price/depth history.
type Guard interface {
	// Evaluate returns a severity in [0,1] for the given market and which
	// signal produced it. >= 0.7 means the pair should be treated as
	// tripped (reject outright); in [0.4, 0.7) the caller degrades size
	// instead of rejecting.
	Evaluate(marketID string) (severity float64, tripped bool, signal AnomalySignal)
}

type noopGuard struct{}

func (noopGuard) Evaluate(string) (float64, bool, AnomalySignal) { return 0, false, AnomalyNone }

// Tripper is the narrow slice of breaker.Breaker the risk manager needs to
// force a trip when the anomaly guard reports severity >= 0.7.
type Tripper interface {
	ForceOpen()
}

// Params holds configured thresholds for the risk manager.
type Params struct {
	MaxPositionSize  decimal.Decimal
	MaxGasCostUSDC   decimal.Decimal
	MaxDailyLoss     decimal.Decimal
	IdempotencyWin   time.Duration
	ResolutionBuffer time.Duration // reject as RESOLUTION_UNCERTAIN within this window of a market's end_date

	// DailyResetLoc is the time zone the daily loss counter resets in at
	// midnight. Nil defaults to UTC, matching config.RiskConfig's
	// daily_reset_utc default of true.
	DailyResetLoc *time.Location
}

// Manager runs the ordered risk checks and mints Signals.
type Manager struct {
	params  Params
	guard   Guard
	breaker Tripper // optional; set via SetBreaker

	mu               sync.Mutex
	realizedDailyPnL decimal.Decimal
	lastReset        time.Time
}

// SetBreaker wires the circuit breaker the manager forces open on a
// severity >= 0.7 anomaly. Safe to call once after New; nil-safe if never
// called (a trip is then just a rejection with no breaker side effect).
func (m *Manager) SetBreaker(b Tripper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breaker = b
}

// degradeFloor is the severity at which the anomaly guard first reduces
// admitted size rather than passing an opportunity through untouched.
const degradeFloor = 0.4

// New creates a Manager. guard may be nil, in which case the anomaly
// check always passes.
func New(params Params, guard Guard) *Manager {
	if guard == nil {
		guard = noopGuard{}
	}
	return &Manager{params: params, guard: guard, lastReset: dayStart(time.Now(), params.DailyResetLoc)}
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// RecordRealizedPnL folds a settled or proxy PnL delta into the daily
// counter, resetting it if midnight in Params.DailyResetLoc (UTC when nil)
// has passed since the last update.
func (m *Manager) RecordRealizedPnL(delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()
	m.realizedDailyPnL = m.realizedDailyPnL.Add(delta)
}

func (m *Manager) maybeResetLocked() {
	now := dayStart(time.Now(), m.params.DailyResetLoc)
	if now.After(m.lastReset) {
		m.realizedDailyPnL = decimal.Zero
		m.lastReset = now
	}
}

// Evaluate runs the ordered checks from spec.md §4.5 and returns a
// Signal or a rejection.
func (m *Manager) Evaluate(in Input) Result {
	qty := in.Opportunity.FilledQty
	maxLegPrice := in.Opportunity.YesVWAP
	if in.Opportunity.NoVWAP.GreaterThan(maxLegPrice) {
		maxLegPrice = in.Opportunity.NoVWAP
	}

	requiredBalance := decimal.NewFromInt(2).Mul(qty).Mul(maxLegPrice).Add(in.Edge.GasEst)
	if in.CurrentBalance.LessThan(requiredBalance) {
		return reject(types.RejectInsufficientBalance)
	}

	if in.CurrentPosition.Add(qty).GreaterThan(m.params.MaxPositionSize) {
		return reject(types.RejectPositionLimit)
	}

	if m.params.MaxGasCostUSDC.IsPositive() && in.Edge.GasEst.GreaterThan(m.params.MaxGasCostUSDC) {
		return reject(types.RejectGasTooHigh)
	}

	if in.Edge.Decision != types.DecisionAccept {
		return reject(types.RejectProfitTooLow)
	}

	m.mu.Lock()
	m.maybeResetLocked()
	projectedWorstCase := requiredBalance.Sub(qty) // worst case: both legs resolve to zero
	afterLoss := m.realizedDailyPnL.Sub(projectedWorstCase)
	dailyOK := afterLoss.GreaterThanOrEqual(m.params.MaxDailyLoss.Neg())
	m.mu.Unlock()
	if !dailyOK {
		return reject(types.RejectDailyLossLimit)
	}

	if m.params.ResolutionBuffer > 0 && !in.Opportunity.Pair.Metadata.EndDate.IsZero() {
		untilEnd := time.Until(in.Opportunity.Pair.Metadata.EndDate)
		if untilEnd >= 0 && untilEnd <= m.params.ResolutionBuffer {
			return reject(types.RejectResolutionUncertain)
		}
	}

	opp := in.Opportunity
	if severity, tripped, signal := m.guard.Evaluate(in.Opportunity.Pair.MarketID); tripped {
		m.mu.Lock()
		breaker := m.breaker
		m.mu.Unlock()
		if breaker != nil {
			breaker.ForceOpen()
		}
		reason := types.RejectManipulationRisk
		if signal == AnomalyPriceMove {
			reason = types.RejectAbnormalVolatility
		}
		return reject(reason)
	} else if severity >= degradeFloor {
		// [0.4, 0.7): degrade admitted size linearly instead of rejecting,
		// per spec.md §4.11. At severity 0.4 size scales to 0.6x; just
		// under the 0.7 trip line it scales to just over 0.3x.
		scale := decimal.NewFromFloat(1 - severity)
		opp.FilledQty = opp.FilledQty.Mul(scale)
		opp.ExpectedProfitTotal = opp.ExpectedProfitPerUnit.Mul(opp.FilledQty)
	}

	key := idempotencyKey(opp.Pair.MarketID, opp.FilledQty, m.params.IdempotencyWin)
	sig := types.Signal{
		Opportunity:    opp,
		Edge:           in.Edge,
		IdempotencyKey: key,
		TraceID:        opp.TraceID,
		StrategyTag:    "two_leg_arb",
	}
	return Result{Signal: sig, Accepted: true}
}

func reject(reason types.RejectReason) Result {
	return Result{Accepted: false, Reason: reason}
}

// idempotencyKey hashes (pair_id, round(qty,4), floor(now/window)) per
// spec.md §4.5.
func idempotencyKey(pairID string, qty decimal.Decimal, window time.Duration) string {
	roundedQty := qty.Round(4)

	var bucket int64
	if window > 0 {
		bucket = time.Now().UnixNano() / window.Nanoseconds()
	}

	h := sha256.New()
	h.Write([]byte(pairID))
	h.Write([]byte(roundedQty.String()))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(bucket))
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}
