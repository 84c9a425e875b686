package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func acceptedOpp() Input {
	return Input{
		Opportunity: types.ArbitrageOpportunity{
			Pair:      types.MarketPair{MarketID: "m1", YesTokenID: "y", NoTokenID: "n"},
			YesVWAP:   dec("0.45"),
			NoVWAP:    dec("0.50"),
			FilledQty: dec("10"),
			TraceID:   "trace-1",
		},
		Edge: types.EdgeBreakdown{
			Decision: types.DecisionAccept,
			GasEst:   dec("0.01"),
		},
		CurrentBalance:  dec("1000"),
		CurrentPosition: dec("0"),
	}
}

// TestDayStartHonorsLocation ensures the daily-reset boundary moves with
// the configured time zone instead of always falling at UTC midnight.
func TestDayStartHonorsLocation(t *testing.T) {
	t.Parallel()
	// 2026-01-01 23:00 UTC is still 2026-01-01 in UTC but already
	// 2026-01-02 in UTC+2.
	instant := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	east := time.FixedZone("UTC+2", 2*60*60)

	gotUTC := dayStart(instant, nil)
	gotEast := dayStart(instant, east)

	if gotUTC.Day() != 1 {
		t.Errorf("UTC day-start day = %d, want 1", gotUTC.Day())
	}
	if gotEast.Day() != 2 {
		t.Errorf("UTC+2 day-start day = %d, want 2", gotEast.Day())
	}
}

func TestEvaluateAccepts(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("100")}, nil)

	res := m.Evaluate(acceptedOpp())
	if !res.Accepted {
		t.Fatalf("expected accept, got reject %s", res.Reason)
	}
	if res.Signal.IdempotencyKey == "" {
		t.Error("expected a non-empty idempotency key")
	}
}

func TestEvaluateRejectsInsufficientBalance(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("100")}, nil)

	in := acceptedOpp()
	in.CurrentBalance = dec("1")
	res := m.Evaluate(in)
	if res.Accepted || res.Reason != types.RejectInsufficientBalance {
		t.Fatalf("got %+v, want INSUFFICIENT_BALANCE", res)
	}
}

func TestEvaluateRejectsPositionLimit(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("5"), MaxDailyLoss: dec("100")}, nil)

	res := m.Evaluate(acceptedOpp())
	if res.Accepted || res.Reason != types.RejectPositionLimit {
		t.Fatalf("got %+v, want POSITION_LIMIT", res)
	}
}

func TestEvaluateRejectsDailyLossLimit(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("1")}, nil)
	m.RecordRealizedPnL(dec("-50"))

	res := m.Evaluate(acceptedOpp())
	if res.Accepted || res.Reason != types.RejectDailyLossLimit {
		t.Fatalf("got %+v, want DAILY_LOSS_LIMIT", res)
	}
}

type fixedGuard struct {
	severity float64
	tripped  bool
	signal   AnomalySignal
}

func (g fixedGuard) Evaluate(string) (float64, bool, AnomalySignal) {
	return g.severity, g.tripped, g.signal
}

func TestEvaluateRejectsOnTrippedGuard(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("100")}, fixedGuard{severity: 0.9, tripped: true})

	res := m.Evaluate(acceptedOpp())
	if res.Accepted || res.Reason != types.RejectManipulationRisk {
		t.Fatalf("got %+v, want MANIPULATION_RISK", res)
	}
}

func TestEvaluateRejectsAbnormalVolatilityOnPriceMoveSignal(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("100")},
		fixedGuard{severity: 0.9, tripped: true, signal: AnomalyPriceMove})

	res := m.Evaluate(acceptedOpp())
	if res.Accepted || res.Reason != types.RejectAbnormalVolatility {
		t.Fatalf("got %+v, want ABNORMAL_VOLATILITY", res)
	}
}

func TestEvaluateRejectsResolutionUncertainNearEndDate(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("100"), ResolutionBuffer: time.Hour}, nil)

	in := acceptedOpp()
	in.Opportunity.Pair.Metadata.EndDate = time.Now().Add(10 * time.Minute)
	res := m.Evaluate(in)
	if res.Accepted || res.Reason != types.RejectResolutionUncertain {
		t.Fatalf("got %+v, want RESOLUTION_UNCERTAIN", res)
	}
}

func TestEvaluateDegradesSizeOnModerateAnomaly(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("100")}, fixedGuard{severity: 0.4, tripped: false})

	in := acceptedOpp()
	in.Opportunity.ExpectedProfitPerUnit = dec("0.05")
	res := m.Evaluate(in)
	if !res.Accepted {
		t.Fatalf("expected accept with degraded size, got reject %s", res.Reason)
	}
	want := dec("10").Mul(dec("0.6")) // (1 - 0.4) scale
	if !res.Signal.Opportunity.FilledQty.Equal(want) {
		t.Errorf("degraded FilledQty = %s, want %s", res.Signal.Opportunity.FilledQty, want)
	}
}

type fakeTripper struct{ forced bool }

func (f *fakeTripper) ForceOpen() { f.forced = true }

func TestEvaluateForcesBreakerOpenOnSevereAnomaly(t *testing.T) {
	t.Parallel()
	m := New(Params{MaxPositionSize: dec("1000"), MaxDailyLoss: dec("100")}, fixedGuard{severity: 0.9, tripped: true})
	trip := &fakeTripper{}
	m.SetBreaker(trip)

	res := m.Evaluate(acceptedOpp())
	if res.Accepted {
		t.Fatal("expected reject on severe anomaly")
	}
	if !trip.forced {
		t.Error("expected the wired breaker to be forced open")
	}
}

func TestAnomalyGuardFlagsPulse(t *testing.T) {
	t.Parallel()
	g := NewAnomalyGuard(time.Minute, 0.1, 0.5, 0.2, nil)
	g.Observe("m1", dec("0.5"), dec("100"))
	g.Observe("m1", dec("0.6"), dec("100"))

	severity, tripped, signal := g.Evaluate("m1")
	if severity <= 0 {
		t.Errorf("expected nonzero severity for a 20%% price move past a 10%% threshold")
	}
	if !tripped {
		t.Error("expected trip at >=0.7 severity for a move double the threshold")
	}
	if signal != AnomalyPriceMove {
		t.Errorf("signal = %v, want AnomalyPriceMove", signal)
	}
}

func TestAnomalyGuardQuietMarketNotFlagged(t *testing.T) {
	t.Parallel()
	g := NewAnomalyGuard(time.Minute, 0.5, 0.5, 0.5, nil)
	g.Observe("m1", dec("0.5"), dec("100"))
	g.Observe("m1", dec("0.505"), dec("99"))

	severity, tripped, _ := g.Evaluate("m1")
	if tripped {
		t.Errorf("did not expect trip for a quiet market, severity=%v", severity)
	}
}
