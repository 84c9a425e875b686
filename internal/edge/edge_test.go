package edge

import (
	"testing"

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

type fixedGasOracle struct {
	usdc decimal.Decimal
	err  error
}

func (f fixedGasOracle) EstimateUSDC() (decimal.Decimal, error) { return f.usdc, f.err }

func baseOpp() types.ArbitrageOpportunity {
	return types.ArbitrageOpportunity{
		YesVWAP:               dec("0.45"),
		NoVWAP:                dec("0.50"),
		FilledQty:             dec("10"),
		ExpectedProfitPerUnit: dec("0.05"),
		ExpectedProfitTotal:   dec("0.5"),
	}
}

// TestAcceptClearArbitrage mirrors scenario 1 in spec.md §8.
func TestAcceptClearArbitrage(t *testing.T) {
	t.Parallel()
	c := New(Params{
		FeeRate:      dec("0.0035"),
		SlippageBps:  dec("5"),
		MinProfitAbs: dec("0.01"),
	}, fixedGasOracle{usdc: decimal.Zero})

	eb := c.Evaluate(baseOpp())
	if eb.Decision != types.DecisionAccept {
		t.Fatalf("decision = %s (%s), want ACCEPT", eb.Decision, eb.RejectReason)
	}
}

// TestEdgeAlgebraIdentity is property P4: net_edge = gross - (fees+slippage+gas+latency).
func TestEdgeAlgebraIdentity(t *testing.T) {
	t.Parallel()
	c := New(Params{
		FeeRate:              dec("0.0035"),
		SlippageBps:          dec("5"),
		LatencyBufferBps:     dec("2"),
		LatencyBufferCapUSDC: dec("1"),
		MinProfitAbs:         dec("0.01"),
	}, fixedGasOracle{usdc: dec("0.02")})

	eb := c.Evaluate(baseOpp())
	want := eb.GrossEdge.Sub(eb.FeesEst).Sub(eb.SlippageEst).Sub(eb.GasEst).Sub(eb.LatencyBuffer)
	if !eb.NetEdge.Equal(want) {
		t.Errorf("net edge = %s, want %s", eb.NetEdge, want)
	}
}

// TestRejectProfitTooLow mirrors scenario 2: high fee rate pushes net edge
// below min_threshold without going negative.
func TestRejectProfitTooLow(t *testing.T) {
	t.Parallel()
	c := New(Params{
		FeeRate:      dec("0.03"),
		SlippageBps:  dec("1"),
		MinProfitAbs: dec("0.01"),
		MinProfitPct: dec("0.05"),
	}, fixedGasOracle{usdc: decimal.Zero})

	opp := baseOpp()
	opp.FilledQty = dec("0.1")
	opp.ExpectedProfitTotal = dec("0.05").Mul(opp.FilledQty)

	eb := c.Evaluate(opp)
	if eb.Decision != types.DecisionReject || eb.RejectReason != types.RejectProfitTooLow {
		t.Fatalf("decision = %s/%s, want REJECT/PROFIT_TOO_LOW", eb.Decision, eb.RejectReason)
	}
}

func TestRejectGasTooHigh(t *testing.T) {
	t.Parallel()
	c := New(Params{FeeRate: dec("0.0035"), SlippageBps: dec("5"), MaxGasCostUSDC: dec("0.1")},
		fixedGasOracle{usdc: dec("5")})

	eb := c.Evaluate(baseOpp())
	if eb.RejectReason != types.RejectGasTooHigh {
		t.Fatalf("reject reason = %s, want GAS_TOO_HIGH", eb.RejectReason)
	}
}

func TestRejectNegativeNetEdge(t *testing.T) {
	t.Parallel()
	c := New(Params{FeeRate: dec("0.5"), SlippageBps: dec("5")}, fixedGasOracle{usdc: decimal.Zero})

	eb := c.Evaluate(baseOpp())
	if eb.RejectReason != types.RejectNegativeNetEdge {
		t.Fatalf("reject reason = %s, want NEGATIVE_NET_EDGE", eb.RejectReason)
	}
}
