// Package edge implements the Edge Calculator (C4): turns a raw
// ArbitrageOpportunity into a fully itemized EdgeBreakdown and an
// ACCEPT/REJECT decision, per spec.md §4.4.
package edge

import (
	"github.com/shopspring/decimal"

	"arbitrageur/pkg/types"
)

var bps = decimal.NewFromFloat(1e-4)

// GasOracle converts a chain-native gas quote into USDC. Implementations
// wrap an injected signing/submission capability's get_gas_estimate plus
// a price feed (e.g. matic->usdc).
type GasOracle interface {
	// EstimateUSDC returns the USDC cost of one on-chain transaction at
	// current gas prices.
	EstimateUSDC() (decimal.Decimal, error)
}

// Params holds the configured thresholds the calculator applies. All
// fields mirror spec.md §6's recognized configuration options.
type Params struct {
	FeeRate              decimal.Decimal // e.g. 0.0035
	SlippageBps          decimal.Decimal // e.g. 5
	LatencyBufferBps     decimal.Decimal
	LatencyBufferCapUSDC decimal.Decimal
	MinProfitPct         decimal.Decimal
	MinProfitAbs         decimal.Decimal
	MaxGasCostUSDC       decimal.Decimal
}

// Calculator computes EdgeBreakdowns for detected opportunities.
type Calculator struct {
	params Params
	gas    GasOracle
}

// New creates a Calculator with the given parameters and gas oracle.
func New(params Params, gas GasOracle) *Calculator {
	return &Calculator{params: params, gas: gas}
}

// Evaluate produces the EdgeBreakdown for opp.
func (c *Calculator) Evaluate(opp types.ArbitrageOpportunity) types.EdgeBreakdown {
	qty := opp.FilledQty
	grossEdge := opp.ExpectedProfitTotal

	notional := opp.YesVWAP.Mul(qty).Add(opp.NoVWAP.Mul(qty))
	feesEst := notional.Mul(c.params.FeeRate)

	slippageEst := qty.Mul(opp.YesVWAP.Add(opp.NoVWAP)).Mul(c.params.SlippageBps).Mul(bps)

	gasEst, gasErr := c.gas.EstimateUSDC()
	if gasErr != nil {
		gasEst = decimal.Zero
	}
	// The oracle prices a single transaction; an arbitrage submits two legs.
	gasEst = gasEst.Mul(decimal.NewFromInt(2))

	latencyBuffer := qty.Mul(c.params.LatencyBufferBps).Mul(bps)
	if c.params.LatencyBufferCapUSDC.IsPositive() && latencyBuffer.GreaterThan(c.params.LatencyBufferCapUSDC) {
		latencyBuffer = c.params.LatencyBufferCapUSDC
	}

	netEdge := grossEdge.Sub(feesEst).Sub(slippageEst).Sub(gasEst).Sub(latencyBuffer)

	minThreshold := qty.Mul(c.params.MinProfitPct)
	if c.params.MinProfitAbs.GreaterThan(minThreshold) {
		minThreshold = c.params.MinProfitAbs
	}

	eb := types.EdgeBreakdown{
		GrossEdge:     grossEdge,
		FeesEst:       feesEst,
		SlippageEst:   slippageEst,
		GasEst:        gasEst,
		LatencyBuffer: latencyBuffer,
		NetEdge:       netEdge,
		MinThreshold:  minThreshold,
	}

	switch {
	case gasErr != nil || (c.params.MaxGasCostUSDC.IsPositive() && gasEst.GreaterThan(c.params.MaxGasCostUSDC)):
		eb.Decision = types.DecisionReject
		eb.RejectReason = types.RejectGasTooHigh
	case netEdge.Sign() < 0:
		eb.Decision = types.DecisionReject
		eb.RejectReason = types.RejectNegativeNetEdge
	case slippageEst.GreaterThanOrEqual(grossEdge):
		eb.Decision = types.DecisionReject
		eb.RejectReason = types.RejectSlippageTooHigh
	case latencyBuffer.GreaterThanOrEqual(grossEdge.Sub(feesEst).Sub(slippageEst)):
		eb.Decision = types.DecisionReject
		eb.RejectReason = types.RejectLatencyBufferDominates
	case netEdge.LessThan(minThreshold):
		eb.Decision = types.DecisionReject
		eb.RejectReason = types.RejectProfitTooLow
	default:
		eb.Decision = types.DecisionAccept
		eb.RejectReason = types.RejectNone
	}

	return eb
}
