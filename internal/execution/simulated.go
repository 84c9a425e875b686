package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/internal/book"
	"arbitrageur/pkg/types"
)

var bps = decimal.NewFromFloat(1e-4)

// SimulatedParams tunes the paper-trading fill model.
type SimulatedParams struct {
	FeeRate     decimal.Decimal
	SlippageBps decimal.Decimal
}

// Simulated is the Simulated Executor (C11): synthesizes fills against
// the live book without touching the chain.
type Simulated struct {
	store  *book.Store
	params SimulatedParams
}

// NewSimulated creates a Simulated executor reading from store.
func NewSimulated(store *book.Store, params SimulatedParams) *Simulated {
	return &Simulated{store: store, params: params}
}

// ExecuteArbitrage re-walks each leg's ask ladder for half the signal's
// trade size and synthesizes matching fills, is_simulated=true.
func (s *Simulated) ExecuteArbitrage(ctx context.Context, sig types.Signal) types.TxResult {
	opp := sig.Opportunity
	half := opp.TradeSizeUSDC.Div(decimal.NewFromInt(2))

	yesWalk, err := s.store.WalkAsks(opp.Pair.YesTokenID, half)
	if err != nil {
		return types.TxResult{Signal: sig, Status: types.StatusFailed, ErrorKind: types.ErrTransientIO, IdempotencyKey: sig.IdempotencyKey}
	}
	noWalk, err := s.store.WalkAsks(opp.Pair.NoTokenID, half)
	if err != nil {
		return types.TxResult{Signal: sig, Status: types.StatusFailed, ErrorKind: types.ErrTransientIO, IdempotencyKey: sig.IdempotencyKey}
	}

	now := time.Now()
	yesFill := s.synthesizeFill(opp.Pair.YesTokenID, yesWalk, sig.TraceID, now)
	noFill := s.synthesizeFill(opp.Pair.NoTokenID, noWalk, sig.TraceID, now)

	return types.TxResult{
		Signal:         sig,
		Status:         types.StatusDone,
		YesFill:        &yesFill,
		NoFill:         &noFill,
		Attempt:        1,
		IdempotencyKey: sig.IdempotencyKey,
	}
}

func (s *Simulated) synthesizeFill(tokenID string, walk book.WalkResult, traceID string, ts time.Time) types.Fill {
	notional := walk.VWAP.Mul(walk.FilledQty)
	fees := notional.Mul(s.params.FeeRate)
	slippage := s.params.SlippageBps

	return types.Fill{
		TokenID:     tokenID,
		Side:        types.BUY,
		Quantity:    walk.FilledQty,
		PriceVWAP:   walk.VWAP,
		FeesPaid:    fees,
		SlippageBps: slippage,
		IsSimulated: true,
		Timestamp:   ts,
		TraceID:     traceID,
	}
}
