package execution

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/internal/book"
	"arbitrageur/internal/breaker"
	"arbitrageur/internal/chain"
	"arbitrageur/internal/idempotency"
	"arbitrageur/internal/nonce"
	"arbitrageur/internal/retry"
	"arbitrageur/pkg/types"
)

var liveBps = decimal.NewFromFloat(1e-4)

// Recorder is the narrow telemetry interface the live executor emits
// through.
type Recorder interface {
	Record(eventType, traceID string, data map[string]any)
}

// LiveParams tunes the fee/slippage accounting recorded on live fills.
// FeeRate mirrors the taker fee rate applied by internal/edge; the CLOB
// receipt (chain.Receipt) carries no fee breakdown, so the configured
// rate is the best available estimate of what was actually paid.
// SlippageBps is the fallback used only when the leg's best ask could
// not be observed immediately before the walk (book momentarily empty);
// otherwise slippage is measured directly from VWAP vs. best ask.
type LiveParams struct {
	FeeRate     decimal.Decimal
	SlippageBps decimal.Decimal
}

// GasOracle converts a chain-native gas quote into USDC, the same
// interface internal/edge uses to price an opportunity up front. The
// live executor reuses it on a failed submission to price the circuit
// breaker's gas-threshold trip condition.
type GasOracle interface {
	EstimateUSDC() (decimal.Decimal, error)
}

type noopRecorder struct{}

func (noopRecorder) Record(string, string, map[string]any) {}

// Live is the Live Executor (C12): the two-leg submission protocol from
// spec.md §4.10, gated by the circuit breaker, nonce manager,
// idempotency registry, and retry policy.
type Live struct {
	submitter   chain.Submitter
	walletAddr  string
	nonces      *nonce.Manager
	breaker     *breaker.Breaker
	idem        *idempotency.Registry
	retryParams retry.Params
	store       *book.Store
	params      LiveParams
	gas         GasOracle
	recorder    Recorder
	logger      *slog.Logger

	sleep func(time.Duration)
	rnd   *rand.Rand

	suppressedMu sync.Mutex
	suppressed   map[string]bool // market_id -> suppressed after partial fill
}

// NewLive constructs a Live executor. gas prices the breaker's
// gas-threshold trip condition on a failed submission; it may be nil, in
// which case that trip condition never fires (GasThreshold stays inert).
func NewLive(submitter chain.Submitter, walletAddr string, nonces *nonce.Manager, br *breaker.Breaker, idem *idempotency.Registry, retryParams retry.Params, store *book.Store, params LiveParams, gas GasOracle, recorder Recorder, logger *slog.Logger) *Live {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Live{
		submitter:   submitter,
		walletAddr:  walletAddr,
		nonces:      nonces,
		breaker:     br,
		idem:        idem,
		retryParams: retryParams,
		store:       store,
		params:      params,
		gas:         gas,
		recorder:    recorder,
		logger:      logger.With("component", "live_executor"),
		sleep:       time.Sleep,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		suppressed:  make(map[string]bool),
	}
}

// IsSuppressed reports whether new signals for marketID are currently
// suppressed following an unresolved partial fill.
func (l *Live) IsSuppressed(marketID string) bool {
	l.suppressedMu.Lock()
	defer l.suppressedMu.Unlock()
	return l.suppressed[marketID]
}

// ClearSuppression lifts the suppression for marketID, intended for an
// operator-driven reconciliation action per spec.md §4.10 step 7.
func (l *Live) ClearSuppression(marketID string) {
	l.suppressedMu.Lock()
	defer l.suppressedMu.Unlock()
	delete(l.suppressed, marketID)
}

func (l *Live) suppress(marketID string) {
	l.suppressedMu.Lock()
	defer l.suppressedMu.Unlock()
	l.suppressed[marketID] = true
}

// ExecuteArbitrage runs the two-leg live submission protocol for sig.
func (l *Live) ExecuteArbitrage(ctx context.Context, sig types.Signal) types.TxResult {
	if existing, ok := l.idem.Begin(sig.IdempotencyKey); !ok {
		if existing != nil && existing.Status == idempotency.DoneSuccess && existing.Result != nil {
			return *existing.Result
		}
		return types.TxResult{Signal: sig, Status: types.StatusFailed, RejectReason: types.RejectDuplicateSuppressed, IdempotencyKey: sig.IdempotencyKey}
	}

	ticket, err := l.breaker.Admit(ctx)
	if err != nil {
		res := types.TxResult{Signal: sig, Status: types.StatusFailed, RejectReason: types.RejectCircuitOpen, IdempotencyKey: sig.IdempotencyKey}
		l.idem.Finish(sig.IdempotencyKey, false, &res)
		return res
	}

	res := l.runTwoLegs(ctx, sig)

	breakerSuccess := res.Status == types.StatusDone
	l.resolveBreaker(ticket, breakerSuccess, res)

	l.idem.Finish(sig.IdempotencyKey, res.Status == types.StatusDone, &res)
	return res
}

func (l *Live) resolveBreaker(ticket *breaker.Ticket, success bool, res types.TxResult) {
	if success {
		l.breaker.Succeed(ticket)
		return
	}
	gasCost := decimal.Zero
	if l.gas != nil {
		if est, err := l.gas.EstimateUSDC(); err == nil {
			gasCost = est
		}
	}
	l.breaker.Fail(ticket, gasCost)
}

func (l *Live) runTwoLegs(ctx context.Context, sig types.Signal) types.TxResult {
	opp := sig.Opportunity
	half := opp.TradeSizeUSDC.Div(decimal.NewFromInt(2))

	yesFill, yesAttempts, yesErrKind, yesNonce := l.submitLeg(ctx, opp.Pair.YesTokenID, half, sig.TraceID)
	if yesFill == nil {
		return types.TxResult{
			Signal: sig, Status: types.StatusFailed, ErrorKind: yesErrKind,
			Attempt: yesAttempts, IdempotencyKey: sig.IdempotencyKey, Nonce: yesNonce,
		}
	}

	l.recorder.Record("fill_observed", sig.TraceID, map[string]any{"leg": "yes", "qty": yesFill.Quantity.String()})

	noFill, noAttempts, noErrKind, noNonce := l.submitLeg(ctx, opp.Pair.NoTokenID, half, sig.TraceID)
	if noFill == nil {
		// Leg 1 confirmed, leg 2 failed terminally: PARTIAL, per spec.md
		// §4.10 step 7. Suppress further signals for the pair.
		l.suppress(opp.Pair.MarketID)
		return types.TxResult{
			Signal: sig, Status: types.StatusPartial, YesFill: yesFill, ErrorKind: noErrKind,
			Attempt: yesAttempts + noAttempts, IdempotencyKey: sig.IdempotencyKey, Nonce: noNonce,
		}
	}

	l.recorder.Record("fill_observed", sig.TraceID, map[string]any{"leg": "no", "qty": noFill.Quantity.String()})

	return types.TxResult{
		Signal: sig, Status: types.StatusDone, YesFill: yesFill, NoFill: noFill,
		Attempt: yesAttempts + noAttempts, IdempotencyKey: sig.IdempotencyKey, Nonce: noNonce,
	}
}

// submitLeg walks the book, allocates a nonce, signs and submits one
// leg, retrying per policy. Returns the Fill on success, or nil plus the
// terminal ErrorKind on exhausted/non-retryable failure.
func (l *Live) submitLeg(ctx context.Context, tokenID string, budget decimal.Decimal, traceID string) (*types.Fill, int, types.ErrorKind, *uint64) {
	bestAsk, haveBestAsk := l.store.BestAsk(tokenID)

	walk, err := l.store.WalkAsks(tokenID, budget)
	if err != nil {
		return nil, 0, types.ErrTransientIO, nil
	}

	slippageBps := l.params.SlippageBps
	if haveBestAsk && bestAsk.Price.IsPositive() {
		slippageBps = decimal.Zero
		if walk.VWAP.GreaterThan(bestAsk.Price) {
			slippageBps = walk.VWAP.Sub(bestAsk.Price).Div(bestAsk.Price).Div(liveBps)
		}
	}
	notional := walk.VWAP.Mul(walk.FilledQty)
	feesPaid := notional.Mul(l.params.FeeRate)

	var allocatedNonce uint64
	var lastErrKind types.ErrorKind
	var fill *types.Fill

	attempts, finalKind := retry.Attempts(l.retryParams, func(attempt int) types.ErrorKind {
		allocatedNonce = l.nonces.Allocate()

		order := chain.Order{TokenID: tokenID, Side: "BUY", Price: walk.VWAP, Size: walk.FilledQty, Nonce: allocatedNonce, TraceID: traceID}

		signed, signErr := l.submitter.SignOrder(ctx, order)
		if signErr != nil {
			l.nonces.Fail(allocatedNonce, true)
			lastErrKind = types.ErrAuthorization
			return lastErrKind
		}

		txHash, submitErr := l.submitter.SubmitOrder(ctx, signed)
		if submitErr != nil {
			kind := classifySubmitError(submitErr)
			l.nonces.Fail(allocatedNonce, retry.Retryable(kind))
			lastErrKind = kind
			return kind
		}

		receipt, recErr := l.submitter.WaitForReceipt(ctx, txHash, 30*time.Second)
		if recErr != nil || !receipt.Success {
			// SubmitOrder already returned a txHash, meaning the transaction
			// was broadcast and consumed this nonce on-chain regardless of
			// how the receipt wait turns out (timed out, errored, or mined
			// unsuccessfully). Releasing it as reusable here would let the
			// next retry attempt reissue the same nonce for a new order,
			// racing it against a transaction that may still confirm.
			l.nonces.Fail(allocatedNonce, false)
			lastErrKind = types.ErrTransientIO
			return lastErrKind
		}

		l.nonces.Confirm(allocatedNonce)
		f := types.Fill{
			TokenID: tokenID, Side: types.BUY, Quantity: walk.FilledQty, PriceVWAP: walk.VWAP,
			FeesPaid: feesPaid, SlippageBps: slippageBps,
			TxHash: txHash, IsSimulated: false, Timestamp: time.Now(), TraceID: traceID,
		}
		fill = &f
		lastErrKind = types.ErrNone
		return types.ErrNone
	}, l.sleep, l.rnd)

	if fill == nil {
		return nil, attempts, finalKind, &allocatedNonce
	}
	return fill, attempts, types.ErrNone, &allocatedNonce
}

// classifySubmitError maps a submission error into the §7 taxonomy by
// inspecting its message for the phrases a chain client conventionally
// surfaces. Unknown failures default to transient so the retry policy
// gets a chance to recover; a concrete Submitter that can distinguish
// more precisely should wrap its errors accordingly.
func classifySubmitError(err error) types.ErrorKind {
	if err == nil {
		return types.ErrNone
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"):
		return types.ErrNonceTooLow
	case strings.Contains(msg, "replacement underpriced"):
		return types.ErrReplacementUnderpriced
	case strings.Contains(msg, "gas required exceeds"):
		return types.ErrGasRequiredExceeds
	case strings.Contains(msg, "revert"):
		return types.ErrRevert
	case strings.Contains(msg, "insufficient funds"):
		return types.ErrInsufficientFunds
	case strings.Contains(msg, "invalid address"):
		return types.ErrInvalidAddress
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authorization"):
		return types.ErrAuthorization
	default:
		return types.ErrTransientIO
	}
}
