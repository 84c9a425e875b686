// Package engine is the central orchestrator of the arbitrage trading
// engine. It wires together every component named in spec.md §4 behind
// the concurrency model from §5:
//
//  1. The Feed Ingestor (C2) is the single writer into the Order-Book
//     Store (C1).
//  2. A notification fan-out tells the Opportunity Detector (C3) which
//     token just moved; the detector walks the affected pair and emits
//     candidates.
//  3. A bounded pool of execution workers pulls opportunities off the
//     detector's output and runs edge and risk evaluation itself; each
//     opportunity is owned by exactly one worker until it reaches a
//     terminal TxResult.
//  4. A housekeeping goroutine runs the idempotency registry's TTL sweep
//     and the periodic crash-recovery snapshot writer. The circuit
//     breaker's half-open timer is checked lazily on Admit.
//
// Lifecycle: New() → Start() → [runs until ctx is cancelled] → Stop().
// Grounded on the teacher's internal/engine.Engine (component ownership,
// wg-tracked goroutines, context-cancellation shutdown), generalized from
// per-market maker goroutines to the pipeline stages this spec defines.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/internal/book"
	"arbitrageur/internal/breaker"
	"arbitrageur/internal/chain"
	"arbitrageur/internal/config"
	"arbitrageur/internal/detect"
	"arbitrageur/internal/edge"
	"arbitrageur/internal/execution"
	"arbitrageur/internal/feed"
	"arbitrageur/internal/idempotency"
	"arbitrageur/internal/nonce"
	"arbitrageur/internal/pnl"
	"arbitrageur/internal/retry"
	"arbitrageur/internal/risk"
	"arbitrageur/internal/store"
	"arbitrageur/internal/telemetry"
	"arbitrageur/pkg/types"
)

const (
	executionWorkers  = 4
	snapshotInterval  = 30 * time.Second
	sweepInterval     = time.Minute
	breakerTickPeriod = time.Second
)

// Engine owns every long-lived component and their goroutines.
type Engine struct {
	cfg config.Config

	bookStore *book.Store
	ingestor  *feed.Ingestor
	detector  *detect.Detector
	edgeCalc  *edge.Calculator
	riskMgr   *risk.Manager
	breaker   *breaker.Breaker
	nonces    *nonce.Manager
	idem      *idempotency.Registry
	router    *execution.Router
	live      *execution.Live
	pnlTrack  *pnl.Tracker
	telemetry *telemetry.Bus
	snapshots *store.Store

	submitter  chain.Submitter
	walletAddr string

	pairsByMarketID map[string]types.MarketPair

	dryRunMu   sync.RWMutex
	dryRunFlag bool

	notifications chan detect.Notification

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// gasOracle adapts a chain.Submitter's gas estimate plus a configured
// native-token/USDC price into the edge.GasOracle interface.
type gasOracle struct {
	submitter  chain.Submitter
	nativeUSDC decimal.Decimal
	ctx        context.Context
}

func (g *gasOracle) EstimateUSDC() (decimal.Decimal, error) {
	est, err := g.submitter.GetGasEstimate(g.ctx)
	if err != nil {
		return decimal.Zero, err
	}
	totalWei := est.BaseFeeWei.Add(est.PriorityFeeWei).Mul(decimal.NewFromInt(int64(est.GasLimit)))
	totalNative := totalWei.Div(decimal.New(1, 18))
	return totalNative.Mul(g.nativeUSDC), nil
}

// anomalyObserver is the narrow slice of risk.AnomalyGuard the notifying
// recorder feeds on every book update.
type anomalyObserver interface {
	Observe(marketID string, price, depth decimal.Decimal)
}

// notifyingRecorder wraps the telemetry bus so the feed ingestor's
// "event_received" stream also fans out book-change notifications to the
// detector and feeds the anomaly guard's rolling price/depth history,
// without the feed package depending on detect, risk, or engine.
type notifyingRecorder struct {
	bus           *telemetry.Bus
	notifications chan<- detect.Notification
	bookStore     *book.Store
	anomalyGuard  anomalyObserver
	marketByToken map[string]string
}

func (r *notifyingRecorder) Record(eventType, traceID string, data map[string]any) {
	r.bus.Record(eventType, traceID, data)
	if eventType != "event_received" {
		return
	}
	tokenID, ok := data["token_id"].(string)
	if !ok || tokenID == "" {
		return
	}
	r.observeAnomaly(tokenID)
	select {
	case r.notifications <- detect.Notification{TokenID: tokenID}:
	default:
		// Notification channel full: the detector is already behind on this
		// token; the next update will re-trigger it.
	}
}

// observeAnomaly feeds the just-updated token's best-bid price and depth
// into the anomaly guard's rolling history for its market pair, so
// Evaluate has samples to compare against (spec.md §4.11).
func (r *notifyingRecorder) observeAnomaly(tokenID string) {
	marketID, ok := r.marketByToken[tokenID]
	if !ok {
		return
	}
	bid, ok := r.bookStore.BestBid(tokenID)
	if !ok {
		return
	}
	r.anomalyGuard.Observe(marketID, bid.Price, bid.Size)
}

// New wires every component per spec.md §4 and §6 and returns a ready
// Engine. submitter is the injected chain capability (spec.md §6: "core
// does not assume a particular chain client").
func New(cfg config.Config, submitter chain.Submitter, walletAddr string, telemetryBus *telemetry.Bus, logger *slog.Logger) (*Engine, error) {
	pairs := make([]types.MarketPair, 0, len(cfg.MarketPairs))
	pairsByMarketID := make(map[string]types.MarketPair, len(cfg.MarketPairs))
	for _, p := range cfg.MarketPairs {
		pair := types.MarketPair{
			MarketID:   p.MarketID,
			YesTokenID: p.YesTokenID,
			NoTokenID:  p.NoTokenID,
			Metadata:   types.MarketMetadata{Question: p.Question, EndDate: p.EndDate},
		}
		if !pair.Valid() {
			return nil, fmt.Errorf("invalid market pair %q", p.MarketID)
		}
		pairs = append(pairs, pair)
		pairsByMarketID[pair.MarketID] = pair
	}

	marketByToken := make(map[string]string, len(pairs)*2)
	for _, p := range pairs {
		marketByToken[p.YesTokenID] = p.MarketID
		marketByToken[p.NoTokenID] = p.MarketID
	}

	bookStore := book.NewStore(cfg.Feed.DepthCap)

	anomalyGuard := risk.NewAnomalyGuard(cfg.Anomaly.Window, cfg.Anomaly.PulseThreshold, cfg.Anomaly.DepthThreshold, cfg.Anomaly.CorrelationThreshold, nil)

	notifications := make(chan detect.Notification, 1024)
	recorder := &notifyingRecorder{
		bus:           telemetryBus,
		notifications: notifications,
		bookStore:     bookStore,
		anomalyGuard:  anomalyGuard,
		marketByToken: marketByToken,
	}

	ingestor := feed.New(cfg.Feed.WSMarketURL, bookStore, cfg.Feed.DedupLRUSize, cfg.Feed.BackoffInit, cfg.Feed.BackoffMax, recorder, logger)

	tradeSize := decimal.NewFromFloat(cfg.Strategy.TradeSizeUSDC)
	detector := detect.New(bookStore, pairs, tradeSize, telemetryBus, logger)

	gasOracle := &gasOracle{submitter: submitter, nativeUSDC: decimal.NewFromFloat(cfg.Chain.MaticUSDC), ctx: context.Background()}
	edgeCalc := edge.New(edge.Params{
		FeeRate:              decimal.NewFromFloat(cfg.Strategy.FeeRate),
		SlippageBps:          decimal.NewFromFloat(cfg.Strategy.MaxSlippageBps),
		LatencyBufferBps:     decimal.NewFromFloat(cfg.Strategy.LatencyBufferBps),
		LatencyBufferCapUSDC: decimal.NewFromFloat(cfg.Strategy.LatencyBufferCapUSDC),
		MinProfitPct:         decimal.NewFromFloat(cfg.Strategy.MinProfitPct),
		MinProfitAbs:         decimal.NewFromFloat(cfg.Strategy.MinProfitAbs),
		MaxGasCostUSDC:       decimal.NewFromFloat(cfg.Strategy.MaxGasCostUSDC),
	}, gasOracle)

	// spec.md's config recognizes daily_reset_utc; false switches both the
	// risk manager's and the pnl tracker's daily counters to local time
	// instead of UTC midnight, so the two stay consistent with each other.
	dailyResetLoc := time.UTC
	if !cfg.Risk.DailyResetUTC {
		dailyResetLoc = time.Local
	}

	riskMgr := risk.New(risk.Params{
		MaxPositionSize:  decimal.NewFromFloat(cfg.Risk.MaxPositionSize),
		MaxGasCostUSDC:   decimal.NewFromFloat(cfg.Strategy.MaxGasCostUSDC),
		MaxDailyLoss:     decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
		IdempotencyWin:   cfg.Risk.IdempotencyWin,
		ResolutionBuffer: cfg.Risk.ResolutionBuffer,
		DailyResetLoc:    dailyResetLoc,
	}, anomalyGuard)

	br := breaker.New(breaker.Params{
		ConsecThreshold: cfg.Breaker.ConsecThreshold,
		RateThreshold:   cfg.Breaker.RateThreshold,
		Window:          cfg.Breaker.Window,
		OpenTimeout:     cfg.Breaker.OpenTimeout,
		HalfOpenMax:     cfg.Breaker.HalfOpenMax,
		GasThreshold:    decimal.NewFromFloat(cfg.Breaker.GasThreshold),
	})
	// A severity >= 0.7 anomaly forces the breaker open directly, per
	// spec.md §4.11, rather than waiting for live executions to fail.
	riskMgr.SetBreaker(br)

	// Per spec.md §9, the chain's pending-nonce view is the source of
	// truth on startup; the crash-recovery snapshot's NextNonce is never
	// read back (see restoreSnapshot).
	startingNonce, err := submitter.GetPendingNonce(context.Background(), walletAddr)
	if err != nil {
		logger.Warn("failed to reconcile starting nonce from chain, starting from zero", "error", err)
		startingNonce = 0
	}
	nonces := nonce.New(startingNonce, logger)

	idem := idempotency.New(cfg.Idempotency.WindowMs+cfg.Idempotency.GraceMs, logger)

	simulated := execution.NewSimulated(bookStore, execution.SimulatedParams{
		FeeRate:     decimal.NewFromFloat(cfg.Strategy.FeeRate),
		SlippageBps: decimal.NewFromFloat(cfg.Strategy.MaxSlippageBps),
	})

	retryParams := retry.Params{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Multiplier: cfg.Retry.Multiplier,
	}
	if retryParams.MaxRetries == 0 && retryParams.BaseDelay == 0 {
		retryParams = retry.DefaultParams()
	}

	live := execution.NewLive(submitter, walletAddr, nonces, br, idem, retryParams, bookStore, execution.LiveParams{
		FeeRate:     decimal.NewFromFloat(cfg.Strategy.FeeRate),
		SlippageBps: decimal.NewFromFloat(cfg.Strategy.MaxSlippageBps),
	}, gasOracle, telemetryBus, logger)

	snapDir := cfg.Store.SnapshotDir
	if snapDir == "" {
		snapDir = "data/snapshots"
	}
	snapStore, err := store.Open(snapDir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:             cfg,
		bookStore:       bookStore,
		ingestor:        ingestor,
		detector:        detector,
		edgeCalc:        edgeCalc,
		riskMgr:         riskMgr,
		breaker:         br,
		nonces:          nonces,
		idem:            idem,
		live:            live,
		pnlTrack:        pnl.NewWithLocation(dailyResetLoc),
		telemetry:       telemetryBus,
		snapshots:       snapStore,
		submitter:       submitter,
		walletAddr:      walletAddr,
		pairsByMarketID: pairsByMarketID,
		dryRunFlag:      cfg.DryRun,
		notifications:   notifications,
		logger:          logger.With("component", "engine"),
		ctx:             ctx,
		cancel:          cancel,
	}
	e.router = execution.NewRouter(e.IsDryRun, simulated, live)

	for marketID := range pairsByMarketID {
		logger.Info("market pair configured", "market_id", marketID)
	}

	ingestor.Subscribe(tokenIDs(pairs))
	return e, nil
}

// IsDryRun reports the current dry-run flag, read once per signal by the
// execution router.
func (e *Engine) IsDryRun() bool {
	e.dryRunMu.RLock()
	defer e.dryRunMu.RUnlock()
	return e.dryRunFlag
}

// SetDryRun lets an operator toggle simulated-vs-live execution at
// runtime, e.g. as an emergency kill switch.
func (e *Engine) SetDryRun(v bool) {
	e.dryRunMu.Lock()
	defer e.dryRunMu.Unlock()
	e.dryRunFlag = v
}

func tokenIDs(pairs []types.MarketPair) []string {
	ids := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		ids = append(ids, p.YesTokenID, p.NoTokenID)
	}
	return ids
}

// Start launches every background goroutine.
func (e *Engine) Start() error {
	if snap, err := e.snapshots.Load(); err == nil && snap != nil {
		e.restoreSnapshot(snap)
		e.logger.Info("restored crash-recovery snapshot", "saved_at", snap.SavedAt, "circuit_state", snap.CircuitState)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ingestor.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("feed ingestor exited", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.detector.Run(e.ctx, e.notifications)
	}()

	for i := 0; i < executionWorkers; i++ {
		e.wg.Add(1)
		go func(workerID int) {
			defer e.wg.Done()
			e.runExecutionWorker(workerID)
		}(i)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runHousekeeping()
	}()

	return nil
}

// runExecutionWorker pulls detected opportunities, evaluates edge and
// risk, and routes accepted signals to execution. One worker owns one
// opportunity at a time from edge evaluation through terminal TxResult.
func (e *Engine) runExecutionWorker(workerID int) {
	log := e.logger.With("worker", workerID)
	for {
		select {
		case <-e.ctx.Done():
			return
		case opp, ok := <-e.detector.Opportunities():
			if !ok {
				return
			}
			e.handleOpportunity(log, opp)
		}
	}
}

func (e *Engine) handleOpportunity(log *slog.Logger, opp types.ArbitrageOpportunity) {
	e.telemetry.MarkStageStart(opp.TraceID, telemetry.StageEndToEnd)
	e.telemetry.MarkStageStart(opp.TraceID, telemetry.StageSigToRisk)

	edgeResult := e.edgeCalc.Evaluate(opp)
	if edgeResult.Decision != types.DecisionAccept {
		e.telemetry.RecordReject(string(edgeResult.RejectReason))
		return
	}

	if e.live.IsSuppressed(opp.Pair.MarketID) {
		e.telemetry.RecordReject("suppressed_partial_fill")
		return
	}

	balance, err := e.submitter.GetBalance(e.ctx, e.walletAddr)
	if err != nil {
		log.Error("failed to fetch balance, skipping opportunity", "error", err)
		return
	}

	riskResult := e.riskMgr.Evaluate(risk.Input{
		Opportunity:     opp,
		Edge:            edgeResult,
		CurrentBalance:  balance,
		CurrentPosition: decimal.Zero,
	})
	if !riskResult.Accepted {
		e.telemetry.RecordReject(string(riskResult.Reason))
		return
	}

	e.telemetry.MarkStageEnd(opp.TraceID, telemetry.StageSigToRisk)
	e.telemetry.MarkStageStart(opp.TraceID, telemetry.StageRiskToSend)

	result := e.router.ExecuteArbitrage(e.ctx, riskResult.Signal)

	e.telemetry.MarkStageEnd(opp.TraceID, telemetry.StageRiskToSend)
	e.telemetry.MarkStageEnd(opp.TraceID, telemetry.StageEndToEnd)

	e.telemetry.Record("tx_result", opp.TraceID, map[string]any{
		"status": string(result.Status), "error_kind": string(result.ErrorKind), "reject_reason": string(result.RejectReason),
	})

	e.observeResult(result)
}

func (e *Engine) observeResult(result types.TxResult) {
	if result.YesFill != nil {
		if pair, done := e.pnlTrack.ObserveFill(*result.YesFill); done {
			e.riskMgr.RecordRealizedPnL(pair.RealizedPnL)
		}
	}
	if result.NoFill != nil {
		if pair, done := e.pnlTrack.ObserveFill(*result.NoFill); done {
			e.riskMgr.RecordRealizedPnL(pair.RealizedPnL)
		}
	}
	if result.Status == types.StatusPartial {
		// The sibling leg failed terminally and the pair is suppressed
		// (spec.md §4.10 step 7); the lone leg already recorded above will
		// never be joined, so stop tracking it.
		e.pnlTrack.DiscardPending(result.Signal.TraceID)
	}
	totals := e.pnlTrack.Snapshot()
	pnlFloat, _ := totals.CumulativeSimulatedPnL.Add(totals.CumulativeRealizedPnL).Float64()
	e.telemetry.SetCumulativePnL(pnlFloat)
}

// runHousekeeping runs the periodic maintenance tasks from spec.md §5:
// idempotency TTL sweep and crash-recovery snapshot writes. The circuit
// breaker's half-open timer is self-contained (checked lazily on Admit),
// so no dedicated ticker is needed for it here.
func (e *Engine) runHousekeeping() {
	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()
	snapTicker := time.NewTicker(snapshotInterval)
	defer snapTicker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-sweepTicker.C:
			removed := e.idem.Sweep()
			if removed > 0 {
				e.logger.Debug("swept expired idempotency entries", "count", removed)
			}
		case <-snapTicker.C:
			e.writeSnapshot()
		}
	}
}

// restoreSnapshot reapplies the circuit breaker state, cumulative PnL
// counters, and idempotency entries from a crash-recovery snapshot
// (spec.md §6). The next-nonce field is intentionally not restored here:
// per spec.md §9 the chain's pending-nonce view, already reconciled in
// New, is the source of truth and takes precedence over a possibly-stale
// on-disk value.
func (e *Engine) restoreSnapshot(snap *store.Snapshot) {
	e.breaker.RestoreState(snap.CircuitState)
	e.pnlTrack.Restore(snap.CumulativePnL)

	entries := make([]idempotency.DumpEntry, 0, len(snap.IdempotencyEntries))
	for _, ent := range snap.IdempotencyEntries {
		entries = append(entries, idempotency.DumpEntry{Key: ent.Key, Status: ent.Status, Expiry: ent.Expiry})
	}
	e.idem.Restore(entries)
}

func (e *Engine) writeSnapshot() {
	totals := e.pnlTrack.Snapshot()
	dumped := e.idem.Dump()
	idemEntries := make([]store.IdempotencyEntrySnapshot, 0, len(dumped))
	for _, d := range dumped {
		idemEntries = append(idemEntries, store.IdempotencyEntrySnapshot{Key: d.Key, Status: d.Status, Expiry: d.Expiry})
	}
	snap := store.Snapshot{
		NextNonce:          e.nonces.Next(),
		IdempotencyEntries: idemEntries,
		CircuitState:       e.breaker.State(),
		CumulativePnL:      totals,
	}
	if err := e.snapshots.Save(snap); err != nil {
		e.logger.Error("failed to write crash-recovery snapshot", "error", err)
	}
}

// Stop cancels every goroutine, persists a final snapshot, and waits for
// clean shutdown.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()
	e.writeSnapshot()
	e.ingestor.Close()
	e.logger.Info("shutdown complete")
}
