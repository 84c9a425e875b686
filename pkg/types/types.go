// Package types defines the shared vocabulary of the arbitrage engine: order
// book levels, market pairs, opportunities, edge breakdowns, signals, fills,
// and transaction results. It has no dependency on any internal package so
// it can be imported from every layer, from the feed ingestor down to the
// live executor.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a fill or order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderLevel is a single price/size pair on one side of a book. Price is a
// decimal fraction of USDC per share in (0, 1); it is never represented as
// a binary float so that edge and PnL computations stay exact to at least
// six fractional digits.
type OrderLevel struct {
	Price   decimal.Decimal
	Size    decimal.Decimal
	TokenID string
}

// MarketPair links a YES token and a NO token that resolve the same market.
type MarketPair struct {
	MarketID   string
	YesTokenID string
	NoTokenID  string
	Metadata   MarketMetadata
}

// MarketMetadata carries context for a pair. Question is informational;
// EndDate feeds the risk manager's RESOLUTION_UNCERTAIN check.
type MarketMetadata struct {
	Question string
	EndDate  time.Time
}

// Valid reports whether the pair satisfies the data-model invariant that
// its two legs are distinct tokens.
func (p MarketPair) Valid() bool {
	return p.YesTokenID != "" && p.NoTokenID != "" && p.YesTokenID != p.NoTokenID
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and edge accounting
// ————————————————————————————————————————————————————————————————————————

// ArbitrageOpportunity is produced by the detector whenever a YES+NO pair
// can be bought for less than 1.0 USDC combined, before costs.
type ArbitrageOpportunity struct {
	Pair                  MarketPair
	YesVWAP               decimal.Decimal
	NoVWAP                decimal.Decimal
	TradeSizeUSDC         decimal.Decimal
	FilledQty             decimal.Decimal // min(yes_filled_qty, no_filled_qty)
	ExpectedProfitPerUnit decimal.Decimal
	ExpectedProfitTotal   decimal.Decimal
	YesPartial            bool
	NoPartial             bool
	DetectedAt            time.Time
	TraceID               string
}

// RejectReason enumerates the disjoint reasons an opportunity or signal can
// be turned away. The zero value means "accepted, no reason needed."
type RejectReason string

const (
	RejectNone                   RejectReason = ""
	RejectProfitTooLow           RejectReason = "PROFIT_TOO_LOW"
	RejectGasTooHigh             RejectReason = "GAS_TOO_HIGH"
	RejectSlippageTooHigh        RejectReason = "SLIPPAGE_TOO_HIGH"
	RejectLatencyBufferDominates RejectReason = "LATENCY_BUFFER_DOMINATES"
	RejectNegativeNetEdge        RejectReason = "NEGATIVE_NET_EDGE"
	RejectInsufficientBalance    RejectReason = "INSUFFICIENT_BALANCE"
	RejectPositionLimit          RejectReason = "POSITION_LIMIT"
	RejectDailyLossLimit         RejectReason = "DAILY_LOSS_LIMIT"
	RejectResolutionUncertain    RejectReason = "RESOLUTION_UNCERTAIN"
	RejectManipulationRisk       RejectReason = "MANIPULATION_RISK"
	RejectAbnormalVolatility     RejectReason = "ABNORMAL_VOLATILITY"
	RejectCircuitOpen            RejectReason = "CIRCUIT_OPEN"
	RejectDuplicateSuppressed    RejectReason = "DUPLICATE_SUPPRESSED"
)

// Decision is the Edge Calculator's verdict on an opportunity.
type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
)

// EdgeBreakdown is the fully itemized cost/benefit accounting for one
// opportunity. net_edge = gross_edge - (fees + slippage + gas + latency),
// computed exactly in decimal arithmetic (property P4).
type EdgeBreakdown struct {
	GrossEdge     decimal.Decimal
	FeesEst       decimal.Decimal
	SlippageEst   decimal.Decimal
	GasEst        decimal.Decimal
	LatencyBuffer decimal.Decimal
	NetEdge       decimal.Decimal
	MinThreshold  decimal.Decimal
	Decision      Decision
	RejectReason  RejectReason
	RiskTags      []string
}

// ————————————————————————————————————————————————————————————————————————
// Signals, fills, transaction results
// ————————————————————————————————————————————————————————————————————————

// Signal is a validated opportunity that has cleared risk and is ready for
// execution. IdempotencyKey is a stable hash of (pair, rounded trade size,
// detection bucket time) so duplicate detections collapse to one submit.
type Signal struct {
	Opportunity    ArbitrageOpportunity
	Edge           EdgeBreakdown
	IdempotencyKey string
	TraceID        string
	StrategyTag    string
}

// Fill records one executed leg, simulated or live.
type Fill struct {
	TokenID     string
	Side        Side
	Quantity    decimal.Decimal
	PriceVWAP   decimal.Decimal
	FeesPaid    decimal.Decimal
	SlippageBps decimal.Decimal
	TxHash      string // empty for simulated fills
	IsSimulated bool
	Timestamp   time.Time
	TraceID     string
}

// TxStatus is the terminal outcome of a two-leg live execution.
type TxStatus string

const (
	StatusDone    TxStatus = "DONE"
	StatusPartial TxStatus = "PARTIAL"
	StatusFailed  TxStatus = "FAILED"
)

// ErrorKind classifies why a TxResult failed, per the error taxonomy in
// spec.md §7. It is distinct from RejectReason: RejectReason covers
// pre-execution gating, ErrorKind covers submission-time failures.
type ErrorKind string

const (
	ErrNone                   ErrorKind = ""
	ErrTransientIO            ErrorKind = "TRANSIENT_IO"
	ErrNonceTooLow            ErrorKind = "NONCE_TOO_LOW"
	ErrReplacementUnderpriced ErrorKind = "REPLACEMENT_UNDERPRICED"
	ErrGasRequiredExceeds     ErrorKind = "GAS_REQUIRED_EXCEEDS_ALLOWANCE"
	ErrRevert                 ErrorKind = "REVERT"
	ErrInsufficientFunds      ErrorKind = "INSUFFICIENT_FUNDS"
	ErrInvalidAddress         ErrorKind = "INVALID_ADDRESS"
	ErrAuthorization          ErrorKind = "AUTHORIZATION"
	ErrCancelled              ErrorKind = "CANCELLED"
)

// TxResult is the exactly-once terminal artifact of an admitted signal.
// RejectReason is populated instead of ErrorKind for pre-submission
// rejections (CIRCUIT_OPEN, DUPLICATE_SUPPRESSED) that never reached the
// chain-protocol error taxonomy in §7.
type TxResult struct {
	Signal         Signal
	Status         TxStatus
	YesFill        *Fill
	NoFill         *Fill
	Attempt        int
	ErrorKind      ErrorKind
	RejectReason   RejectReason
	IdempotencyKey string
	Nonce          *uint64
}

// Success reports whether both legs completed.
func (r TxResult) Success() bool {
	return r.Status == StatusDone
}
