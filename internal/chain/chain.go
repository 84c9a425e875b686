// Package chain defines the injected signing/submission capability
// (spec.md §6) and a concrete implementation backed by an EIP-712/HMAC
// wallet and a resty REST client, grounded on the teacher's
// internal/exchange auth.go and client.go.
//
// The core (execution, edge, risk) depends only on the Submitter
// interface, never on this package's concrete client, so a test double
// or a different chain's client can be substituted without touching
// execution logic.
package chain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order is the minimal order payload the core builds for one leg. The
// concrete Submitter is responsible for translating it into whatever
// wire format its exchange expects.
type Order struct {
	TokenID string
	Side    string // "BUY" or "SELL"
	Price   decimal.Decimal
	Size    decimal.Decimal
	Nonce   uint64
	TraceID string
}

// GasEstimate mirrors spec.md §6's get_gas_estimate() result shape.
type GasEstimate struct {
	BaseFeeWei     decimal.Decimal
	PriorityFeeWei decimal.Decimal
	GasLimit       uint64
}

// Receipt is the outcome of waiting for a submitted transaction.
type Receipt struct {
	TxHash  string
	Success bool
	GasUsed decimal.Decimal
}

// Submitter is the injected signing + submission capability from
// spec.md §6: "Core does not assume a particular chain client."
type Submitter interface {
	SignOrder(ctx context.Context, order Order) ([]byte, error)
	SubmitOrder(ctx context.Context, signed []byte) (txHash string, err error)
	GetBalance(ctx context.Context, wallet string) (decimal.Decimal, error)
	GetPendingNonce(ctx context.Context, wallet string) (uint64, error)
	GetGasEstimate(ctx context.Context) (GasEstimate, error)
	WaitForReceipt(ctx context.Context, txHash string, timeout time.Duration) (Receipt, error)
}
