// Package execution implements the Execution Router (C10) and its two
// executors: the Simulated Executor (C11) and the Live Executor (C12),
// per spec.md §4.10.
package execution

import (
	"context"

	"arbitrageur/pkg/types"
)

// Executor is satisfied by both the simulated and live executors.
type Executor interface {
	ExecuteArbitrage(ctx context.Context, sig types.Signal) types.TxResult
}

// Router selects dry-run or live execution for each Signal, read once
// per signal (never per leg), per spec.md §4.10.
type Router struct {
	dryRun    func() bool
	simulated Executor
	live      Executor
}

// NewRouter builds a Router. dryRun is a function rather than a bool so
// the process-wide flag can be toggled by an operator at runtime (e.g.
// an emergency kill switch) while still being read exactly once per
// Signal.
func NewRouter(dryRun func() bool, simulated, live Executor) *Router {
	return &Router{dryRun: dryRun, simulated: simulated, live: live}
}

// ExecuteArbitrage dispatches sig to the simulated or live executor.
func (r *Router) ExecuteArbitrage(ctx context.Context, sig types.Signal) types.TxResult {
	if r.dryRun() {
		return r.simulated.ExecuteArbitrage(ctx, sig)
	}
	return r.live.ExecuteArbitrage(ctx, sig)
}
