package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// AnomalySignal names which of §4.11's three checks produced the worst
// severity, so the risk manager can pick a matching reject reason instead
// of collapsing every trip into one.
type AnomalySignal int

const (
	AnomalyNone AnomalySignal = iota
	AnomalyPriceMove
	AnomalyDepthDrop
	AnomalyCorrelation
)

// sample is one observed price/depth point for a pair.
type sample struct {
	at    time.Time
	price decimal.Decimal
	depth decimal.Decimal
}

// AnomalyGuard implements the §4.11 anomaly detector: short rolling
// windows of price and depth per pair, flagging pulses, depth collapses,
// and correlated-pair divergence.
type AnomalyGuard struct {
	mu      sync.Mutex
	window  time.Duration
	history map[string][]sample

	pulseThreshold       float64
	depthThreshold       float64
	correlationThreshold float64

	// correlated groups pairs expected to move together (e.g. two markets
	// on the same underlying event); divergence beyond threshold flags.
	correlated map[string][]string
}

// NewAnomalyGuard creates a guard with the given thresholds and rolling
// window. correlated maps a market id to the ids of markets it is
// expected to track.
func NewAnomalyGuard(window time.Duration, pulseThreshold, depthThreshold, correlationThreshold float64, correlated map[string][]string) *AnomalyGuard {
	if correlated == nil {
		correlated = map[string][]string{}
	}
	return &AnomalyGuard{
		window:               window,
		history:              make(map[string][]sample),
		pulseThreshold:       pulseThreshold,
		depthThreshold:       depthThreshold,
		correlationThreshold: correlationThreshold,
		correlated:           correlated,
	}
}

// Observe records a price/depth sample for marketID, to be consulted by
// later Evaluate calls.
func (g *AnomalyGuard) Observe(marketID string, price, depth decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	hist := append(g.history[marketID], sample{at: now, price: price, depth: depth})
	g.history[marketID] = g.pruneLocked(hist, now)
}

func (g *AnomalyGuard) pruneLocked(hist []sample, now time.Time) []sample {
	cutoff := now.Add(-g.window)
	kept := hist[:0]
	for _, s := range hist {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Evaluate returns the worst severity observed across the pulse, depth,
// and correlation checks, which signal produced it, and whether it
// crosses the trip threshold (0.7). Callers that get tripped==false but
// severity>=0.4 should degrade admitted trade size rather than reject
// outright.
func (g *AnomalyGuard) Evaluate(marketID string) (severity float64, tripped bool, signal AnomalySignal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hist := g.history[marketID]
	if len(hist) < 2 {
		return 0, false, AnomalyNone
	}

	first, last := hist[0], hist[len(hist)-1]

	priceMove := severityRatio(first.price, last.price, g.pulseThreshold)
	depthDrop := 0.0
	if last.depth.LessThan(first.depth) {
		depthDrop = severityRatio(first.depth, last.depth, g.depthThreshold)
	}

	corr := 0.0
	for _, peerID := range g.correlated[marketID] {
		peerHist := g.history[peerID]
		if len(peerHist) == 0 {
			continue
		}
		peerLast := peerHist[len(peerHist)-1]
		divergence := last.price.Sub(peerLast.price).Abs()
		if divergence.GreaterThan(decimal.NewFromFloat(g.correlationThreshold)) {
			corr = 1.0
		}
	}

	severity, signal = priceMove, AnomalyPriceMove
	if depthDrop > severity {
		severity, signal = depthDrop, AnomalyDepthDrop
	}
	if corr > severity {
		severity, signal = corr, AnomalyCorrelation
	}

	return severity, severity >= 0.7, signal
}

// severityRatio expresses how far (first -> last) moved relative to a
// threshold, clamped to [0,1]. A move exactly at threshold yields 1.0.
func severityRatio(first, last decimal.Decimal, threshold float64) float64 {
	if threshold <= 0 || first.IsZero() {
		return 0
	}
	change := last.Sub(first).Abs().Div(first)
	f, _ := change.Float64()
	ratio := f / threshold
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}
