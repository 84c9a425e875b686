// Package book implements the Order-Book Store (C1): a per-token mirror of
// top-of-book and a bounded depth ladder, fed exclusively by the Feed
// Ingestor and read by the Opportunity Detector via immutable snapshots.
//
// Ordering rule: bids sorted strictly by descending price, asks by
// ascending price. Ties are broken by insertion order (stable). A
// zero-size update removes a level. Sequence numbers must strictly
// increase per token; callers are responsible for sequencing (see
// internal/feed), the store itself only refuses to apply a delta whose seq
// does not advance; a snapshot always overwrites.
package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/pkg/types"
)

// DefaultDepthCap is the default maximum number of levels retained per
// side, matching spec.md §4.1's default of 50.
const DefaultDepthCap = 50

// DeltaUpdate is a single incremental level change applied by ApplyDelta.
// Size == 0 removes the level at Price.
type DeltaUpdate struct {
	Side  types.Side // BUY = bid side, SELL = ask side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// ErrInsufficientLiquidity is returned by WalkAsks and WalkLevels when
// nothing at all can be filled (empty ladder or non-positive budget). A
// ladder that exhausts after a partial fill is not an error: the walk
// returns the achieved quantity with Partial=true, and there is no
// minimum-size check.
type ErrInsufficientLiquidity struct {
	TokenID       string
	RequestedUSDC decimal.Decimal
	FilledUSDC    decimal.Decimal
}

func (e *ErrInsufficientLiquidity) Error() string {
	return fmt.Sprintf("insufficient liquidity for %s: filled %s of %s USDC",
		e.TokenID, e.FilledUSDC.String(), e.RequestedUSDC.String())
}

// WalkResult is the outcome of a VWAP walk over one side of a ladder.
type WalkResult struct {
	FilledQty decimal.Decimal
	VWAP      decimal.Decimal
	Partial   bool
}

// Snapshot is an immutable point-in-time view of one token's book, safe to
// hand to the detector without further locking.
type Snapshot struct {
	TokenID      string
	Bids         []types.OrderLevel
	Asks         []types.OrderLevel
	LastSeq      uint64
	LastUpdateTS time.Time
}

// BestBid returns the top bid, or the zero value and false if empty.
func (s Snapshot) BestBid() (types.OrderLevel, bool) {
	if len(s.Bids) == 0 {
		return types.OrderLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask, or the zero value and false if empty.
func (s Snapshot) BestAsk() (types.OrderLevel, bool) {
	if len(s.Asks) == 0 {
		return types.OrderLevel{}, false
	}
	return s.Asks[0], true
}

type level struct {
	price    decimal.Decimal
	size     decimal.Decimal
	inserted time.Time
}

type tokenBook struct {
	mu      sync.RWMutex
	tokenID string
	bids    []level // descending price
	asks    []level // ascending price
	lastSeq uint64
	seqSet  bool
	updated time.Time
}

// Store owns every token's book. It is the single writer target for the
// Feed Ingestor and the single read target for the Opportunity Detector.
type Store struct {
	mu       sync.RWMutex
	books    map[string]*tokenBook
	depthCap int
}

// NewStore creates an Order-Book Store with the given maximum depth per
// side (0 uses DefaultDepthCap).
func NewStore(depthCap int) *Store {
	if depthCap <= 0 {
		depthCap = DefaultDepthCap
	}
	return &Store{
		books:    make(map[string]*tokenBook),
		depthCap: depthCap,
	}
}

func (s *Store) bookFor(tokenID string) *tokenBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[tokenID]
	if !ok {
		b = &tokenBook{tokenID: tokenID}
		s.books[tokenID] = b
	}
	return b
}

// ApplySnapshot replaces the full book for a token. A snapshot always
// overwrites local state regardless of the previous sequence number —
// this is the reseed mechanism the Feed Ingestor uses after a gap.
func (s *Store) ApplySnapshot(tokenID string, bids, asks []types.OrderLevel, seq uint64) error {
	b := s.bookFor(tokenID)

	bidLevels := make([]level, 0, len(bids))
	now := time.Now()
	for _, l := range bids {
		if l.Size.IsZero() {
			continue
		}
		bidLevels = append(bidLevels, level{price: l.Price, size: l.Size, inserted: now})
	}
	askLevels := make([]level, 0, len(asks))
	for _, l := range asks {
		if l.Size.IsZero() {
			continue
		}
		askLevels = append(askLevels, level{price: l.Price, size: l.Size, inserted: now})
	}

	sortDesc(bidLevels)
	sortAsc(askLevels)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = capDepth(bidLevels, s.depthCap)
	b.asks = capDepth(askLevels, s.depthCap)
	b.lastSeq = seq
	b.seqSet = true
	b.updated = now

	return checkOrderingLocked(b)
}

// ApplyDelta applies incremental level updates for a token at sequence
// seq. If seq does not strictly exceed the last applied sequence, the
// delta is rejected (out-of-order, property P2) and the caller (the
// ingestor) is responsible for requesting a reseed on a detected gap
// rather than calling ApplyDelta with a skipped sequence.
func (s *Store) ApplyDelta(tokenID string, updates []DeltaUpdate, seq uint64) error {
	b := s.bookFor(tokenID)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seqSet && seq <= b.lastSeq {
		return fmt.Errorf("out-of-order delta for %s: seq=%d <= last=%d", tokenID, seq, b.lastSeq)
	}

	now := time.Now()
	for _, u := range updates {
		switch u.Side {
		case types.BUY:
			b.bids = applyLevel(b.bids, u.Price, u.Size, now, true)
		case types.SELL:
			b.asks = applyLevel(b.asks, u.Price, u.Size, now, false)
		default:
			return fmt.Errorf("unknown delta side %q", u.Side)
		}
	}
	b.bids = capDepth(b.bids, s.depthCap)
	b.asks = capDepth(b.asks, s.depthCap)
	b.lastSeq = seq
	b.seqSet = true
	b.updated = now

	return checkOrderingLocked(b)
}

// LastSeq returns the last sequence applied for a token, and whether any
// sequence has been set yet.
func (s *Store) LastSeq(tokenID string) (uint64, bool) {
	b := s.bookFor(tokenID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq, b.seqSet
}

// BestBid returns the best bid for a token.
func (s *Store) BestBid(tokenID string) (types.OrderLevel, bool) {
	b := s.bookFor(tokenID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return types.OrderLevel{}, false
	}
	return toOrderLevel(tokenID, b.bids[0]), true
}

// BestAsk returns the best ask for a token.
func (s *Store) BestAsk(tokenID string) (types.OrderLevel, bool) {
	b := s.bookFor(tokenID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return types.OrderLevel{}, false
	}
	return toOrderLevel(tokenID, b.asks[0]), true
}

// Snapshot returns an immutable, consistent view of a token's book —
// bids and asks are read under the same lock so the detector never sees
// a torn read across sides.
func (s *Store) Snapshot(tokenID string) Snapshot {
	b := s.bookFor(tokenID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Snapshot{
		TokenID:      tokenID,
		Bids:         toOrderLevels(tokenID, b.bids),
		Asks:         toOrderLevels(tokenID, b.asks),
		LastSeq:      b.lastSeq,
		LastUpdateTS: b.updated,
	}
}

// WalkAsks performs the VWAP walk described in spec.md §4.1: given a USDC
// budget, iterate asks ascending; a level whose value exceeds the
// remaining budget is partially consumed and the walk stops there.
func (s *Store) WalkAsks(tokenID string, usdcBudget decimal.Decimal) (WalkResult, error) {
	snap := s.Snapshot(tokenID)
	return WalkLevels(snap.Asks, usdcBudget)
}

// WalkLevels is the pure VWAP-walk algorithm, exported so the detector and
// the simulated executor can reuse it against an already-captured
// snapshot without re-acquiring the store's locks.
func WalkLevels(levels []types.OrderLevel, usdcBudget decimal.Decimal) (WalkResult, error) {
	remaining := usdcBudget
	qtyTotal := decimal.Zero
	usdcConsumed := decimal.Zero

	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		levelValue := lvl.Price.Mul(lvl.Size)
		if levelValue.GreaterThanOrEqual(remaining) {
			qty := remaining.Div(lvl.Price)
			qtyTotal = qtyTotal.Add(qty)
			usdcConsumed = usdcConsumed.Add(remaining)
			remaining = decimal.Zero
			break
		}
		qtyTotal = qtyTotal.Add(lvl.Size)
		usdcConsumed = usdcConsumed.Add(levelValue)
		remaining = remaining.Sub(levelValue)
	}

	if qtyTotal.IsZero() {
		return WalkResult{}, &ErrInsufficientLiquidity{
			RequestedUSDC: usdcBudget,
			FilledUSDC:    decimal.Zero,
		}
	}

	vwap := usdcConsumed.Div(qtyTotal)
	partial := remaining.GreaterThan(decimal.Zero)

	return WalkResult{
		FilledQty: qtyTotal.Truncate(6),
		VWAP:      vwap,
		Partial:   partial,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// internal helpers
// ————————————————————————————————————————————————————————————————————————

func toOrderLevel(tokenID string, l level) types.OrderLevel {
	return types.OrderLevel{Price: l.price, Size: l.size, TokenID: tokenID}
}

func toOrderLevels(tokenID string, ls []level) []types.OrderLevel {
	out := make([]types.OrderLevel, len(ls))
	for i, l := range ls {
		out[i] = toOrderLevel(tokenID, l)
	}
	return out
}

// applyLevel inserts, updates, or removes a single level, keeping the
// slice sorted (descending for bids, ascending for asks) with ties broken
// by original insertion time.
func applyLevel(levels []level, price, size decimal.Decimal, now time.Time, desc bool) []level {
	idx := -1
	for i, l := range levels {
		if l.price.Equal(price) {
			idx = i
			break
		}
	}

	if size.IsZero() {
		if idx >= 0 {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if idx >= 0 {
		levels[idx].size = size
		return levels
	}

	levels = append(levels, level{price: price, size: size, inserted: now})
	if desc {
		sortDesc(levels)
	} else {
		sortAsc(levels)
	}
	return levels
}

func sortDesc(levels []level) {
	stableSort(levels, func(a, b level) bool {
		if a.price.Equal(b.price) {
			return a.inserted.Before(b.inserted)
		}
		return a.price.GreaterThan(b.price)
	})
}

func sortAsc(levels []level) {
	stableSort(levels, func(a, b level) bool {
		if a.price.Equal(b.price) {
			return a.inserted.Before(b.inserted)
		}
		return a.price.LessThan(b.price)
	})
}

// stableSort is a tiny insertion sort: these ladders are capped at depthCap
// (default 50) so an O(n^2) stable sort is fast and needs no imports
// beyond what's already here.
func stableSort(levels []level, less func(a, b level) bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && less(levels[j], levels[j-1]); j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

func capDepth(levels []level, depthCap int) []level {
	if len(levels) > depthCap {
		return levels[:depthCap]
	}
	return levels
}

// InvariantViolation marks an error as property P1 being broken rather
// than an ordinary, expected rejection (like an out-of-order delta). The
// caller (internal/feed) must treat this as fatal per spec.md §7 rather
// than logging and continuing, since by the time it's observed the bad
// state is already committed to b.bids/b.asks.
type InvariantViolation struct {
	msg string
}

func (e *InvariantViolation) Error() string { return e.msg }

// checkOrderingLocked enforces property P1: bids strictly descending, asks
// strictly ascending, and best_bid < best_ask whenever both sides are
// non-empty. Must be called with b.mu held.
func checkOrderingLocked(b *tokenBook) error {
	for i := 1; i < len(b.bids); i++ {
		if !b.bids[i-1].price.GreaterThan(b.bids[i].price) {
			return &InvariantViolation{msg: fmt.Sprintf("book invariant violated: bids not strictly descending for %s", b.tokenID)}
		}
	}
	for i := 1; i < len(b.asks); i++ {
		if !b.asks[i].price.GreaterThan(b.asks[i-1].price) {
			return &InvariantViolation{msg: fmt.Sprintf("book invariant violated: asks not strictly ascending for %s", b.tokenID)}
		}
	}
	if len(b.bids) > 0 && len(b.asks) > 0 {
		if !b.bids[0].price.LessThan(b.asks[0].price) {
			return &InvariantViolation{msg: fmt.Sprintf("book invariant violated: best_bid >= best_ask for %s", b.tokenID)}
		}
	}
	return nil
}

// IsStale returns true if a token's book hasn't been updated within maxAge.
func (s *Store) IsStale(tokenID string, maxAge time.Duration) bool {
	b := s.bookFor(tokenID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}
