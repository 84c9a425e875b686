// Package feed implements the Feed Ingestor (C2): a single logical
// streaming connection to the upstream market-data endpoint. It dedups
// messages, enforces per-token sequence ordering, reconnects with
// exponential backoff, resubscribes, and replays a snapshot before
// accepting deltas again — then applies accepted updates to the
// Order-Book Store under the token's write lock.
//
// The WebSocket transport mirrors the teacher's market-channel feed
// (gorilla/websocket, 1s->30s backoff, periodic PING, read deadline) but
// the dedup/sequencing/reseed policy on top of it is new: spec.md §4.2
// requires state that the book layer alone does not provide.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arbitrageur/internal/book"
	"arbitrageur/internal/fatal"
	"arbitrageur/pkg/types"
)

const (
	pingInterval   = 50 * time.Second
	readTimeout    = 90 * time.Second
	writeTimeout   = 10 * time.Second
	readBufferSize = 1024
)

// BookSnapshotMsg is a full book replacement for one token.
type BookSnapshotMsg struct {
	MsgID   string             `json:"msg_id"`
	TokenID string             `json:"token_id"`
	Bids    []types.OrderLevel `json:"bids"`
	Asks    []types.OrderLevel `json:"asks"`
	Seq     uint64             `json:"seq"`
	Ts      int64              `json:"ts"`
}

// BookDeltaMsg is an incremental book update for one token.
type BookDeltaMsg struct {
	MsgID   string             `json:"msg_id"`
	TokenID string             `json:"token_id"`
	Updates []book.DeltaUpdate `json:"updates"`
	Seq     uint64             `json:"seq"`
	Ts      int64              `json:"ts"`
}

type wireEnvelope struct {
	Type string `json:"type"` // "snapshot" or "delta"
}

// Recorder is the narrow telemetry interface the ingestor emits through,
// satisfied by internal/telemetry.Bus. It is declared here (rather than
// importing telemetry directly) so this package stays a leaf — the
// feed ingestor must never depend on the thing that observes it.
type Recorder interface {
	Record(eventType, traceID string, data map[string]any)
}

type noopRecorder struct{}

func (noopRecorder) Record(string, string, map[string]any) {}

// Stats exposes counters the ingestor tracks for spec.md §6's failure
// signals exposed outward (sequence-gap counts, dedup hit counts,
// websocket disconnect counts).
type Stats struct {
	mu              sync.Mutex
	DuplicateDrops  int
	SequenceGaps    int
	OutOfOrderDrops int
	Reconnects      int
}

func (s *Stats) incDuplicate() { s.mu.Lock(); s.DuplicateDrops++; s.mu.Unlock() }
func (s *Stats) incGap()       { s.mu.Lock(); s.SequenceGaps++; s.mu.Unlock() }
func (s *Stats) incOOO()       { s.mu.Lock(); s.OutOfOrderDrops++; s.mu.Unlock() }
func (s *Stats) incReconnect() { s.mu.Lock(); s.Reconnects++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		DuplicateDrops:  s.DuplicateDrops,
		SequenceGaps:    s.SequenceGaps,
		OutOfOrderDrops: s.OutOfOrderDrops,
		Reconnects:      s.Reconnects,
	}
}

// Ingestor is the C2 Feed Ingestor. It owns one WebSocket connection and
// writes exclusively into a book.Store for its subscribed tokens.
type Ingestor struct {
	url         string
	store       *book.Store
	recorder    Recorder
	backoffInit time.Duration
	backoffMax  time.Duration

	dedup *lru

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	// awaitingReseed marks tokens for which a gap was detected: deltas are
	// dropped until the next snapshot arrives, satisfying the invariant
	// that no state transition is visible to the detector with a missing
	// seq.
	reseedMu       sync.Mutex
	awaitingReseed map[string]bool

	connMu sync.Mutex
	conn   *websocket.Conn

	Stats Stats

	logger *slog.Logger
}

// New creates a Feed Ingestor writing into store.
func New(url string, store *book.Store, dedupSize int, backoffInit, backoffMax time.Duration, recorder Recorder, logger *slog.Logger) *Ingestor {
	if dedupSize <= 0 {
		dedupSize = 10000
	}
	if backoffInit <= 0 {
		backoffInit = time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Ingestor{
		url:            url,
		store:          store,
		recorder:       recorder,
		backoffInit:    backoffInit,
		backoffMax:     backoffMax,
		dedup:          newLRU(dedupSize),
		subscribed:     make(map[string]bool),
		awaitingReseed: make(map[string]bool),
		logger:         logger.With("component", "feed"),
	}
}

// Subscribe registers token IDs for the next (re)connection and, if
// already connected, sends a live subscribe message.
func (in *Ingestor) Subscribe(tokenIDs []string) {
	in.subscribedMu.Lock()
	for _, id := range tokenIDs {
		in.subscribed[id] = true
	}
	in.subscribedMu.Unlock()

	in.reseedMu.Lock()
	for _, id := range tokenIDs {
		in.awaitingReseed[id] = false
	}
	in.reseedMu.Unlock()

	_ = in.writeJSON(map[string]any{"op": "subscribe", "token_ids": tokenIDs})
}

// Unsubscribe removes token IDs from the subscription set.
func (in *Ingestor) Unsubscribe(tokenIDs []string) {
	in.subscribedMu.Lock()
	for _, id := range tokenIDs {
		delete(in.subscribed, id)
	}
	in.subscribedMu.Unlock()
	_ = in.writeJSON(map[string]any{"op": "unsubscribe", "token_ids": tokenIDs})
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) error {
	backoff := in.backoffInit

	for {
		err := in.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		in.Stats.incReconnect()
		in.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > in.backoffMax {
			backoff = in.backoffMax
		}
	}
}

// Close closes the underlying connection, if any.
func (in *Ingestor) Close() error {
	in.connMu.Lock()
	defer in.connMu.Unlock()
	if in.conn != nil {
		return in.conn.Close()
	}
	return nil
}

func (in *Ingestor) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, in.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	in.connMu.Lock()
	in.conn = conn
	in.connMu.Unlock()
	defer func() {
		in.connMu.Lock()
		conn.Close()
		in.conn = nil
		in.connMu.Unlock()
	}()

	// Every token we track is unresolved until its next snapshot: a fresh
	// connection has no server-side subscription state to trust.
	in.subscribedMu.RLock()
	ids := make([]string, 0, len(in.subscribed))
	for id := range in.subscribed {
		ids = append(ids, id)
	}
	in.subscribedMu.RUnlock()

	in.reseedMu.Lock()
	for _, id := range ids {
		in.awaitingReseed[id] = true
	}
	in.reseedMu.Unlock()

	if err := in.writeJSON(map[string]any{"op": "subscribe", "token_ids": ids}); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	in.logger.Info("feed connected", "tokens", len(ids))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go in.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		in.handleMessage(msg)
	}
}

func (in *Ingestor) handleMessage(data []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		in.logger.Debug("ignoring non-json feed message")
		return
	}

	switch env.Type {
	case "snapshot":
		var msg BookSnapshotMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			in.logger.Error("unmarshal snapshot", "error", err)
			return
		}
		in.applySnapshot(msg)
	case "delta":
		var msg BookDeltaMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			in.logger.Error("unmarshal delta", "error", err)
			return
		}
		in.applyDelta(msg)
	default:
		in.logger.Debug("unknown feed message type", "type", env.Type)
	}
}

func (in *Ingestor) applySnapshot(msg BookSnapshotMsg) {
	key := dedupKey(msg.MsgID, msg.Seq)
	if in.dedup.seenOrAdd(key) {
		in.Stats.incDuplicate()
		return
	}

	if err := in.store.ApplySnapshot(msg.TokenID, msg.Bids, msg.Asks, msg.Seq); err != nil {
		var iv *book.InvariantViolation
		if errors.As(err, &iv) {
			fatal.Trigger(in.logger, "order book invariant violated, halting", "token", msg.TokenID, "error", err)
		}
		in.logger.Error("apply snapshot failed", "token", msg.TokenID, "error", err)
		return
	}

	in.reseedMu.Lock()
	in.awaitingReseed[msg.TokenID] = false
	in.reseedMu.Unlock()

	in.recorder.Record("event_received", "", map[string]any{
		"token_id": msg.TokenID, "kind": "snapshot", "seq": msg.Seq,
		"monotonic_ns": time.Now().UnixNano(),
	})
}

func (in *Ingestor) applyDelta(msg BookDeltaMsg) {
	key := dedupKey(msg.MsgID, msg.Seq)
	if in.dedup.seenOrAdd(key) {
		in.Stats.incDuplicate()
		return
	}

	in.reseedMu.Lock()
	needsReseed := in.awaitingReseed[msg.TokenID]
	in.reseedMu.Unlock()
	if needsReseed {
		// No seq visible to the detector until the reseed snapshot lands.
		return
	}

	lastSeq, seqSet := in.store.LastSeq(msg.TokenID)
	if seqSet {
		if msg.Seq > lastSeq+1 {
			in.Stats.incGap()
			in.reseedMu.Lock()
			in.awaitingReseed[msg.TokenID] = true
			in.reseedMu.Unlock()
			in.requestReseed(msg.TokenID)
			return
		}
		if msg.Seq <= lastSeq {
			in.Stats.incOOO()
			return
		}
	}

	if err := in.store.ApplyDelta(msg.TokenID, msg.Updates, msg.Seq); err != nil {
		var iv *book.InvariantViolation
		if errors.As(err, &iv) {
			fatal.Trigger(in.logger, "order book invariant violated, halting", "token", msg.TokenID, "error", err)
		}
		in.logger.Error("apply delta failed", "token", msg.TokenID, "error", err)
		return
	}

	in.recorder.Record("event_received", "", map[string]any{
		"token_id": msg.TokenID, "kind": "delta", "seq": msg.Seq,
		"monotonic_ns": time.Now().UnixNano(),
	})
}

func (in *Ingestor) requestReseed(tokenID string) {
	_ = in.writeJSON(map[string]any{"op": "resnapshot", "token_id": tokenID})
}

func (in *Ingestor) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := in.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				in.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (in *Ingestor) writeJSON(v any) error {
	in.connMu.Lock()
	defer in.connMu.Unlock()
	if in.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	in.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return in.conn.WriteJSON(v)
}

func (in *Ingestor) writeMessage(msgType int, data []byte) error {
	in.connMu.Lock()
	defer in.connMu.Unlock()
	if in.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	in.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return in.conn.WriteMessage(msgType, data)
}
