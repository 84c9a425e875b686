// Package telemetry implements the Telemetry Bus (C14): structured,
// trace-scoped event recording with monotonic timestamps, latency
// buckets, Prometheus counters/histograms, and an append-only
// date-sharded event log, per spec.md §4.13.
//
// Metric naming and registration style is grounded on the teacher's
// prometheus setup pattern (chidi150c-coinbase/metrics.go): labeled
// CounterVec/HistogramVec plus a plain Gauge, registered once at
// construction.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event is one structured record the bus writes to its append-only log.
type Event struct {
	EventType string         `json:"event_type"`
	Ts        int64          `json:"ts"`
	TraceID   string         `json:"trace_id"`
	Data      map[string]any `json:"data"`
}

// stage names used for per-trace latency bucketing, per spec.md §4.13.
const (
	StageWSToBook   = "ws_to_book"
	StageBookToSig  = "book_to_signal"
	StageSigToRisk  = "signal_to_risk"
	StageRiskToSend = "risk_to_send"
	StageEndToEnd   = "end_to_end"
)

// Bus is the C14 Telemetry Bus. Recording is lock-free on the metrics
// path (Prometheus vectors are themselves safe for concurrent use); the
// event-log writer serializes file appends under its own mutex.
type Bus struct {
	logger *slog.Logger

	logDir string

	logMu   sync.Mutex
	curDate string
	curFile *os.File

	traceMu     sync.Mutex
	traceStarts map[string]map[string]time.Time // trace_id -> stage -> start time

	eventsTotal   *prometheus.CounterVec
	latencyBucket *prometheus.HistogramVec
	rejectsTotal  *prometheus.CounterVec
	pnlGauge      prometheus.Gauge
}

// New creates a Bus writing date-sharded JSON-lines under logDir.
// Prometheus collectors are registered against reg (pass
// prometheus.DefaultRegisterer in production, a fresh registry in
// tests).
func New(logDir string, reg prometheus.Registerer, logger *slog.Logger) *Bus {
	b := &Bus{
		logger:      logger.With("component", "telemetry"),
		logDir:      logDir,
		traceStarts: make(map[string]map[string]time.Time),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_events_total",
			Help: "Count of structured events emitted by the telemetry bus.",
		}, []string{"event_type"}),

		latencyBucket: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arb_stage_latency_seconds",
			Help:    "Per-trace stage latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"stage"}),

		rejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_rejects_total",
			Help: "Count of rejected signals by reason.",
		}, []string{"reason"}),

		pnlGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arb_cumulative_pnl",
			Help: "Cumulative simulated+realized PnL.",
		}),
	}

	if reg != nil {
		reg.MustRegister(b.eventsTotal, b.latencyBucket, b.rejectsTotal, b.pnlGauge)
	}

	return b
}

// Record emits a structured event: bumps the Prometheus counter and
// appends a JSON line to the date-sharded log.
func (b *Bus) Record(eventType, traceID string, data map[string]any) {
	b.eventsTotal.WithLabelValues(eventType).Inc()

	evt := Event{EventType: eventType, Ts: time.Now().UnixNano(), TraceID: traceID, Data: data}
	if err := b.appendLog(evt); err != nil {
		b.logger.Error("telemetry log append failed", "error", err)
	}
}

// RecordReject increments the reject counter for reason.
func (b *Bus) RecordReject(reason string) {
	b.rejectsTotal.WithLabelValues(reason).Inc()
}

// SetCumulativePnL updates the PnL gauge.
func (b *Bus) SetCumulativePnL(v float64) {
	b.pnlGauge.Set(v)
}

// MarkStageStart records the start time of stage for traceID.
func (b *Bus) MarkStageStart(traceID, stage string) {
	b.traceMu.Lock()
	defer b.traceMu.Unlock()
	stages, ok := b.traceStarts[traceID]
	if !ok {
		stages = make(map[string]time.Time)
		b.traceStarts[traceID] = stages
	}
	stages[stage] = time.Now()
}

// MarkStageEnd records the elapsed time since MarkStageStart(traceID,
// stage) into the latency histogram, then forgets the start time.
func (b *Bus) MarkStageEnd(traceID, stage string) {
	b.traceMu.Lock()
	stages, ok := b.traceStarts[traceID]
	var start time.Time
	if ok {
		start, ok = stages[stage]
		delete(stages, stage)
		if len(stages) == 0 {
			delete(b.traceStarts, traceID)
		}
	}
	b.traceMu.Unlock()

	if !ok {
		return
	}
	b.latencyBucket.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (b *Bus) appendLog(evt Event) error {
	if b.logDir == "" {
		return nil
	}

	b.logMu.Lock()
	defer b.logMu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if b.curFile == nil || date != b.curDate {
		if b.curFile != nil {
			b.curFile.Close()
		}
		if err := os.MkdirAll(b.logDir, 0o755); err != nil {
			return fmt.Errorf("mkdir event log dir: %w", err)
		}
		path := filepath.Join(b.logDir, fmt.Sprintf("events-%s.jsonl", date))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		b.curFile = f
		b.curDate = date
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	_, err = b.curFile.Write(line)
	return err
}

// Close flushes and closes the active log file.
func (b *Bus) Close() error {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	if b.curFile != nil {
		return b.curFile.Close()
	}
	return nil
}
