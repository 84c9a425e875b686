package telemetry

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordAppendsJSONLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	b := New(dir, reg, discardLogger())
	defer b.Close()

	b.Record("opportunity_detected", "trace-1", map[string]any{"market_id": "m1"})

	date := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, "events-"+date+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one line in the event log")
	}
	var evt Event
	if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.EventType != "opportunity_detected" || evt.TraceID != "trace-1" {
		t.Errorf("got %+v, unexpected fields", evt)
	}
}

func TestStageLatencyRecorded(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	b := New("", reg, discardLogger())
	defer b.Close()

	b.MarkStageStart("t1", StageWSToBook)
	time.Sleep(time.Millisecond)
	b.MarkStageEnd("t1", StageWSToBook)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range metrics {
		if mf.GetName() == "arb_stage_latency_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("expected arb_stage_latency_seconds to be registered and observed")
	}
}

func TestMarkStageEndWithoutStartIsNoop(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	b := New("", reg, discardLogger())
	defer b.Close()

	b.MarkStageEnd("unknown-trace", StageEndToEnd) // must not panic
}
