package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("shown", "n", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line emitted at info level: %s", out)
	}
	var line struct {
		Msg string `json:"msg"`
		N   int    `json:"n"`
	}
	if err := json.Unmarshal([]byte(out), &line); err != nil {
		t.Fatalf("output is not one JSON line: %v (%s)", err, out)
	}
	if line.Msg != "shown" || line.N != 1 {
		t.Errorf("line = %+v", line)
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "req-42")
	if got := CorrelationID(ctx); got != "req-42" {
		t.Errorf("correlation id = %q, want req-42", got)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("correlation id on bare context = %q, want empty", got)
	}
}

func TestWithCorrelationIDGenerates(t *testing.T) {
	a := CorrelationID(WithCorrelationID(context.Background(), ""))
	b := CorrelationID(WithCorrelationID(context.Background(), ""))
	if a == "" || a == b {
		t.Errorf("generated ids %q and %q, want distinct non-empty", a, b)
	}
}

func TestRequestLoggerCarriesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, slog.LevelInfo)

	ctx := WithCorrelationID(context.Background(), "req-7")
	RequestLogger(base, ctx, "conversations").Info("created")

	out := buf.String()
	for _, want := range []string{`"correlation_id":"req-7"`, `"resource":"conversations"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordStoreOp("message.add", nil)
	m.RecordStoreOp("message.add", context.DeadlineExceeded)
	m.SetIndexSize(12)
	m.RecordRetrieval("code", "hit")

	if got := testutil.ToFloat64(m.storeOps.WithLabelValues("message.add", "ok")); got != 1 {
		t.Errorf("store ok count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.storeOps.WithLabelValues("message.add", "error")); got != 1 {
		t.Errorf("store error count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.indexDocuments); got != 12 {
		t.Errorf("index gauge = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.retrievals.WithLabelValues("code", "hit")); got != 1 {
		t.Errorf("retrieval count = %v, want 1", got)
	}
}
