package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/shaiso/Pipeliner/internal/domain"
)

// --- Logging Tests ---

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" ERROR ", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "")

	n := &domain.NodeExecution{PlanExecutionID: "pe-1", RuntimeID: "r-1", Identifier: "build"}
	WithNode(logger, n).Info("node finished")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1 (debug filtered):\n%s", len(lines), buf.String())
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["plan_execution_id"] != "pe-1" || rec["runtime_id"] != "r-1" || rec["identifier"] != "build" {
		t.Errorf("record = %v", rec)
	}
	if _, ok := rec["source"]; ok {
		t.Error("source should be added only at DEBUG")
	}
}

func TestNewLogger_TextDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug, "TEXT")

	WithTaskID(WithDelegateID(logger, "d-1"), "t-1").Debug("task acquired")

	out := buf.String()
	for _, want := range []string{"delegate_id=d-1", "task_id=t-1", "source="} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

// --- Tracing Tests ---

func TestDefaultTracer_Noop(t *testing.T) {
	tracer := DefaultTracer(nil, "test")
	_, span := tracer.Start(t.Context(), "op")
	if span.SpanContext().IsValid() {
		t.Error("noop tracer should produce invalid span context")
	}
	EndSpan(span, errors.New("boom"))
}
