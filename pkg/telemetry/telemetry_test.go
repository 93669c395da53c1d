package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func newTestTelemetry(t *testing.T) *Telemetry {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) {
				if c := metric.GetCounter(); c != nil {
					return c.GetValue()
				}
				if g := metric.GetGauge(); g != nil {
					return g.GetValue()
				}
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	for _, lp := range metric.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigPresets(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *Config
		level    string
		exporter string
		metrics  bool
	}{
		{"default", DefaultConfig(), "warn", "none", false},
		{"development", DevelopmentConfig(), "debug", "stdout", false},
		{"production", ProductionConfig(), "info", "otlp", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err != nil {
				t.Fatalf("Expected valid config, got %v", err)
			}
			if tt.cfg.Logging.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, tt.cfg.Logging.Level)
			}
			if tt.cfg.Tracing.Exporter != tt.exporter {
				t.Errorf("Expected exporter %s, got %s", tt.exporter, tt.cfg.Tracing.Exporter)
			}
			if tt.cfg.Metrics.Enabled != tt.metrics {
				t.Errorf("Expected metrics enabled=%v, got %v", tt.metrics, tt.cfg.Metrics.Enabled)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug").
		WithExecutionID("exec-1").
		WithBlock("StatesDiscoverCmdBlock").
		WithItemID("file_a")

	logger.Info("discovered")

	out := buf.String()
	for _, want := range []string{`"execution_id":"exec-1"`, `"block":"StatesDiscoverCmdBlock"`, `"item_id":"file_a"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log to contain %s, got %s", want, out)
		}
	}
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("Expected a logger")
	}
	logger.Info("dropped")
}

func TestExecutionContext_RecordsMetrics(t *testing.T) {
	tel := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	ctx = WithExecutionContext(ctx, "exec-1", "ensure")
	if got := ExecutionID(ctx); got != "exec-1" {
		t.Errorf("Expected execution ID exec-1, got %q", got)
	}

	if got := counterValue(t, tel.Metrics, "peace_active_executions", nil); got != 1 {
		t.Errorf("Expected 1 active execution, got %v", got)
	}

	blockCtx := WithBlockContext(ctx, "ApplyExecCmdBlock")
	err := RecordItemFn(blockCtx, "file_a", "apply_exec", func(context.Context) error {
		return errors.New("boom")
	})
	if err == nil || err.Error() != "boom" {
		t.Errorf("Expected item fn error to be returned, got %v", err)
	}
	EndBlockContext(blockCtx, "item_error", nil)
	EndExecutionContext(ctx, "item_error", nil)

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"peace_executions_started_total", map[string]string{"command": "ensure"}, 1},
		{"peace_executions_completed_total", map[string]string{"command": "ensure", "outcome": "item_error"}, 1},
		{"peace_blocks_executed_total", map[string]string{"block": "ApplyExecCmdBlock"}, 1},
		{"peace_item_fn_calls_total", map[string]string{"fn": "apply_exec", "status": "error"}, 1},
		{"peace_active_executions", nil, 0},
	}
	for _, c := range checks {
		if got := counterValue(t, tel.Metrics, c.name, c.labels); got != c.want {
			t.Errorf("Expected %s=%v, got %v", c.name, c.want, got)
		}
	}
}

func TestContextHelpers_WithoutTelemetry(t *testing.T) {
	ctx := WithExecutionContext(context.Background(), "exec-1", "diff")
	if ExecutionID(ctx) != "" {
		t.Error("Expected no execution scope without telemetry")
	}

	called := false
	err := RecordItemFn(ctx, "file_a", "state_current", func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("Expected fn to run, called=%v err=%v", called, err)
	}
	EndBlockContext(ctx, "complete", nil)
	EndExecutionContext(ctx, "complete", nil)
}

func TestMetricsHandler(t *testing.T) {
	tel := newTestTelemetry(t)
	tel.Metrics.RecordExecutionStarted("discover")

	rec := httptest.NewRecorder()
	tel.Metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `peace_executions_started_total{command="discover"} 1`) {
		t.Errorf("Expected started counter in output, got %s", rec.Body.String())
	}
}

func TestMetricsServer(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, ListenAddress: "127.0.0.1:0", Path: "/metrics", Namespace: "peace"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if err := m.StartMetricsServer(Nop()); err != nil {
		t.Fatalf("StartMetricsServer failed: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	bad, _ := NewMetrics(MetricsConfig{Enabled: true, ListenAddress: "127.0.0.1:-1", Path: "/metrics"})
	if err := bad.StartMetricsServer(Nop()); err == nil {
		t.Error("Expected listen error for invalid address")
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordExecutionStarted("ensure")
	m.RecordExecutionCompleted("ensure", "complete", time.Second)
	m.RecordBlock("DiffCmdBlock", "complete", time.Second)
	m.RecordItemFn("apply_exec", true, time.Second)
	m.RecordError("permanent", "")
	m.RecordStateStale("current")
	m.SetProgressDropped(3)

	if m.Registry() != nil {
		t.Error("Expected no registry when metrics are disabled")
	}
}

func TestEventPublisher_SyncFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	defer ep.Shutdown(context.Background())

	var mu sync.Mutex
	var got []Event
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}, FilterByItemID("file_b"))

	_ = ep.PublishItemFailed("exec-1", "ApplyExecCmdBlock", "file_a", "boom")
	_ = ep.PublishStateStale("exec-1", "file_b", "current")
	_ = ep.PublishExecutionStarted("exec-1", "ensure")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].Type != EventTypeStateStale || got[0].Level != EventLevelWarning {
		t.Errorf("Unexpected event: %+v", got[0])
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be set")
	}
}

func TestEventPublisher_Async(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, EnableAsync: true, MaxBatchSize: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	received := make(chan Event, 1)
	ep.Subscribe(func(e Event) { received <- e }, FilterByExecutionID("exec-2"))

	_ = ep.PublishExecutionStarted("exec-1", "ensure")
	_ = ep.PublishExecutionStarted("exec-2", "clean")

	select {
	case e := <-received:
		if e.ExecutionID != "exec-2" {
			t.Errorf("Expected exec-2, got %s", e.ExecutionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected event to be delivered")
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
