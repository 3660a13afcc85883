package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openfroyo/craftgrid/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"otlp with endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "collector:4317" }, false},
		{"bad time format", func(c *Config) { c.Logging.TimeFormat = "iso" }, true},
		{"missing service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !engine.IsConfiguration(err) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoggerCraftingFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	err := engine.NewAdmissionError("no cluster", nil).WithCode(engine.ErrCodeClusterRejected)
	logger.NewComponentLogger("grid").
		WithCraftingID("abc").
		WithCluster("alpha").
		WithFingerprint(engine.Fingerprint{Item: "gear"}).
		WithError(err).
		Warn("Submission rejected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected one JSON line, got %q: %v", buf.String(), err)
	}
	want := map[string]string{
		"component":   "grid",
		"crafting_id": "abc",
		"cluster":     "alpha",
		"error_code":  engine.ErrCodeClusterRejected,
		"level":       "warn",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("Expected %s=%q, got %v", k, v, entry[k])
		}
	}
	if !strings.Contains(entry["fingerprint"].(string), "gear") {
		t.Errorf("Expected fingerprint field, got %v", entry["fingerprint"])
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered, got %q", buf.String())
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordRebuild("direct", 0, 3)
	m.RecordAdmission("accepted")

	var nilMetrics *Metrics
	nilMetrics.RecordSweep(1, 0)
	if nilMetrics.Registry() != nil {
		t.Error("Expected nil registry")
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordAdmission("accepted")
	m.RecordNotifications(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"craftgrid_admission_decisions_total", "craftgrid_interest_notifications_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}

func TestTraceOperationWithoutTelemetry(t *testing.T) {
	called := false
	err := TraceOperation(context.Background(), "noop", func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("Expected fn to run bare, called=%v err=%v", called, err)
	}
}

func TestTraceOperationWithTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("Expected telemetry in context")
	}

	want := engine.NewComputationError("boom", nil)
	if got := TraceOperation(ctx, "fails", func(context.Context) error { return want }); got != want {
		t.Errorf("Expected error passthrough, got %v", got)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
