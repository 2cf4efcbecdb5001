package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info().Msg("hidden")
	logger.Warn().Str("job", "motd").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"job":"motd"`) || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Error("debug not parsed")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Error("unknown level should default to info")
	}
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}

	m.RecordCycle("ok", time.Second)
	m.RecordJob("file", "changed", 10*time.Millisecond)
	m.RecordJob("file", "changed", 10*time.Millisecond)
	m.RecordFetchError("rpc")
	m.SetJobsLoaded(3)
	m.SetLastSuccess(time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(m.cyclesTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("cycles ok = %v", got)
	}
	if got := testutil.ToFloat64(m.jobResults.WithLabelValues("file", "changed")); got != 2 {
		t.Errorf("job results = %v", got)
	}
	if got := testutil.ToFloat64(m.lastSuccess); got != 1700000000 {
		t.Errorf("last success = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "remoteman_fetch_errors_total") {
		t.Errorf("metrics output missing fetch errors:\n%s", body)
	}
}

func TestMetricsDisabledAndNil(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordCycle("failed", time.Second)
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordJob("file", "error", time.Second)
	rec := httptest.NewRecorder()
	nilMetrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestTracerSpans(t *testing.T) {
	cfg := DefaultConfig().Tracing
	cfg.Enabled = true
	cfg.Exporter = "none"
	tracer, err := NewTracer(cfg, "remoteman-test", "dev")
	if err != nil {
		t.Fatal(err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartCycleSpan(context.Background(), "run-1", "h1", true)
	if TraceID(ctx) == "" {
		t.Error("cycle span has no trace id")
	}
	_, job := tracer.StartJobSpan(ctx, "motd", "file")
	RecordError(job, errors.New("boom"))
	job.End()
	RecordSuccess(span)
	span.End()

	var nilTracer *Tracer
	ctx2, s := nilTracer.StartFetchSpan(context.Background(), "file:///jobs")
	s.End()
	if TraceID(ctx2) != "" {
		t.Error("nil tracer should not create spans")
	}
	if err := nilTracer.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := tel.WithContext(context.Background())
	if zerolog.Ctx(ctx) == nil {
		t.Error("logger not attached to context")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}

	cfg.Logging.Level = "bogus"
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("expected validation error")
	}
}
