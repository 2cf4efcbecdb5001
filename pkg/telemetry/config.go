package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for the agent.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `toml:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `toml:"service_version"`

	Logging LoggingConfig `toml:"logging"`
	Tracing TracingConfig `toml:"tracing"`
	Metrics MetricsConfig `toml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `toml:"level"`

	// Format specifies the log format (console, json).
	Format string `toml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `toml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `toml:"enable_caller"`

	// EnableSampling enables log sampling for high-frequency logs.
	EnableSampling bool `toml:"enable_sampling"`

	// SamplingInitial is the number of messages logged per second initially.
	SamplingInitial int `toml:"sampling_initial"`

	// SamplingThereafter logs every Nth message after the initial sample.
	SamplingThereafter int `toml:"sampling_thereafter"`

	// TimeFormat specifies the timestamp format (unix, unixms, rfc3339).
	TimeFormat string `toml:"time_format"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `toml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `toml:"exporter"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `toml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `toml:"sampling_rate"`

	MaxExportBatchSize int           `toml:"max_export_batch_size"`
	ExportTimeout      time.Duration `toml:"export_timeout"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `toml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `toml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// ListenAddress is the address of the status endpoint serving /metrics.
	// Empty disables the endpoint but keeps collection.
	ListenAddress string `toml:"listen_address"`

	// Namespace is the metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `toml:"histogram_buckets"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "remoteman",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "remoteman",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
			},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
