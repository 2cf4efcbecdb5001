// Package telemetry provides logging, tracing and metrics for the agent.
//
// Logging uses zerolog. Logs go to stderr by default because stdout carries
// the cycle report:
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//
// Tracing uses OpenTelemetry with otlp, stdout or no exporter. Each cycle gets
// a root span with child spans per fetched location and per job:
//
//	ctx, span := tracer.StartCycleSpan(ctx, runID, host, commit)
//	defer span.End()
//
// Metrics are Prometheus collectors on a private registry, exposed through
// Metrics.Handler:
//
//	remoteman_cycles_total{outcome}
//	remoteman_cycle_duration_seconds
//	remoteman_job_results_total{component,status}
//	remoteman_job_duration_seconds{component}
//	remoteman_fetch_errors_total{kind}
//	remoteman_jobs_loaded
//	remoteman_last_success_timestamp_seconds
//
// A nil or disabled *Metrics and a nil *Tracer are valid and record nothing.
package telemetry
