// Package telemetry wires OpenTelemetry tracing and metrics for taskd.
//
// Telemetry is disabled by default. When enabled it exports traces and
// metrics over OTLP (gRPC or HTTP/protobuf) and installs the W3C trace
// context propagator globally.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger)
//	defer tel.Shutdown(context.Background())
//	tracer := tel.Tracer("github.com/fyrsmithlabs/taskd/internal/orchestrator")
package telemetry
