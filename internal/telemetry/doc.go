// Package telemetry sets up OpenTelemetry tracing and metrics for harvest
// runs.
//
// # Usage
//
//	cfg := telemetry.NewDefaultConfig()
//	cfg.Enabled = true
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// New installs the providers globally, so otel.Tracer and otel.Meter pick
// them up. The harvest pipeline records one span per run, per worker and
// per repository.
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sample_rate: 1.0
//	  metrics_enabled: true
//	  export_interval: "15s"
//
// # Error Handling
//
// Exporter setup failures do not fail the run. The instance is marked
// degraded and the global no-op providers stay in place.
//
// # Testing
//
// NewTestTelemetry records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "harvest.run")
//	span.End()
//	tt.AssertSpanExists(t, "harvest.run")
package telemetry
