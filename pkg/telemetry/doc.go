// Package telemetry provides observability instrumentation for the event generator.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at startup from the run configuration:
//
//	tel, err := telemetry.NewTelemetry(telemetry.FromRunConfig(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.Start(); err != nil {
//	    return err
//	}
//
// # Structured Logging
//
// Loggers carry the run, worker and event identity:
//
//	log := tel.Logger.WithRunID(runID).WithWorker(0, 4).WithEvent(8)
//	log.Info("Generating event 3 out of 10")
//
// Library packages take a plain zerolog.Logger, obtained with Logger.Zerolog.
//
// # Tracing
//
// Every worker run gets a root span; each event gets a child span with stage
// spans for the attempt loop, the evolution and the finalize step. Spans are
// exported to stdout or an OTLP gRPC collector.
//
// # Metrics
//
// Metrics live in a private registry. They can be served over HTTP while the
// run is going and are written to a textfile at shutdown, which suits batch
// schedulers where the process is gone before anything can scrape it. All
// recording methods are no-ops on disabled or nil metrics.
package telemetry
