// Package telemetry provides observability instrumentation for the workflow
// engine: structured logging (zerolog), distributed tracing (OpenTelemetry),
// metrics (Prometheus), and an async event-publishing system.
//
// Initialize telemetry once at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Component loggers and session/handler-run context helpers follow the
// WithSessionContext/EndSessionContext and WithHandlerRunContext/
// EndHandlerRunContext pairs: a session or handler run wrapped in one of
// these pairs produces one span, one set of metrics, and one lifecycle
// event pair. The session orchestrator and handler engine do not call
// these helpers.
package telemetry
