package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/r3e-network/workflowengine/internal/telemetry"
)

func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceName = "workflowengine"
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("engine started")

	// Output can vary, so we don't specify output for this example
}

func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.RecordSessionStarted("scheduler")

	start := time.Now()
	time.Sleep(5 * time.Millisecond)
	duration := time.Since(start)

	tel.Metrics.RecordSessionCompleted("succeeded", duration)
	tel.Metrics.RecordHandlerRun("producer", "committed", "executing", 3*time.Millisecond)
	tel.Metrics.RecordMutation("applied")
	tel.Metrics.RecordError("network")

	fmt.Println("metrics recorded successfully")
	// Output: metrics recorded successfully
}

func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("event: %s - %s\n", event.Type, event.Message)
	}, nil)

	tel.Events.PublishSessionStarted("session-1", "workflow-1")

	// Output varies due to async delivery, no output specified
}

func Example_sessionInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	// Keep log lines and exported spans off stdout so only the final
	// Println is compared against the Output line below.
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Exporter = "none"
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	sessionID := "session-1"
	ctx = telemetry.WithSessionContext(ctx, sessionID, "workflow-1")

	logger := telemetry.FromContext(ctx)
	logger.Info("session executing")

	telemetry.EndSessionContext(ctx, sessionID, "committed", nil)

	fmt.Println("session instrumentation complete")
	// Output: session instrumentation complete
}
