package commands

import (
	"context"
	"fmt"

	"github.com/r3e-network/workflowengine/internal/engineapi"
	"github.com/r3e-network/workflowengine/internal/eventbus"
	"github.com/r3e-network/workflowengine/internal/handler"
	"github.com/r3e-network/workflowengine/internal/mutation"
	"github.com/r3e-network/workflowengine/internal/sandbox"
	"github.com/r3e-network/workflowengine/internal/scheduler"
	"github.com/r3e-network/workflowengine/internal/session"
	"github.com/r3e-network/workflowengine/internal/store"
	"github.com/r3e-network/workflowengine/internal/store/sqlite"
	"github.com/r3e-network/workflowengine/internal/telemetry"
	"github.com/r3e-network/workflowengine/internal/tool"
)

// app bundles every wired component a command needs, built once from
// the resolved Config.
type app struct {
	Store     store.Store
	Bus       *eventbus.Bus
	Ledger    *mutation.Ledger
	Sandbox   *sandbox.Sandbox
	Tools     *tool.Registry
	Handlers  *handler.Engine
	Orch      *session.Orchestrator
	Scheduler *scheduler.Scheduler
	API       *engineapi.API
	Telemetry *telemetry.Telemetry
}

// newApp opens the SQLite store and wires every engine layer on top of
// it, in the same leaves-first order the packages depend on each other.
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := sqlite.Open(ctx, sqlite.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New(st)
	ledger := mutation.New(st, tel)
	sb := sandbox.New(ctx)
	tools := tool.NewRegistry()
	tool.RegisterBuiltins(tools)
	eng := handler.New(st, bus, ledger, sb, tools, tel)
	orch := session.New(st, bus, eng, ledger, tel)
	sched := scheduler.New(st, orch, tel)
	api := engineapi.New(st)

	return &app{
		Store:     st,
		Bus:       bus,
		Ledger:    ledger,
		Sandbox:   sb,
		Tools:     tools,
		Handlers:  eng,
		Orch:      orch,
		Scheduler: sched,
		API:       api,
		Telemetry: tel,
	}, nil
}

// openApp is the shared boilerplate every subcommand uses to load
// config and wire the app in one step.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func (a *app) Close(ctx context.Context) error {
	_ = a.Sandbox.Close(ctx)
	return a.Store.Close()
}

func telemetryConfig(cfg *Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = "workflowengine"
	tc.Logging.Level = cfg.Log.Level
	tc.Logging.Format = cfg.Log.Format
	return tc
}
