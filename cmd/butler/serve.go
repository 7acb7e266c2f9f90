package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autonomous-butler/butler-core/internal/agents"
	"github.com/autonomous-butler/butler-core/internal/core"
	"github.com/autonomous-butler/butler-core/internal/server"
	"github.com/autonomous-butler/butler-core/internal/telemetry"
)

const shutdownGrace = 15 * time.Second

// Run the orchestrator and its API
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, API server and monitoring listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Server.Listen = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen", "", "API listen address (overrides server.listen)")
	return cmd
}

func serve(ctx context.Context, cfg core.Config) error {
	collector := telemetry.InitGlobal(cfg.Telemetry.Enabled)

	o := core.New(cfg.OrchestratorOptions())
	if err := agents.RegisterAll(o, cfg, nil); err != nil {
		return err
	}

	var store *core.Store
	if cfg.Store.Enabled {
		var err error
		if store, err = core.NewStore(cfg.Store.Path); err != nil {
			return err
		}
		defer store.Close()
	}

	if collector.Enabled() {
		if err := collector.Register(telemetry.NewStatusCollector(o)); err != nil {
			return fmt.Errorf("register status collector: %w", err)
		}
	}
	// Subscribe before Start so no transition is missed. The recorders run
	// until Shutdown closes the event bus, so the abandonments it causes are
	// recorded too.
	recorders := recordEvents(o, store, collector)

	g, gctx := errgroup.WithContext(ctx)
	o.Start()

	api := server.New(o, store, version)
	g.Go(func() error {
		return api.ListenAndServe(cfg.Server.Listen)
	})

	var monitor *telemetry.MonitoringServer
	if cfg.Telemetry.Enabled && cfg.Telemetry.Listen != "" {
		monitor = telemetry.NewMonitoringServer(cfg.Telemetry.Listen, collector)
		for name, check := range telemetry.DefaultHealthChecks() {
			monitor.RegisterHealthCheck(name, check)
		}
		monitor.RegisterHealthCheck("orchestrator", telemetry.CheckFunc("orchestrator", o.Health))
		if store != nil {
			monitor.RegisterHealthCheck("store", telemetry.CheckFunc("store", store.Ping))
		}
		g.Go(monitor.Start)
		g.Go(func() error {
			return telemetry.NewPerformanceMonitor(collector, 0).Run(gctx)
		})
	}

	log.Info().
		Str("listen", cfg.Server.Listen).
		Int("agents", len(o.Agents())).
		Bool("store", store != nil).
		Bool("telemetry", collector.Enabled()).
		Msg("Butler started")

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Butler shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("API shutdown")
		}
		if monitor != nil {
			if err := monitor.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Monitoring shutdown")
			}
		}
		return o.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	_ = recorders.Wait()
	return err
}

// recordEvents feeds orchestrator events to the history store and the metrics
// collector. The returned group finishes once the event bus is closed and
// every buffered event has been handled.
func recordEvents(o *core.Orchestrator, store *core.Store, collector *telemetry.Collector) *errgroup.Group {
	var g errgroup.Group
	if store != nil {
		events, _ := o.Subscribe(1024)
		g.Go(func() error {
			store.Consume(context.Background(), events)
			return nil
		})
	}
	if collector != nil && collector.Enabled() {
		events, _ := o.Subscribe(1024)
		g.Go(func() error {
			telemetry.Consume(context.Background(), collector, events)
			return nil
		})
	}
	return &g
}
