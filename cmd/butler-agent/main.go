package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autonomous-butler/butler-core/internal/agent"
	"github.com/autonomous-butler/butler-core/internal/agents"
	"github.com/autonomous-butler/butler-core/internal/telemetry"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "butler-agent",
		Short:         "Remote executor for butler's http agent backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		level, err := zerolog.ParseLevel(levelStr)
		if err != nil || levelStr == "" {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "butler-agent %s\n", version)
		},
	})
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /v0/heartbeat and /v0/run",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("listen")
			command, _ := cmd.Flags().GetString("command")
			cmdArgs, _ := cmd.Flags().GetStringSlice("arg")
			workDir, _ := cmd.Flags().GetString("workdir")
			fatal, _ := cmd.Flags().GetIntSlice("fatal-exit-code")
			metrics, _ := cmd.Flags().GetBool("metrics")

			collector := telemetry.InitGlobal(metrics)
			srv := &agent.Server{Version: version, Token: agent.TokenFromEnv()}
			if metrics {
				srv.Metrics = collector.Handler()
			}
			if command != "" {
				srv.Backend = &agents.ExecBackend{Command: command, Args: cmdArgs, WorkDir: workDir, FatalExitCodes: fatal}
			}
			if srv.Token == "" {
				log.Warn().Msg("BUTLER_AGENT_TOKEN not set, requests are not authenticated")
			}

			tlsCfg := agent.LoadMTLSConfig()
			if v, _ := cmd.Flags().GetString("tls-cert"); v != "" {
				tlsCfg.ServerCert = v
			}
			if v, _ := cmd.Flags().GetString("tls-key"); v != "" {
				tlsCfg.ServerKey = v
			}
			if v, _ := cmd.Flags().GetString("client-ca"); v != "" {
				tlsCfg.ClientCACert = v
				tlsCfg.RequireAuth = true
			}

			errc := make(chan error, 1)
			go func() {
				if tlsCfg.ServerCert != "" {
					errc <- srv.ListenAndServeTLS(addr, tlsCfg)
					return
				}
				errc <- srv.ListenAndServe(addr)
			}()

			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
			}
			log.Info().Msg("butler-agent shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().String("listen", ":8088", "listen address")
	cmd.Flags().String("command", "", "command run for each action (noop acknowledgements when empty)")
	cmd.Flags().StringSlice("arg", nil, "argument passed to the command (repeatable)")
	cmd.Flags().String("workdir", "", "working directory for the command")
	cmd.Flags().IntSlice("fatal-exit-code", nil, "exit codes reported as non-retryable")
	cmd.Flags().String("tls-cert", "", "TLS certificate (or BUTLER_AGENT_TLS_CERT)")
	cmd.Flags().String("tls-key", "", "TLS key (or BUTLER_AGENT_TLS_KEY)")
	cmd.Flags().String("client-ca", "", "require client certificates signed by this CA")
	cmd.Flags().Bool("metrics", false, "record request metrics and serve them on /metrics")
	return cmd
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
