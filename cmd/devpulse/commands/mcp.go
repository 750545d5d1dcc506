package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/devpulse/devpulse/internal/engine"
	"github.com/devpulse/devpulse/internal/mcpserver"
	"github.com/devpulse/devpulse/pkg/observability"
	"github.com/devpulse/devpulse/pkg/version"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve insight tools over MCP stdio",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The server runs the full monitoring pipeline and exposes the insight
operations as tools agents can discover and invoke:
  - devpulse_project_status: stage, methodology, milestones, queue health
  - devpulse_metrics: aggregated development metrics with trends
  - devpulse_activity_log: newest activity entries with summaries
  - devpulse_bottlenecks: detected workflow impediments
  - devpulse_methodology: DDD/TDD/BDD/EDA adherence scores
  - devpulse_stage: lifecycle stage analysis
  - devpulse_ai_collaboration: assistant usage aggregates`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			providers, err := initMCPObservability(debug)
			if err != nil {
				return err
			}

			defer func() {
				shutdownErr := providers.Shutdown(context.Background())
				if shutdownErr != nil {
					providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
				}
			}()

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Stdout is the MCP transport; the stream listener stays off.
			eng, err := engine.New(engine.Options{
				Config:        cfg,
				Logger:        providers.Logger,
				Meter:         providers.Meter,
				DisableServer: true,
			})
			if err != nil {
				return err
			}

			if err = eng.Start(cobraCmd.Context()); err != nil {
				return err
			}

			defer func() {
				_ = eng.Stop()
			}()

			red, redErr := observability.NewREDMetrics(providers.Meter)
			if redErr != nil {
				return redErr
			}

			srv := mcpserver.NewServer(mcpserver.ServerDeps{
				Facade:  eng.Facade(),
				Logger:  providers.Logger,
				Metrics: red,
				Tracer:  providers.Tracer,
			})

			return srv.Run(cobraCmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging to stderr")

	return cmd
}

func initMCPObservability(debug bool) (observability.Providers, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version.Version
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	cfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	cfg.Mode = observability.ModeMCP
	cfg.LogJSON = true

	if debug {
		cfg.LogLevel = slog.LevelDebug
		cfg.DebugTrace = true
	}

	return observability.Init(cfg)
}
