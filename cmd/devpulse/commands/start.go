package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"github.com/devpulse/devpulse/internal/engine"
	"github.com/devpulse/devpulse/pkg/observability"
	"github.com/devpulse/devpulse/pkg/version"
)

// NewStartCommand creates the long-running pipeline command.
func NewStartCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the monitoring pipeline",
		Long: `Start the full pipeline: monitors publish onto the event bus,
queues persist batches into the embedded store, analyzers derive stage,
methodology, assistant usage, and metrics, and the WebSocket server
streams live events. Runs until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger, err := buildLogger(cfg.Logging)
			if err != nil {
				return err
			}

			var meter metric.Meter

			if cfg.Observability.OTLPEndpoint != "" {
				obsCfg := observability.DefaultConfig()
				obsCfg.ServiceVersion = version.Version
				obsCfg.OTLPEndpoint = cfg.Observability.OTLPEndpoint
				obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
				obsCfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
				obsCfg.Mode = observability.ModeStart

				providers, initErr := observability.Init(obsCfg)
				if initErr != nil {
					return initErr
				}

				defer func() {
					shutdownErr := providers.Shutdown(context.Background())
					if shutdownErr != nil {
						logger.Warn("observability shutdown failed", "error", shutdownErr)
					}
				}()

				meter = providers.Meter
			}

			eng, err := engine.New(engine.Options{Config: cfg, Logger: logger, Meter: meter})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cobraCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return eng.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	return cmd
}
