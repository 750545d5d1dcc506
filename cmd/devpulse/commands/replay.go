package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devpulse/devpulse/internal/engine"
	"github.com/devpulse/devpulse/internal/facade"
)

// NewReplayCommand creates the history re-analysis command.
func NewReplayCommand() *cobra.Command {
	var (
		configPath string
		settle     time.Duration
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run analyzers over stored history",
		Long: `Feed stored events back through the analyzers and print the
re-derived stage and methodology state. The store itself is not
modified; this is a read-only reconstruction.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			return runReplay(cobraCmd.Context(), configPath, settle, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "time to let replayed events drain")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON instead of text")

	return cmd
}

func runReplay(ctx context.Context, configPath string, settle time.Duration, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	cfg.FileMonitor.Enabled = false
	cfg.GitMonitor.Enabled = false

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Config:        cfg,
		Logger:        logger,
		DisableServer: true,
	})
	if err != nil {
		return err
	}

	if err = eng.Start(ctx); err != nil {
		return err
	}

	defer func() {
		_ = eng.Stop()
	}()

	time.Sleep(settle)

	stageResult := eng.Facade().AnalyzeStage(ctx)
	if facade.IsFailure(stageResult) {
		return fmt.Errorf("replay: %v", stageResult["error"])
	}

	methodologyResult := eng.Facade().CheckMethodology(ctx, "all")

	combined := map[string]any{
		"stage":       stageResult,
		"methodology": methodologyResult,
	}

	if asJSON {
		return printJSON(combined)
	}

	fmt.Printf("Reconstructed stage: %v (confidence %.0f%%)\n",
		stageResult["currentStage"], toFloat(stageResult["confidence"])*100)

	if transitions, ok := stageResult["transitions"]; ok {
		fmt.Printf("Transitions: %v\n", transitions)
	}

	if dominant, ok := methodologyResult["dominant"]; ok && dominant != "" {
		fmt.Printf("Dominant methodology: %v\n", dominant)
	}

	return nil
}

func toFloat(v any) float64 {
	f, _ := v.(float64)

	return f
}
