package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/devpulse/devpulse/internal/engine"
	"github.com/devpulse/devpulse/internal/facade"
	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/internal/store"
)

// NewStatusCommand creates the one-shot status snapshot command.
func NewStatusCommand() *cobra.Command {
	var (
		configPath string
		details    bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a project status snapshot",
		Long: `Open the store, replay recent history through the analyzers, and
print the derived project state: current stage, methodology scores,
milestones, and queue statistics. No monitors or servers are started.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			result, err := oneShotStatus(cobraCmd.Context(), configPath, details)
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(result)
			}

			renderStatus(result)

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().BoolVar(&details, "details", false, "include recent activity")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON instead of tables")

	return cmd
}

// oneShotStatus spins up the pipeline without monitors or servers, lets
// the history replay warm the analyzers, and snapshots the status.
func oneShotStatus(ctx context.Context, configPath string, details bool) (map[string]any, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// One-shot reads never watch anything.
	cfg.FileMonitor.Enabled = false
	cfg.GitMonitor.Enabled = false

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Config:        cfg,
		Logger:        logger,
		DisableServer: true,
	})
	if err != nil {
		return nil, err
	}

	if err = eng.Start(ctx); err != nil {
		return nil, err
	}

	defer func() {
		_ = eng.Stop()
	}()

	// Give the replayed history a moment to flow through the analyzer
	// inboxes before the snapshot.
	time.Sleep(200 * time.Millisecond)

	result := eng.Facade().GetProjectStatus(ctx, details)
	if facade.IsFailure(result) {
		return nil, fmt.Errorf("status: %v", result["error"])
	}

	return result, nil
}

func printJSON(result map[string]any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	return encoder.Encode(result)
}

func renderStatus(result map[string]any) {
	stageName, _ := result["currentStage"].(string)
	if stageName == "" {
		stageName = "unknown"
	}

	confidence, _ := result["confidence"].(float64)

	bold := color.New(color.Bold)
	bold.Printf("Stage: %s", stageName)
	fmt.Printf("  (confidence %.0f%%)\n", confidence*100)

	if subs, ok := result["activeSubStages"].([]string); ok && len(subs) > 0 {
		fmt.Printf("Active sub-stages: %v\n", subs)
	}

	if scores, ok := result["methodologyScores"].(map[string]float64); ok && len(scores) > 0 {
		fmt.Println()
		renderScores(scores)
	}

	if monitors, ok := result["monitorsStatus"].([]facade.MonitorStatus); ok && len(monitors) > 0 {
		fmt.Println()
		renderMonitors(monitors)
	}

	if stats, ok := result["queueStats"].(map[string]queue.Stats); ok && len(stats) > 0 {
		fmt.Println()
		renderQueues(stats)
	}

	if activities, ok := result["recentActivity"].([]store.Activity); ok && len(activities) > 0 {
		fmt.Println()
		renderActivities(activities)
	}
}

func renderScores(scores map[string]float64) {
	tbl := newTable()
	tbl.AppendHeader(table.Row{"methodology", "score"})

	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		tbl.AppendRow(table.Row{name, fmt.Sprintf("%.2f", scores[name])})
	}

	fmt.Println(tbl.Render())
}

func renderMonitors(monitors []facade.MonitorStatus) {
	tbl := newTable()
	tbl.AppendHeader(table.Row{"monitor", "state"})

	for _, m := range monitors {
		state := m.State
		switch state {
		case "running":
			state = color.GreenString(state)
		case "failed":
			state = color.RedString(state)
		}

		tbl.AppendRow(table.Row{m.Name, state})
	}

	fmt.Println(tbl.Render())
}

func renderQueues(stats map[string]queue.Stats) {
	tbl := newTable()
	tbl.AppendHeader(table.Row{"queue", "pending", "bytes", "processed", "failed", "dropped"})

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		s := stats[name]
		tbl.AppendRow(table.Row{
			name, s.Pending, humanize.Bytes(uint64(s.Bytes)), s.Processed, s.Failed, s.DroppedCount,
		})
	}

	fmt.Println(tbl.Render())
}

func renderActivities(activities []store.Activity) {
	tbl := newTable()
	tbl.AppendHeader(table.Row{"when", "category", "severity", "summary"})

	for _, a := range activities {
		when := humanize.Time(time.UnixMilli(a.Timestamp))
		tbl.AppendRow(table.Row{when, a.Category, a.Severity, a.Summary})
	}

	fmt.Println(tbl.Render())
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false

	return tbl
}
