package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/pkg/event"
)

// NewExportCommand creates the event dump command.
func NewExportCommand() *cobra.Command {
	var (
		configPath string
		since      time.Duration
		category   string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "export-events",
		Short: "Dump stored events as JSON lines",
		Long: `Read the embedded store and write one JSON object per line for
every event in the window, oldest first. Useful for piping into jq or
archiving before a retention prune.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			var filter *store.Filter

			if category != "" {
				cat := event.Category(category)
				if !event.KnownCategory(cat) {
					return fmt.Errorf("%w: unknown category %q", ErrConfig, category)
				}

				filter = &store.Filter{Categories: []event.Category{cat}}
			}

			out := io.Writer(os.Stdout)

			if output != "" {
				file, ferr := os.Create(output)
				if ferr != nil {
					return fmt.Errorf("create output: %w", ferr)
				}

				defer func() {
					_ = file.Close()
				}()

				out = file
			}

			st, err := store.Open(store.Options{Path: cfg.Storage.Path})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}

			defer func() {
				_ = st.Close()
			}()

			now := time.Now()
			start := now.Add(-since).UnixMilli()

			events, err := st.FindByTimeRange(cobraCmd.Context(), start, now.UnixMilli(), filter)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}

			encoder := json.NewEncoder(out)

			for _, evt := range events {
				if err = encoder.Encode(evt); err != nil {
					return fmt.Errorf("write event %s: %w", evt.ID, err)
				}
			}

			fmt.Fprintf(os.Stderr, "exported %d events\n", len(events))

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "window reaching back from now")
	cmd.Flags().StringVar(&category, "category", "", "restrict to one event category")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")

	return cmd
}
