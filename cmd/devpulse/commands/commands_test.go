package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/pkg/event"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tc := range cases {
		level, err := parseLevel(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, level)
	}

	_, err := parseLevel("loud")
	require.ErrorIs(t, err, ErrConfig)
}

func TestBuildLoggerWritesToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "devpulse.log")

	logger, err := buildLogger(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("pipeline ready", "component", "test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipeline ready")
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultRetentionDays, cfg.Storage.RetentionDays)
}

func TestLoadConfigRejectsBadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  retentionDays: -3\n"), 0o644))

	_, err := loadConfig(path)
	require.ErrorIs(t, err, ErrConfig)
}

func TestExportCommandWritesJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "devpulse.db")

	st, err := store.Open(store.Options{Path: dbPath})
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UnixMilli()

	for i := range 3 {
		evt := event.New("file:modified", event.CategoryFile, event.SeverityInfo, "filemon", map[string]any{
			"action": "modify",
			"path":   "main.go",
		})
		evt.Timestamp = now - int64(i)*1000

		require.NoError(t, st.Append(ctx, evt))
	}

	require.NoError(t, st.Close())

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  path: "+dbPath+"\n"), 0o644))

	outPath := filepath.Join(dir, "events.jsonl")

	cmd := NewExportCommand()
	cmd.SetArgs([]string{"--config", cfgPath, "--since", "1h", "--output", outPath})

	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "file:modified")
}

func TestExportCommandRejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	cmd := NewExportCommand()
	cmd.SetArgs([]string{"--category", "weather"})

	err := cmd.Execute()
	require.ErrorIs(t, err, ErrConfig)
}
