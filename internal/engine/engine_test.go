package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/bus"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/engine"
	"github.com/devpulse/devpulse/pkg/event"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()

	return &config.Config{
		Storage: config.StorageConfig{
			Path:          filepath.Join(dir, "devpulse.db"),
			RetentionDays: 7,
		},
		Queues: config.QueuesConfig{
			AutoRouting: true,
			Named: map[string]config.QueueConfig{
				"default": {BatchSize: 5, FlushIntervalMs: 50},
			},
		},
		Stage: config.StageConfig{
			ConfidenceThreshold: 0.4,
		},
		Stream: config.StreamConfig{
			Port: 0,
		},
	}
}

func startEngine(t *testing.T) *engine.Engine {
	t.Helper()

	eng, err := engine.New(engine.Options{
		Config:        testConfig(t),
		DisableServer: true,
	})
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))

	return eng
}

func fileModified(path string) *event.Event {
	return event.New("file:modified", event.CategoryFile, event.SeverityInfo, "filemon", map[string]any{
		"action": "modify",
		"path":   path,
	})
}

func TestEnginePersistsPublishedEvents(t *testing.T) {
	t.Parallel()

	eng := startEngine(t)

	t.Cleanup(func() { _ = eng.Stop() })

	publish(t, eng, fileModified("internal/server/handler.go"))

	start := time.Now().Add(-time.Minute).UnixMilli()
	end := time.Now().Add(time.Minute).UnixMilli()

	require.Eventually(t, func() bool {
		events, ferr := eng.Store().FindByTimeRange(context.Background(), start, end, nil)

		return ferr == nil && len(events) >= 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEngineDerivesActivities(t *testing.T) {
	t.Parallel()

	eng := startEngine(t)

	t.Cleanup(func() { _ = eng.Stop() })

	publish(t, eng, fileModified("pkg/api/routes.go"))
	publish(t, eng, event.New("git:commit", event.CategoryGit, event.SeverityInfo, "gitmon", map[string]any{
		"action":  "commit",
		"message": "feat(auth): add login",
	}))

	require.Eventually(t, func() bool {
		activities, err := eng.Store().RecentActivities(context.Background(), 10, "")

		return err == nil && len(activities) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	activities, err := eng.Store().RecentActivities(context.Background(), 10, "")
	require.NoError(t, err)

	summaries := make([]string, 0, len(activities))
	for _, a := range activities {
		summaries = append(summaries, a.Summary)
	}

	// Event types render as readable labels, not raw "git:commit" tags.
	assert.Contains(t, summaries, "File modified pkg/api/routes.go")
	assert.Contains(t, summaries, "Git commit: feat(auth): add login")
}

func TestEngineFacadeSeesPipeline(t *testing.T) {
	t.Parallel()

	eng := startEngine(t)

	t.Cleanup(func() { _ = eng.Stop() })

	publish(t, eng, fileModified("internal/server/handler.go"))

	result := eng.Facade().GetProjectStatus(context.Background(), false)
	require.NotContains(t, result, "error")
	assert.Contains(t, result, "currentStage")

	monitors, ok := result["monitorsStatus"]
	require.True(t, ok)
	assert.NotNil(t, monitors)
}

func TestEngineStopWritesSnapshot(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	eng, err := engine.New(engine.Options{Config: cfg, DisableServer: true})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	publish(t, eng, fileModified("main.go"))

	time.Sleep(200 * time.Millisecond)

	require.NoError(t, eng.Stop())

	_, err = os.Stat(filepath.Join(filepath.Dir(cfg.Storage.Path), "engine-state.json"))
	require.NoError(t, err)
}

func TestEngineRestartReplaysHistory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)

	eng, err := engine.New(engine.Options{Config: cfg, DisableServer: true})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	// Enough backend evidence to establish a stage.
	for range 20 {
		publish(t, eng, fileModified("internal/server/handler.go"))
	}

	require.Eventually(t, func() bool {
		events, ferr := eng.Store().FindByTimeRange(
			context.Background(),
			time.Now().Add(-time.Minute).UnixMilli(),
			time.Now().Add(time.Minute).UnixMilli(),
			nil,
		)

		return ferr == nil && len(events) >= 20
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, eng.Stop())

	// A fresh engine over the same storage must rebuild analyzer state
	// from history.
	eng2, err := engine.New(engine.Options{Config: cfg, DisableServer: true})
	require.NoError(t, err)
	require.NoError(t, eng2.Start(context.Background()))

	t.Cleanup(func() { _ = eng2.Stop() })

	require.Eventually(t, func() bool {
		result := eng2.Facade().AnalyzeStage(context.Background())

		stage, _ := result["currentStage"].(string)

		return stage != "" && stage != "idle"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestEngineSignalsStorageDegraded(t *testing.T) {
	t.Parallel()

	eng := startEngine(t)

	t.Cleanup(func() { _ = eng.Stop() })

	var degraded atomic.Bool

	eng.Bus().Subscribe(event.TypeStorageDegraded, func(*event.Event) error {
		degraded.Store(true)

		return nil
	}, bus.SubscribeOptions{})

	// Closing the store makes every batch append fail; the first failure
	// must surface as a storage_degraded event on the bus.
	require.NoError(t, eng.Store().Close())

	for range 10 {
		publish(t, eng, fileModified("main.go"))
	}

	require.Eventually(t, degraded.Load, 5*time.Second, 50*time.Millisecond)
}

func TestEngineRunStopsWhenPersistenceDies(t *testing.T) {
	t.Parallel()

	eng, err := engine.New(engine.Options{Config: testConfig(t), DisableServer: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- eng.Run(ctx) }()

	require.Eventually(t, func() bool {
		return eng.Store() != nil && !eng.Store().Degraded()
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, eng.Store().Close())

	// Keep feeding the dead store until the consecutive-failure ceiling
	// escalates to a fatal shutdown.
	go func() {
		for range 200 {
			_, _ = eng.Bus().Publish(fileModified("main.go"), bus.PublishOptions{})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case runErr := <-done:
		require.Error(t, runErr)
		assert.Contains(t, runErr.Error(), "persistence non-functional")
	case <-ctx.Done():
		t.Fatal("engine did not stop on persistent append failures")
	}
}

func publish(t *testing.T, eng *engine.Engine, e *event.Event) {
	t.Helper()

	_, err := eng.Bus().Publish(e, bus.PublishOptions{})
	require.NoError(t, err)
}
