package facade_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/analyzers/aiusage"
	"github.com/devpulse/devpulse/internal/analyzers/methodology"
	"github.com/devpulse/devpulse/internal/analyzers/metrics"
	"github.com/devpulse/devpulse/internal/analyzers/stage"
	"github.com/devpulse/devpulse/internal/bus"
	"github.com/devpulse/devpulse/internal/facade"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/pkg/event"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "devpulse.db")})
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func TestGetMetricsRejectsBadArguments(t *testing.T) {
	t.Parallel()

	f := facade.New(facade.Options{Collector: metrics.NewCollector(nil, nil)})

	result := f.GetMetrics(context.Background(), "2y", "all")
	require.True(t, facade.IsFailure(result))

	payload := result["error"].(map[string]any)
	assert.Equal(t, facade.KindInvalidArgument, payload["kind"])
	assert.Contains(t, payload["message"], "2y")

	result = f.GetMetrics(context.Background(), "1h", "everything")
	require.True(t, facade.IsFailure(result))
}

func TestGetMetricsAggregates(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector(nil, nil)
	now := time.Now()

	for i, status := range []string{"passed", "passed", "failed", "passed"} {
		evt := event.New("test:run", event.CategoryTest, event.SeverityInfo, "runner", map[string]any{
			"status": status,
		})
		evt.Timestamp = now.Add(time.Duration(i-10) * time.Minute).UnixMilli()
		collector.Consume(evt)
	}

	f := facade.New(facade.Options{
		Collector: collector,
		Now:       func() time.Time { return now },
	})

	result := f.GetMetrics(context.Background(), "1h", "tests")
	require.False(t, facade.IsFailure(result))

	perKind := result["perKind"].(map[string]map[string]any)
	pass := perKind[metrics.SeriesTestPass]
	assert.Equal(t, 4, pass["count"])
	assert.InDelta(t, 0.75, pass["mean"].(float64), 0.001)

	period := result["period"].(map[string]any)
	assert.Equal(t, "1h", period["range"])
}

func TestGetActivityLogSummarizes(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()

	for i, category := range []event.Category{event.CategoryFile, event.CategoryFile, event.CategoryGit} {
		require.NoError(t, st.AppendActivity(ctx, &store.Activity{
			Category:  category,
			Severity:  event.SeverityInfo,
			Timestamp: base + int64(i)*1000,
			Summary:   "something happened",
		}))
	}

	f := facade.New(facade.Options{Store: st})

	result := f.GetActivityLog(ctx, 10, "")
	require.False(t, facade.IsFailure(result))

	summary := result["summary"].(map[string]any)
	byCategory := summary["byCategory"].(map[string]int)
	assert.Equal(t, 2, byCategory["file"])
	assert.Equal(t, 1, byCategory["git"])
	assert.Positive(t, summary["activityRate"].(float64))

	activities := result["activities"].([]store.Activity)
	require.Len(t, activities, 3)
	assert.Equal(t, event.CategoryGit, activities[0].Category)
}

func TestGetActivityLogRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	f := facade.New(facade.Options{Store: newStore(t)})

	result := f.GetActivityLog(context.Background(), 10, "weather")
	require.True(t, facade.IsFailure(result))
}

func TestCheckMethodologySelectsOne(t *testing.T) {
	t.Parallel()

	analyzer := methodology.New(nil)

	evt := event.New("file:added", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
		"action": "add",
		"path":   "internal/domain/order/aggregate.go",
	})
	evt.Timestamp = time.Now().UnixMilli()
	analyzer.Consume(evt)

	f := facade.New(facade.Options{Methodology: analyzer})

	result := f.CheckMethodology(context.Background(), methodology.DDD)
	require.False(t, facade.IsFailure(result))
	assert.Equal(t, methodology.DDD, result["methodology"])

	score := result["score"].(*methodology.Score)
	assert.Positive(t, score.Score)

	all := f.CheckMethodology(context.Background(), "all")
	require.False(t, facade.IsFailure(all))
	assert.Contains(t, all, "overall")

	bad := f.CheckMethodology(context.Background(), "agile")
	require.True(t, facade.IsFailure(bad))
}

func TestAnalyzeStageAndProjectStatus(t *testing.T) {
	t.Parallel()

	analyzer := stage.New(stage.Options{})

	base := time.Now().UnixMilli()

	for i := range 20 {
		evt := event.New("file:modified", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
			"action": "modify",
			"path":   "internal/server/handler.go",
		})
		evt.Timestamp = base + int64(i)*1000
		analyzer.Consume(evt)
	}

	f := facade.New(facade.Options{
		Stage: analyzer,
		Monitors: func() []facade.MonitorStatus {
			return []facade.MonitorStatus{{Name: "file-monitor", State: "running"}}
		},
	})

	stageResult := f.AnalyzeStage(context.Background())
	require.False(t, facade.IsFailure(stageResult))
	assert.NotEmpty(t, stageResult["currentStage"])

	status := f.GetProjectStatus(context.Background(), false)
	assert.Equal(t, stageResult["currentStage"], status["currentStage"])
	assert.NotContains(t, status, "recentActivity")

	monitors := status["monitorsStatus"].([]facade.MonitorStatus)
	require.Len(t, monitors, 1)
	assert.Equal(t, "running", monitors[0].State)
}

func TestAnalyzeAICollaboration(t *testing.T) {
	t.Parallel()

	analyzer := aiusage.New(aiusage.Options{})

	evt := event.New("ai:suggestion", event.CategoryAI, event.SeverityInfo, "assistant", map[string]any{
		"tool":     "copilot",
		"accepted": true,
		"lines":    10,
	})
	evt.Timestamp = time.Now().UnixMilli()
	analyzer.Consume(evt)

	f := facade.New(facade.Options{AIUsage: analyzer})

	result := f.AnalyzeAICollaboration(context.Background(), "copilot", "1d")
	require.False(t, facade.IsFailure(result))
	assert.Equal(t, 1, result["totalInteractions"])

	bad := f.AnalyzeAICollaboration(context.Background(), "", "forever")
	require.True(t, facade.IsFailure(bad))
}

func TestAnalyzeAICollaborationTimeRangeNarrows(t *testing.T) {
	t.Parallel()

	analyzer := aiusage.New(aiusage.Options{})

	old := time.Now().Add(-72 * time.Hour).UnixMilli()

	for i := range 3 {
		evt := event.New("ai:suggestion", event.CategoryAI, event.SeverityInfo, "assistant", map[string]any{
			"tool":     "copilot",
			"accepted": true,
			"lines":    5,
		})
		evt.Timestamp = old + int64(i)*1000
		analyzer.Consume(evt)
	}

	f := facade.New(facade.Options{AIUsage: analyzer})

	// The interactions are three days old; an hour-wide query must not
	// see them while a week-wide one does.
	narrow := f.AnalyzeAICollaboration(context.Background(), "", "1h")
	require.False(t, facade.IsFailure(narrow))
	assert.Equal(t, 0, narrow["totalInteractions"])

	wide := f.AnalyzeAICollaboration(context.Background(), "", "1w")
	require.False(t, facade.IsFailure(wide))
	assert.Equal(t, 3, wide["totalInteractions"])
}

func TestActivityLogReadFailureSignalsDegradedStore(t *testing.T) {
	t.Parallel()

	st := newStore(t)
	require.NoError(t, st.Close())

	validator, err := event.NewValidator(false)
	require.NoError(t, err)

	b := bus.New(validator, nil)

	var degraded atomic.Bool

	b.Subscribe(event.TypeStorageDegraded, func(*event.Event) error {
		degraded.Store(true)

		return nil
	}, bus.SubscribeOptions{})

	f := facade.New(facade.Options{Store: st, Bus: b})

	result := f.GetActivityLog(context.Background(), 10, "")
	require.True(t, facade.IsFailure(result))

	payload := result["error"].(map[string]any)
	assert.Equal(t, facade.KindStoreDegraded, payload["kind"])
	assert.True(t, degraded.Load())
}

func TestUnavailableComponentsFailStructured(t *testing.T) {
	t.Parallel()

	f := facade.New(facade.Options{})

	for _, result := range []map[string]any{
		f.GetMetrics(context.Background(), "1h", "all"),
		f.GetActivityLog(context.Background(), 10, ""),
		f.AnalyzeBottlenecks(context.Background()),
		f.CheckMethodology(context.Background(), "all"),
		f.AnalyzeStage(context.Background()),
		f.AnalyzeAICollaboration(context.Background(), "", ""),
	} {
		require.True(t, facade.IsFailure(result))

		payload := result["error"].(map[string]any)
		assert.Equal(t, facade.KindUnavailable, payload["kind"])
		assert.NotEmpty(t, payload["message"])
	}
}
