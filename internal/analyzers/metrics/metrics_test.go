package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/analyzers/metrics"
	"github.com/devpulse/devpulse/pkg/event"
)

func commitEvent(ts int64, adds, dels int) *event.Event {
	evt := event.New("git:commit", event.CategoryGit, event.SeverityInfo, "git-mon", map[string]any{
		"action": "commit",
		"stats":  map[string]any{"adds": adds, "dels": dels, "files": 1},
	})
	evt.Timestamp = ts

	return evt
}

func testRun(ts int64, status string, durationMs float64) *event.Event {
	evt := event.New("test:run", event.CategoryTest, event.SeverityInfo, "test-runner", map[string]any{
		"status":      status,
		"duration_ms": durationMs,
	})
	evt.Timestamp = ts

	return evt
}

func modifyEvent(ts int64, path string) *event.Event {
	evt := event.New("file:modified", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
		"action": "modify",
		"path":   path,
	})
	evt.Timestamp = ts

	return evt
}

func TestSeriesSummary(t *testing.T) {
	t.Parallel()

	s := metrics.NewSeries("x", metrics.KindPerformance)

	for i, v := range []float64{2, 4, 6} {
		s.Add(int64(i), v)
	}

	summary := s.Summary()
	assert.Equal(t, 3, summary.Count)
	assert.InDelta(t, 4.0, summary.Mean, 0.001)
	assert.InDelta(t, 2.0, summary.Min, 0.001)
	assert.InDelta(t, 6.0, summary.Max, 0.001)
	assert.InDelta(t, 4.0, summary.Median, 0.001)
	assert.InDelta(t, 6.0, summary.Last, 0.001)
	assert.InDelta(t, 4.0, summary.Previous, 0.001)
	// Fewer than four samples cannot establish a direction.
	assert.Equal(t, metrics.TrendFlat, summary.Trend)
}

func TestSeriesSummaryTrend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		values []float64
		want   string
	}{
		{"rising", []float64{1, 1, 1, 1, 5, 5, 5, 5}, metrics.TrendUp},
		{"falling", []float64{5, 5, 5, 5, 1, 1, 1, 1}, metrics.TrendDown},
		{"steady", []float64{3, 3, 3, 3, 3, 3, 3, 3}, metrics.TrendFlat},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := metrics.NewSeries("x", metrics.KindPerformance)
			for i, v := range tc.values {
				s.Add(int64(i), v)
			}

			assert.Equal(t, tc.want, s.Summary().Trend)
		})
	}
}

func TestSeriesSummaryMedianEvenCount(t *testing.T) {
	t.Parallel()

	s := metrics.NewSeries("x", metrics.KindPerformance)

	for i, v := range []float64{10, 2, 8, 4} {
		s.Add(int64(i), v)
	}

	summary := s.Summary()
	assert.InDelta(t, 6.0, summary.Median, 0.001)
	assert.InDelta(t, 8.0, summary.Previous, 0.001)
}

func TestCollectorDerivesSeries(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(nil, nil)

	base := int64(1_000_000)
	c.Consume(commitEvent(base, 100, 20))
	c.Consume(testRun(base+1, "passed", 1500))
	c.Consume(testRun(base+2, "failed", 2500))

	summaries := c.Summaries()
	assert.Equal(t, 1, summaries[metrics.SeriesCommits].Count)
	assert.InDelta(t, 120.0, summaries[metrics.SeriesLinesChanged].Last, 0.001)
	assert.InDelta(t, 0.5, summaries[metrics.SeriesTestPass].Mean, 0.001)
	assert.InDelta(t, 2500.0, summaries[metrics.SeriesTestTime].Last, 0.001)
}

func TestThresholdBottleneck(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(nil, nil)

	base := int64(1_000_000)
	c.Consume(testRun(base, "passed", 90_000))

	maxMs := 60_000.0
	d := metrics.NewDetector(c, metrics.DetectorOptions{
		Thresholds: map[string]metrics.Threshold{
			metrics.SeriesTestTime: {Max: &maxMs},
		},
	})

	d.Detect(base + 1)

	bottlenecks := d.Bottlenecks()
	require.Len(t, bottlenecks, 1)
	assert.Equal(t, metrics.BottleneckThreshold, bottlenecks[0].Type)
	assert.Equal(t, metrics.SeriesTestTime, bottlenecks[0].Metric)
	assert.NotEmpty(t, bottlenecks[0].Suggestion)
}

func TestTriggerRunsDetectionBetweenTicks(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(nil, nil)
	c.Consume(testRun(time.Now().UnixMilli(), "passed", 90_000))

	maxMs := 60_000.0
	d := metrics.NewDetector(c, metrics.DetectorOptions{
		AnalyzeInterval: time.Hour,
		Thresholds: map[string]metrics.Threshold{
			metrics.SeriesTestTime: {Max: &maxMs},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Start(ctx)
	defer d.Stop()

	// The hour-long interval has not elapsed; only the trigger can
	// surface the threshold breach.
	d.Trigger()

	require.Eventually(t, func() bool {
		return len(d.Bottlenecks()) == 1
	}, 30*time.Second, 10*time.Millisecond)
}

func TestDedupCooldownBumpsFrequency(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(nil, nil)
	c.Consume(testRun(1_000_000, "passed", 90_000))

	maxMs := 60_000.0
	d := metrics.NewDetector(c, metrics.DetectorOptions{
		Thresholds:    map[string]metrics.Threshold{metrics.SeriesTestTime: {Max: &maxMs}},
		DedupCooldown: 10 * time.Minute,
	})

	d.Detect(1_000_001)
	d.Detect(1_030_000)

	bottlenecks := d.Bottlenecks()
	require.Len(t, bottlenecks, 1)
	assert.Equal(t, 2, bottlenecks[0].Frequency)
	assert.Equal(t, int64(1_030_000), bottlenecks[0].LastOccurredAt)
	assert.Equal(t, int64(1_000_001), bottlenecks[0].FirstOccurredAt)
}

func TestHotspotDetection(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(nil, nil)

	base := int64(1_000_000)
	for i := range 12 {
		c.Consume(modifyEvent(base+int64(i)*1000, "internal/hot/path.go"))
	}

	d := metrics.NewDetector(c, metrics.DetectorOptions{HotspotPerHour: 10})
	d.Detect(base + 60_000)

	bottlenecks := d.Bottlenecks()
	require.Len(t, bottlenecks, 1)
	assert.Equal(t, metrics.BottleneckHotspot, bottlenecks[0].Type)
	assert.Equal(t, "internal/hot/path.go", bottlenecks[0].Metric)
}

func TestStuckStage(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(nil, nil)

	now := int64(100_000_000)

	d := metrics.NewDetector(c, metrics.DetectorOptions{
		StuckCeiling: time.Hour,
		StageStatus: func() metrics.StageStatus {
			return metrics.StageStatus{Stage: "coding", EnteredAt: now - 2*time.Hour.Milliseconds(), Progress: 40}
		},
	})

	d.Detect(now)

	bottlenecks := d.Bottlenecks()
	require.Len(t, bottlenecks, 1)
	assert.Equal(t, metrics.BottleneckStuckStage, bottlenecks[0].Type)
}

func TestBacklogAndErrorRate(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector(nil, nil)

	d := metrics.NewDetector(c, metrics.DetectorOptions{
		BacklogLimit:        100,
		ErrorRateLimit:      10,
		QueueBacklog:        func() int { return 500 },
		SubscriberErrorRate: func() float64 { return 25 },
	})

	d.Detect(1_000_000)

	kinds := make(map[string]bool)
	for _, b := range d.Bottlenecks() {
		kinds[b.Type] = true
	}

	assert.True(t, kinds[metrics.BottleneckBacklog])
	assert.True(t, kinds[metrics.BottleneckErrors])
}
