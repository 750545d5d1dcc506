// Package metrics maintains rolling time series derived from the event
// stream and detects bottlenecks: threshold crossings, trend anomalies,
// stuck stages, file hotspots, and unhealthy queue or bus state.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
)

// AnalyzerName identifies this analyzer.
const AnalyzerName = "metrics"

// Well-known series names.
const (
	SeriesCommits      = "commits"
	SeriesLinesChanged = "lines_changed"
	SeriesCoverage     = "coverage"
	SeriesTestPass     = "test_pass_rate"
	SeriesTestTime     = "test_exec_ms"
	SeriesBuildTime    = "build_time_ms"
	SeriesErrorRate    = "error_rate"
	SeriesPRs          = "prs"
	SeriesReviews      = "reviews"
)

// hotspotRetention bounds how long per-file modification timestamps are
// kept for hotspot detection.
const hotspotRetention = time.Hour

// Recorder persists samples to the metrics table. *store.Store
// satisfies it.
type Recorder interface {
	AppendMetric(ctx context.Context, metricID string, ts int64, value float64) error
}

// Collector is the metrics analyzer. Consume runs on the runner worker;
// queries snapshot under the read lock.
type Collector struct {
	log      *slog.Logger
	recorder Recorder

	mu       sync.RWMutex
	series   map[string]*Series
	fileMods map[string][]int64 // path -> modification timestamps (ms)
	highSev  []int64            // error/critical event timestamps
}

// NewCollector builds a collector with the well-known series installed.
func NewCollector(recorder Recorder, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		log:      logger.With("analyzer", AnalyzerName),
		recorder: recorder,
		series:   make(map[string]*Series),
		fileMods: make(map[string][]int64),
	}

	for name, kind := range map[string]string{
		SeriesCommits:      KindProductivity,
		SeriesLinesChanged: KindProductivity,
		SeriesCoverage:     KindProductivity,
		SeriesTestPass:     KindQuality,
		SeriesTestTime:     KindPerformance,
		SeriesBuildTime:    KindPerformance,
		SeriesErrorRate:    KindPerformance,
		SeriesPRs:          KindCollaboration,
		SeriesReviews:      KindCollaboration,
	} {
		c.series[name] = NewSeries(name, kind)
	}

	return c
}

// Name implements analyzers.Analyzer.
func (c *Collector) Name() string { return AnalyzerName }

// Consume derives metric samples from one event.
func (c *Collector) Consume(e *event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Category {
	case event.CategoryGit:
		c.consumeGit(e)
	case event.CategoryTest:
		c.consumeTest(e)
	case event.CategoryBuild:
		c.consumeBuild(e)
	case event.CategoryFile:
		c.consumeFile(e)
	}

	if e.Severity == event.SeverityError || e.Severity == event.SeverityCritical {
		c.highSev = append(c.highSev, e.Timestamp)
		c.add(SeriesErrorRate, e.Timestamp, 1)
	}

	c.pruneHotspots(e.Timestamp)
}

func (c *Collector) consumeGit(e *event.Event) {
	action, _ := e.Data["action"].(string)

	switch action {
	case "commit":
		c.add(SeriesCommits, e.Timestamp, 1)

		if stats, ok := e.Data["stats"].(map[string]any); ok {
			adds, _ := asFloat(stats["adds"])
			dels, _ := asFloat(stats["dels"])
			c.add(SeriesLinesChanged, e.Timestamp, adds+dels)
		}
	case "pr":
		c.add(SeriesPRs, e.Timestamp, 1)
	}
}

func (c *Collector) consumeTest(e *event.Event) {
	status, _ := e.Data["status"].(string)

	switch status {
	case "passed", "success":
		c.add(SeriesTestPass, e.Timestamp, 1)
	case "failed":
		c.add(SeriesTestPass, e.Timestamp, 0)
	}

	if duration, ok := asFloat(e.Data["duration_ms"]); ok {
		c.add(SeriesTestTime, e.Timestamp, duration)
	}

	if coverage, ok := asFloat(e.Data["coverage"]); ok {
		c.add(SeriesCoverage, e.Timestamp, coverage)
	}
}

func (c *Collector) consumeBuild(e *event.Event) {
	if duration, ok := asFloat(e.Data["duration_ms"]); ok {
		c.add(SeriesBuildTime, e.Timestamp, duration)
	}
}

func (c *Collector) consumeFile(e *event.Event) {
	path, _ := e.Data["path"].(string)
	if path == "" {
		return
	}

	action, _ := e.Data["action"].(string)
	if action != "modify" {
		return
	}

	c.fileMods[path] = append(c.fileMods[path], e.Timestamp)
}

// add inserts into a series, creating ad-hoc series on demand, and
// persists the sample when a recorder is wired.
func (c *Collector) add(name string, ts int64, value float64) {
	s, ok := c.series[name]
	if !ok {
		s = NewSeries(name, KindPerformance)
		c.series[name] = s
	}

	s.Add(ts, value)

	if c.recorder != nil {
		err := c.recorder.AppendMetric(context.Background(), name, ts, value)
		if err != nil {
			c.log.Warn("cannot persist metric sample", "series", name, "error", err)
		}
	}
}

func (c *Collector) pruneHotspots(ts int64) {
	cutoff := ts - hotspotRetention.Milliseconds()

	for path, stamps := range c.fileMods {
		keep := stamps[:0]

		for _, stamp := range stamps {
			if stamp > cutoff {
				keep = append(keep, stamp)
			}
		}

		if len(keep) == 0 {
			delete(c.fileMods, path)

			continue
		}

		c.fileMods[path] = keep
	}

	keep := c.highSev[:0]
	for _, stamp := range c.highSev {
		if stamp > cutoff {
			keep = append(keep, stamp)
		}
	}

	c.highSev = keep
}

// Get returns the named series, or nil.
func (c *Collector) Get(name string) *Series {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.series[name]
}

// Summaries snapshots every series summary keyed by name.
func (c *Collector) Summaries() map[string]Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Summary, len(c.series))
	for name, s := range c.series {
		out[name] = s.Summary()
	}

	return out
}

// Kinds maps each series name to its kind.
func (c *Collector) Kinds() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.series))
	for name, s := range c.series {
		out[name] = s.Kind()
	}

	return out
}

// hotspots returns paths modified more than limit times in the last
// hour, with their counts.
func (c *Collector) hotspots(limit int) map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int)

	for path, stamps := range c.fileMods {
		if len(stamps) > limit {
			out[path] = len(stamps)
		}
	}

	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
