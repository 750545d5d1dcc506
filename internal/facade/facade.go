// Package facade is the stable, synchronous query surface over the
// derived state. Every operation is read-only; mutation happens only
// through published events. Operations return plain maps with stable
// field names, and failures come back as structured
// {error:{kind,message}} payloads rather than Go errors, because the
// RPC layers forward the result as JSON either way.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devpulse/devpulse/internal/analyzers/aiusage"
	"github.com/devpulse/devpulse/internal/analyzers/methodology"
	"github.com/devpulse/devpulse/internal/analyzers/metrics"
	"github.com/devpulse/devpulse/internal/analyzers/stage"
	"github.com/devpulse/devpulse/internal/bus"
	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/pkg/event"
)

// Error kinds surfaced in structured payloads.
const (
	KindInvalidArgument = "InvalidArgument"
	KindUnavailable     = "Unavailable"
	KindStoreDegraded   = "StoreDegraded"
	KindInternal        = "Internal"
)

// Recognized time ranges.
var timeRanges = map[string]time.Duration{
	"1h": time.Hour,
	"1d": 24 * time.Hour,
	"1w": 7 * 24 * time.Hour,
	"1m": 30 * 24 * time.Hour,
}

// Metric kinds accepted by GetMetrics, mapped to the series they cover.
var metricKinds = map[string][]string{
	"all": {
		metrics.SeriesCommits, metrics.SeriesLinesChanged, metrics.SeriesCoverage,
		metrics.SeriesTestPass, metrics.SeriesTestTime, metrics.SeriesBuildTime,
		metrics.SeriesErrorRate, metrics.SeriesPRs, metrics.SeriesReviews,
	},
	"commits": {metrics.SeriesCommits, metrics.SeriesLinesChanged},
	"files":   {metrics.SeriesLinesChanged},
	"tests":   {metrics.SeriesTestPass, metrics.SeriesTestTime, metrics.SeriesCoverage},
	"builds":  {metrics.SeriesBuildTime},
}

// Methodologies accepted by CheckMethodology.
var methodologies = map[string]bool{
	"all":           true,
	methodology.DDD: true,
	methodology.TDD: true,
	methodology.BDD: true,
	methodology.EDA: true,
}

// MonitorStatus describes one monitor for getProjectStatus.
type MonitorStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Options wires the facade to the derived-state holders. Store and the
// analyzers are optional; absent ones degrade the affected fields
// rather than the whole operation.
type Options struct {
	Store       *store.Store
	Bus         *bus.Bus
	Queues      *queue.Manager
	Stage       *stage.Analyzer
	Methodology *methodology.Analyzer
	AIUsage     *aiusage.Analyzer
	Collector   *metrics.Collector
	Detector    *metrics.Detector

	// Monitors reports live monitor states. Nil means no monitors.
	Monitors func() []MonitorStatus

	// Now supplies the reference time. Nil uses time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Facade exposes the query operations.
type Facade struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

// New builds a facade.
func New(opts Options) *Facade {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Facade{
		opts: opts,
		log:  logger.With("component", "facade"),
		now:  now,
	}
}

// failure shapes the structured error payload.
func failure(kind, format string, args ...any) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": fmt.Sprintf(format, args...),
		},
	}
}

// IsFailure reports whether a facade result is an error payload.
func IsFailure(result map[string]any) bool {
	_, ok := result["error"]

	return ok
}

// GetProjectStatus summarizes the project's live state. includeDetails
// adds the recent activity tail.
func (f *Facade) GetProjectStatus(ctx context.Context, includeDetails bool) map[string]any {
	out := map[string]any{
		"currentStage":      "",
		"confidence":        0.0,
		"activeSubStages":   []string{},
		"methodologyScores": map[string]float64{},
		"milestones":        []map[string]any{},
		"monitorsStatus":    []MonitorStatus{},
		"queueStats":        map[string]queue.Stats{},
	}

	if f.opts.Stage != nil {
		result := f.opts.Stage.Analyze()
		out["currentStage"] = result.CurrentStage
		out["confidence"] = result.Confidence
		out["activeSubStages"] = result.ActiveSubStages
		out["milestones"] = milestones(result.Transitions)
	}

	if f.opts.Methodology != nil {
		scores := make(map[string]float64)

		for name, score := range f.opts.Methodology.Analyze().Scores {
			scores[name] = score.Score
		}

		out["methodologyScores"] = scores
	}

	if f.opts.Monitors != nil {
		out["monitorsStatus"] = f.opts.Monitors()
	}

	if f.opts.Queues != nil {
		out["queueStats"] = f.opts.Queues.Stats()
	}

	if includeDetails {
		out["recentActivity"] = f.recentActivity(ctx, 10)
	}

	return out
}

// milestones renders stage transitions as reached milestones.
func milestones(transitions []stage.Transition) []map[string]any {
	out := make([]map[string]any, 0, len(transitions))

	for _, tr := range transitions {
		out = append(out, map[string]any{
			"stage":      tr.ToStage,
			"reachedAt":  tr.Timestamp,
			"confidence": tr.Confidence,
		})
	}

	return out
}

func (f *Facade) recentActivity(ctx context.Context, limit int) []store.Activity {
	if f.opts.Store == nil {
		return nil
	}

	activities, err := f.opts.Store.RecentActivities(ctx, limit, "")
	if err != nil {
		f.reportStorageDegraded(err)

		return nil
	}

	return activities
}

// reportStorageDegraded surfaces a failed read as a system warning on
// the bus; callers still get empty results.
func (f *Facade) reportStorageDegraded(err error) {
	f.log.Warn("store read failed", "error", err)

	if f.opts.Bus == nil {
		return
	}

	evt := event.New(event.TypeStorageDegraded, event.CategorySystem, event.SeverityWarning, "facade",
		map[string]any{"error": err.Error()})

	if _, pubErr := f.opts.Bus.Publish(evt, bus.PublishOptions{SkipQueue: true}); pubErr != nil {
		f.log.Warn("emit storage_degraded failed", "error", pubErr)
	}
}

// GetMetrics aggregates the requested series over a time range.
func (f *Facade) GetMetrics(ctx context.Context, timeRange, kind string) map[string]any {
	span, ok := timeRanges[timeRange]
	if !ok {
		return failure(KindInvalidArgument, "unknown time range %q, want one of 1h, 1d, 1w, 1m", timeRange)
	}

	names, ok := metricKinds[kind]
	if !ok {
		return failure(KindInvalidArgument, "unknown metric kind %q, want one of all, commits, files, tests, builds", kind)
	}

	if f.opts.Collector == nil {
		return failure(KindUnavailable, "metrics collector not running")
	}

	end := f.now().UnixMilli()
	start := end - span.Milliseconds()

	perKind := make(map[string]map[string]any, len(names))
	trends := make(map[string]string, len(names))

	for _, name := range names {
		s := f.opts.Collector.Get(name)
		if s == nil {
			continue
		}

		samples := s.Since(start)
		perKind[name] = aggregate(samples)
		trends[name] = metrics.TrendOf(samples)
	}

	return map[string]any{
		"period": map[string]any{
			"range": timeRange,
			"start": start,
			"end":   end,
		},
		"perKind":         perKind,
		"trends":          trends,
		"recommendations": f.metricRecommendations(perKind),
	}
}

// aggregate reduces ranged samples to count/sum/mean/min/max/last.
func aggregate(samples []metrics.Sample) map[string]any {
	if len(samples) == 0 {
		return map[string]any{"count": 0}
	}

	minV := samples[0].Value
	maxV := samples[0].Value

	var sum float64

	for _, sample := range samples {
		sum += sample.Value

		if sample.Value < minV {
			minV = sample.Value
		}

		if sample.Value > maxV {
			maxV = sample.Value
		}
	}

	return map[string]any{
		"count": len(samples),
		"sum":   sum,
		"mean":  sum / float64(len(samples)),
		"min":   minV,
		"max":   maxV,
		"last":  samples[len(samples)-1].Value,
	}
}

func (f *Facade) metricRecommendations(perKind map[string]map[string]any) []string {
	var out []string

	if agg, ok := perKind[metrics.SeriesTestPass]; ok {
		if mean, ok := agg["mean"].(float64); ok && mean < 0.8 {
			out = append(out, "test pass rate below 80%; stabilize failing tests before adding features")
		}
	}

	if agg, ok := perKind[metrics.SeriesBuildTime]; ok {
		if mean, ok := agg["mean"].(float64); ok && mean > 5*60*1000 {
			out = append(out, "mean build exceeds five minutes; investigate caching or splitting the build")
		}
	}

	if agg, ok := perKind[metrics.SeriesCoverage]; ok {
		if last, ok := agg["last"].(float64); ok && last < 50 {
			out = append(out, "coverage below 50%; cover the riskiest paths first")
		}
	}

	if out == nil {
		out = []string{}
	}

	return out
}

// GetActivityLog returns the newest activity entries with summary
// counters. kind narrows to one category; empty means all.
func (f *Facade) GetActivityLog(ctx context.Context, limit int, kind string) map[string]any {
	if limit <= 0 {
		limit = 50
	}

	category := event.Category(kind)
	if kind != "" && !event.KnownCategory(category) {
		return failure(KindInvalidArgument, "unknown activity kind %q", kind)
	}

	if f.opts.Store == nil {
		return failure(KindUnavailable, "store not open")
	}

	activities, err := f.opts.Store.RecentActivities(ctx, limit, category)
	if err != nil {
		f.reportStorageDegraded(err)

		return failure(KindStoreDegraded, "read activities: %v", err)
	}

	byCategory := make(map[string]int)
	bySeverity := make(map[string]int)

	for _, a := range activities {
		byCategory[string(a.Category)]++
		bySeverity[string(a.Severity)]++
	}

	return map[string]any{
		"activities": activities,
		"summary": map[string]any{
			"byCategory":   byCategory,
			"bySeverity":   bySeverity,
			"activityRate": f.activityRate(activities),
		},
	}
}

// activityRate is entries per hour over the returned window.
func (f *Facade) activityRate(activities []store.Activity) float64 {
	if len(activities) < 2 {
		return float64(len(activities))
	}

	// Newest first: first entry is the latest.
	spanMs := activities[0].Timestamp - activities[len(activities)-1].Timestamp
	if spanMs <= 0 {
		return float64(len(activities))
	}

	return float64(len(activities)) / (float64(spanMs) / float64(time.Hour.Milliseconds()))
}

// AnalyzeBottlenecks reports current impediments with severity counts.
func (f *Facade) AnalyzeBottlenecks(_ context.Context) map[string]any {
	if f.opts.Detector == nil {
		return failure(KindUnavailable, "bottleneck detector not running")
	}

	bottlenecks := f.opts.Detector.Bottlenecks()
	severities := make(map[string]int)

	var recommendations []string

	seen := make(map[string]bool)

	for _, b := range bottlenecks {
		severities[b.Severity]++

		if b.Suggestion != "" && !seen[b.Suggestion] {
			seen[b.Suggestion] = true
			recommendations = append(recommendations, b.Suggestion)
		}
	}

	if recommendations == nil {
		recommendations = []string{}
	}

	return map[string]any{
		"bottlenecks":     bottlenecks,
		"summary":         map[string]any{"bySeverity": severities, "total": len(bottlenecks)},
		"recommendations": recommendations,
	}
}

// CheckMethodology reports methodology scores. which selects one
// methodology or "all".
func (f *Facade) CheckMethodology(_ context.Context, which string) map[string]any {
	if which == "" {
		which = "all"
	}

	if !methodologies[which] {
		return failure(KindInvalidArgument, "unknown methodology %q, want one of all, ddd, tdd, bdd, eda", which)
	}

	if f.opts.Methodology == nil {
		return failure(KindUnavailable, "methodology analyzer not running")
	}

	result := f.opts.Methodology.Analyze()

	if which == "all" {
		return map[string]any{
			"scores":   result.Scores,
			"overall":  result.Overall,
			"dominant": result.Dominant,
			"trends":   result.Trends,
		}
	}

	score, ok := result.Scores[which]
	if !ok {
		score = &methodology.Score{}
	}

	return map[string]any{
		"methodology": which,
		"score":       score,
	}
}

// AnalyzeStage reports the stage analyzer's full state.
func (f *Facade) AnalyzeStage(_ context.Context) map[string]any {
	if f.opts.Stage == nil {
		return failure(KindUnavailable, "stage analyzer not running")
	}

	result := f.opts.Stage.Analyze()

	return map[string]any{
		"currentStage":  result.CurrentStage,
		"confidence":    result.Confidence,
		"subStages":     result.ActiveSubStages,
		"stageProgress": result.StageProgress,
		"transitions":   result.Transitions,
		"timeSpentMs":   result.TimeSpent,
		"suggestions":   result.Suggestions,
	}
}

// AnalyzeAICollaboration reports assistant usage aggregates, optionally
// narrowed to one tool and a time range.
func (f *Facade) AnalyzeAICollaboration(_ context.Context, tool, timeRange string) map[string]any {
	var since int64

	if timeRange != "" {
		span, ok := timeRanges[timeRange]
		if !ok {
			return failure(KindInvalidArgument, "unknown time range %q, want one of 1h, 1d, 1w, 1m", timeRange)
		}

		since = f.now().Add(-span).UnixMilli()
	}

	if f.opts.AIUsage == nil {
		return failure(KindUnavailable, "assistant usage analyzer not running")
	}

	result := f.opts.AIUsage.Analyze(tool, since)

	return map[string]any{
		"tools":             result.Tools,
		"totalSessions":     result.TotalSessions,
		"totalInteractions": result.TotalInteractions,
		"acceptanceRate":    result.AcceptanceRate,
		"timeSavedSeconds":  result.TimeSavedSeconds,
		"peakHours":         result.PeakHours,
	}
}
