package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Bottleneck types.
const (
	BottleneckThreshold  = "threshold"
	BottleneckAnomaly    = "trend_anomaly"
	BottleneckStuckStage = "stuck_stage"
	BottleneckHotspot    = "hotspot"
	BottleneckBacklog    = "queue_backlog"
	BottleneckErrors     = "subscriber_errors"
)

// Detector defaults.
const (
	defaultAnalyzeInterval = 30 * time.Second
	defaultZScoreK         = 3.0
	defaultHotspotPerHour  = 10
	defaultStuckCeiling    = 4 * time.Hour
	defaultDedupCooldown   = 10 * time.Minute
	defaultBacklogLimit    = 5_000
	defaultErrorRateLimit  = 50.0 // subscriber errors per hour

	// anomalyMinSamples is the least history a series needs before
	// z-score detection applies.
	anomalyMinSamples = 10
)

// Threshold is a configured min/max band for one series.
type Threshold struct {
	Min *float64
	Max *float64
}

// Bottleneck is one detected impediment. Duplicate detections inside
// the cooldown update LastOccurredAt and Frequency.
type Bottleneck struct {
	Type            string  `json:"type"`
	Metric          string  `json:"metric,omitempty"`
	Severity        string  `json:"severity"`
	Description     string  `json:"description"`
	Suggestion      string  `json:"suggestion,omitempty"`
	Value           float64 `json:"value,omitempty"`
	FirstOccurredAt int64   `json:"firstOccurredAt"`
	LastOccurredAt  int64   `json:"lastOccurredAt"`
	Frequency       int     `json:"frequency"`
}

// StageStatus is the stage state the detector inspects for stuck
// stages.
type StageStatus struct {
	Stage     string
	EnteredAt int64
	Progress  float64
}

// DetectorOptions configures a Detector. Provider funcs are optional;
// absent providers skip their checks.
type DetectorOptions struct {
	AnalyzeInterval time.Duration
	Thresholds      map[string]Threshold
	ZScoreK         float64
	HotspotPerHour  int
	StuckCeiling    time.Duration
	DedupCooldown   time.Duration
	BacklogLimit    int
	ErrorRateLimit  float64

	// StageStatus reports the current stage and its progress.
	StageStatus func() StageStatus

	// QueueBacklog reports total pending entries across queues.
	QueueBacklog func() int

	// SubscriberErrorRate reports bus subscriber errors per hour.
	SubscriberErrorRate func() float64

	Logger *slog.Logger
}

// Detector periodically inspects the collector and providers.
type Detector struct {
	collector *Collector
	opts      DetectorOptions
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]*Bottleneck // keyed by type+metric

	// nudge coalesces on-demand detection requests; capacity 1.
	nudge chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDetector builds a detector over a collector.
func NewDetector(collector *Collector, opts DetectorOptions) *Detector {
	if opts.AnalyzeInterval <= 0 {
		opts.AnalyzeInterval = defaultAnalyzeInterval
	}

	if opts.ZScoreK <= 0 {
		opts.ZScoreK = defaultZScoreK
	}

	if opts.HotspotPerHour <= 0 {
		opts.HotspotPerHour = defaultHotspotPerHour
	}

	if opts.StuckCeiling <= 0 {
		opts.StuckCeiling = defaultStuckCeiling
	}

	if opts.DedupCooldown <= 0 {
		opts.DedupCooldown = defaultDedupCooldown
	}

	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = defaultBacklogLimit
	}

	if opts.ErrorRateLimit <= 0 {
		opts.ErrorRateLimit = defaultErrorRateLimit
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{
		collector: collector,
		opts:      opts,
		log:       logger.With("analyzer", "bottlenecks"),
		active:    make(map[string]*Bottleneck),
		nudge:     make(chan struct{}, 1),
	}
}

// Start runs periodic detection until Stop. Trigger requests run
// between ticks.
func (d *Detector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)

		ticker := time.NewTicker(d.opts.AnalyzeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-d.nudge:
				d.Detect(time.Now().UnixMilli())
			case <-ticker.C:
				d.Detect(time.Now().UnixMilli())
			}
		}
	}()
}

// Trigger requests an immediate detection pass instead of waiting for
// the next tick. Requests coalesce while one is pending; safe to call
// before Start.
func (d *Detector) Trigger() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Stop halts periodic detection.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

// Detect runs every check once against the given reference time.
func (d *Detector) Detect(now int64) {
	d.checkThresholds(now)
	d.checkAnomalies(now)
	d.checkStuckStage(now)
	d.checkHotspots(now)
	d.checkBacklog(now)
	d.checkSubscriberErrors(now)
}

func (d *Detector) checkThresholds(now int64) {
	for name, band := range d.opts.Thresholds {
		s := d.collector.Get(name)
		if s == nil {
			continue
		}

		summary := s.Summary()
		if summary.Count == 0 {
			continue
		}

		if band.Max != nil && summary.Last > *band.Max {
			d.report(BottleneckThreshold, name, "warning", summary.Last, now,
				fmt.Sprintf("%s=%.2f above configured max %.2f", name, summary.Last, *band.Max))
		}

		if band.Min != nil && summary.Last < *band.Min {
			d.report(BottleneckThreshold, name, "warning", summary.Last, now,
				fmt.Sprintf("%s=%.2f below configured min %.2f", name, summary.Last, *band.Min))
		}
	}
}

func (d *Detector) checkAnomalies(now int64) {
	for name := range d.collector.Kinds() {
		s := d.collector.Get(name)
		if s == nil {
			continue
		}

		summary := s.Summary()
		if summary.Count < anomalyMinSamples || summary.StdDev == 0 {
			continue
		}

		z := math.Abs(summary.Last-summary.Mean) / summary.StdDev
		if z > d.opts.ZScoreK {
			d.report(BottleneckAnomaly, name, "notice", summary.Last, now,
				fmt.Sprintf("%s=%.2f deviates %.1f sigma from its baseline %.2f", name, summary.Last, z, summary.Mean))
		}
	}
}

func (d *Detector) checkStuckStage(now int64) {
	if d.opts.StageStatus == nil {
		return
	}

	status := d.opts.StageStatus()
	if status.Stage == "" || status.EnteredAt == 0 {
		return
	}

	inStage := now - status.EnteredAt
	if inStage > d.opts.StuckCeiling.Milliseconds() && status.Progress < 100 {
		d.report(BottleneckStuckStage, status.Stage, "warning", float64(inStage), now,
			fmt.Sprintf("stage %s active for %s with progress %.0f%%", status.Stage,
				time.Duration(inStage)*time.Millisecond, status.Progress))
	}
}

func (d *Detector) checkHotspots(now int64) {
	for path, count := range d.collector.hotspots(d.opts.HotspotPerHour) {
		d.report(BottleneckHotspot, path, "notice", float64(count), now,
			fmt.Sprintf("%s modified %d times in the last hour", path, count))
	}
}

func (d *Detector) checkBacklog(now int64) {
	if d.opts.QueueBacklog == nil {
		return
	}

	backlog := d.opts.QueueBacklog()
	if backlog > d.opts.BacklogLimit {
		d.report(BottleneckBacklog, "", "error", float64(backlog), now,
			fmt.Sprintf("%d entries pending across queues", backlog))
	}
}

func (d *Detector) checkSubscriberErrors(now int64) {
	if d.opts.SubscriberErrorRate == nil {
		return
	}

	rate := d.opts.SubscriberErrorRate()
	if rate > d.opts.ErrorRateLimit {
		d.report(BottleneckErrors, "", "error", rate,
			now, fmt.Sprintf("%.0f subscriber errors per hour", rate))
	}
}

// report records a bottleneck, deduplicating within the cooldown.
func (d *Detector) report(kind, metric, severity string, value float64, now int64, description string) {
	key := kind + "|" + metric

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.active[key]; ok && now-existing.LastOccurredAt < d.opts.DedupCooldown.Milliseconds() {
		existing.LastOccurredAt = now
		existing.Frequency++
		existing.Value = value
		existing.Description = description

		return
	}

	d.active[key] = &Bottleneck{
		Type:            kind,
		Metric:          metric,
		Severity:        severity,
		Description:     description,
		Suggestion:      suggestions[kind],
		Value:           value,
		FirstOccurredAt: now,
		LastOccurredAt:  now,
		Frequency:       1,
	}

	d.log.Info("bottleneck detected", "type", kind, "metric", metric, "description", description)
}

// Bottlenecks snapshots the current records, most recent first.
func (d *Detector) Bottlenecks() []*Bottleneck {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Bottleneck, 0, len(d.active))

	for _, b := range d.active {
		clone := *b
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LastOccurredAt > out[j].LastOccurredAt })

	return out
}

// suggestions maps bottleneck types to static advice.
var suggestions = map[string]string{
	BottleneckThreshold:  "review the configured band; either the work or the threshold needs adjusting",
	BottleneckAnomaly:    "inspect what changed around the deviating samples",
	BottleneckStuckStage: "break the current stage into smaller tasks or revisit its exit criteria",
	BottleneckHotspot:    "consider refactoring the hot file; frequent edits suggest unstable design",
	BottleneckBacklog:    "raise worker batch size or investigate slow processors",
	BottleneckErrors:     "inspect failing subscribers; persistent handler errors hide real events",
}
