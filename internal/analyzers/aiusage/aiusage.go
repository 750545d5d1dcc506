// Package aiusage tracks AI-assistant interactions: per-tool sessions
// delimited by idle gaps, suggestion acceptance, estimated time saved,
// and usage patterns.
package aiusage

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
)

// AnalyzerName identifies this analyzer.
const AnalyzerName = "ai-usage"

// Defaults for zero-valued options.
const (
	defaultSessionGap          = 5 * time.Minute
	defaultSecondsSavedPerLine = 2.0

	hoursPerDay  = 24
	topPeakHours = 3
)

// recordRetention bounds how far back interaction records are kept;
// it covers the widest query range (one month) with slack.
const recordRetention = 31 * 24 * time.Hour

// maxRecordsPerTool caps per-tool memory regardless of retention.
const maxRecordsPerTool = 50_000

// Options configures the analyzer.
type Options struct {
	// SessionGap is the idle time after which a tool session ends.
	SessionGap time.Duration

	// SecondsSavedPerLine is the per-line constant in the time-saved
	// estimate.
	SecondsSavedPerLine float64

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// interaction is one recorded AI event, kept so aggregates can be
// recomputed over an arbitrary time range.
type interaction struct {
	ts          int64
	kind        string
	hasDecision bool
	accepted    bool
	modified    bool
	lines       int
	elapsedMs   int64
	hasElapsed  bool
}

// toolState holds the retained interactions for one AI tool, oldest
// first.
type toolState struct {
	records []interaction
}

// ToolReport is the queryable per-tool aggregate.
type ToolReport struct {
	Tool             string         `json:"tool"`
	Sessions         int            `json:"sessions"`
	Interactions     int            `json:"interactions"`
	PerType          map[string]int `json:"perType"`
	Accepted         int            `json:"accepted"`
	Rejected         int            `json:"rejected"`
	Modified         int            `json:"modified"`
	AcceptanceRate   float64        `json:"acceptanceRate"`
	MeanDecisionMs   float64        `json:"meanDecisionMs"`
	TimeSavedSeconds float64        `json:"timeSavedSeconds"`
	PeakHours        []int          `json:"peakHours"`
	TopInteraction   string         `json:"topInteraction,omitempty"`
}

// Result aggregates every tool plus totals.
type Result struct {
	Tools             map[string]*ToolReport `json:"tools"`
	TotalSessions     int                    `json:"totalSessions"`
	TotalInteractions int                    `json:"totalInteractions"`
	AcceptanceRate    float64                `json:"acceptanceRate"`
	TimeSavedSeconds  float64                `json:"timeSavedSeconds"`
	PeakHours         []int                  `json:"peakHours"`
}

// Analyzer accumulates AI interaction records. Consume runs on the
// runner worker; Analyze snapshots under the read lock.
type Analyzer struct {
	gap          time.Duration
	perLineSaved float64
	log          *slog.Logger

	mu    sync.RWMutex
	tools map[string]*toolState
}

// New builds the analyzer with defaults applied.
func New(opts Options) *Analyzer {
	if opts.SessionGap <= 0 {
		opts.SessionGap = defaultSessionGap
	}

	if opts.SecondsSavedPerLine <= 0 {
		opts.SecondsSavedPerLine = defaultSecondsSavedPerLine
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{
		gap:          opts.SessionGap,
		perLineSaved: opts.SecondsSavedPerLine,
		log:          logger.With("analyzer", AnalyzerName),
		tools:        make(map[string]*toolState),
	}
}

// Name implements analyzers.Analyzer.
func (a *Analyzer) Name() string { return AnalyzerName }

// Consume records one AI interaction event. Non-AI events are ignored.
func (a *Analyzer) Consume(e *event.Event) {
	if e.Category != event.CategoryAI && !strings.HasPrefix(e.Type, "ai:") {
		return
	}

	tool, _ := e.Data["tool"].(string)
	if tool == "" {
		tool = "unknown"
	}

	rec := interaction{ts: e.Timestamp}
	rec.kind, _ = e.Data["interactionType"].(string)

	if accepted, ok := e.Data["accepted"].(bool); ok {
		rec.hasDecision = true
		rec.accepted = accepted
		rec.modified, _ = e.Data["modified"].(bool)

		if accepted {
			rec.lines, _ = asInt(e.Data["lines"])
		}
	}

	if elapsed, ok := asInt(e.Data["elapsed_ms"]); ok {
		rec.elapsedMs = int64(elapsed)
		rec.hasElapsed = true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.tools[tool]
	if !ok {
		state = &toolState{}
		a.tools[tool] = state
	}

	state.records = append(state.records, rec)
	state.trim(e.Timestamp)
}

// trim drops records past retention and enforces the per-tool cap.
func (s *toolState) trim(newest int64) {
	cutoff := newest - recordRetention.Milliseconds()

	drop := 0
	for drop < len(s.records) && s.records[drop].ts < cutoff {
		drop++
	}

	if over := len(s.records) - drop - maxRecordsPerTool; over > 0 {
		drop += over
	}

	if drop > 0 {
		s.records = append(s.records[:0], s.records[drop:]...)
	}
}

// asInt accepts the numeric types JSON decoding produces.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// Analyze recomputes the aggregates, optionally restricted to one tool
// and to interactions at or after since (ms since epoch; zero means
// all retained history).
func (a *Analyzer) Analyze(tool string, since int64) *Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := &Result{Tools: make(map[string]*ToolReport)}

	var (
		accepted, rejected int
		hourTotals         [hoursPerDay]int
	)

	for name, state := range a.tools {
		if tool != "" && name != tool {
			continue
		}

		ranged := state.since(since)
		if len(ranged) == 0 {
			continue
		}

		report := a.reportFor(name, ranged)
		result.Tools[name] = report
		result.TotalSessions += report.Sessions
		result.TotalInteractions += report.Interactions
		result.TimeSavedSeconds += report.TimeSavedSeconds
		accepted += report.Accepted
		rejected += report.Rejected

		for _, rec := range ranged {
			hourTotals[time.UnixMilli(rec.ts).Hour()]++
		}
	}

	if accepted+rejected > 0 {
		result.AcceptanceRate = float64(accepted) / float64(accepted+rejected)
	}

	result.PeakHours = peakHours(hourTotals)

	return result
}

// since returns the suffix of records with ts >= cutoff. Records are
// appended in event order, so a binary search finds the boundary.
func (s *toolState) since(cutoff int64) []interaction {
	if cutoff <= 0 {
		return s.records
	}

	i := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].ts >= cutoff
	})

	return s.records[i:]
}

func (a *Analyzer) reportFor(name string, records []interaction) *ToolReport {
	report := &ToolReport{
		Tool:    name,
		PerType: make(map[string]int),
	}

	var (
		acceptedLines int
		decisionMsSum int64
		decisionCount int64
		lastTs        int64
		hourCounts    [hoursPerDay]int
	)

	for _, rec := range records {
		// An idle gap starts a new session.
		if lastTs == 0 || rec.ts-lastTs > a.gap.Milliseconds() {
			report.Sessions++
		}

		lastTs = rec.ts
		report.Interactions++
		hourCounts[time.UnixMilli(rec.ts).Hour()]++

		if rec.kind != "" {
			report.PerType[rec.kind]++
		}

		if rec.hasDecision {
			switch {
			case rec.accepted && rec.modified:
				report.Accepted++
				report.Modified++
			case rec.accepted:
				report.Accepted++
			default:
				report.Rejected++
			}

			if rec.accepted {
				acceptedLines += rec.lines
			}
		}

		if rec.hasElapsed {
			decisionMsSum += rec.elapsedMs
			decisionCount++
		}
	}

	topCount := 0

	for kind, count := range report.PerType {
		if count > topCount || (count == topCount && kind < report.TopInteraction) {
			report.TopInteraction = kind
			topCount = count
		}
	}

	if report.Accepted+report.Rejected > 0 {
		report.AcceptanceRate = float64(report.Accepted) / float64(report.Accepted+report.Rejected)
	}

	if decisionCount > 0 {
		report.MeanDecisionMs = float64(decisionMsSum) / float64(decisionCount)
	}

	// accepted suggestions x mean accepted lines x per-line constant.
	if report.Accepted > 0 {
		meanLines := float64(acceptedLines) / float64(report.Accepted)
		report.TimeSavedSeconds = float64(report.Accepted) * meanLines * a.perLineSaved
	}

	report.PeakHours = peakHours(hourCounts)

	return report
}

// peakHours returns the busiest hours of day, busiest first.
func peakHours(counts [hoursPerDay]int) []int {
	type hourCount struct {
		hour, count int
	}

	ranked := make([]hourCount, 0, hoursPerDay)

	for hour, count := range counts {
		if count > 0 {
			ranked = append(ranked, hourCount{hour, count})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}

		return ranked[i].hour < ranked[j].hour
	})

	if len(ranked) > topPeakHours {
		ranked = ranked[:topPeakHours]
	}

	out := make([]int, len(ranked))
	for i, hc := range ranked {
		out[i] = hc.hour
	}

	return out
}
