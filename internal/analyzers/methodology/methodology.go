// Package methodology scores how strongly the observed work follows
// four development methodologies: DDD, TDD, BDD, and EDA. Each scores
// 0-100 independently from signal counters fed by file, git, and test
// events.
package methodology

import (
	"log/slog"
	"sync"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
)

// AnalyzerName identifies this analyzer.
const AnalyzerName = "methodology"

// Methodology names.
const (
	DDD = "ddd"
	TDD = "tdd"
	BDD = "bdd"
	EDA = "eda"
)

// Methodologies returns the scored methodology names.
func Methodologies() []string {
	return []string{DDD, TDD, BDD, EDA}
}

// Scoring tuning.
const (
	maxScore = 100.0

	// dominantLead is the score margin the top methodology needs over
	// every other to count as dominant.
	dominantLead = 15.0

	// trendRetention is how long hourly usage counters are kept.
	trendRetention = 48 * time.Hour

	// testFirstWindow bounds how long a test-file touch counts as
	// "before" the matching source change.
	testFirstWindow = 10 * time.Minute
)

// Score is one methodology's assessment.
type Score struct {
	Score           float64        `json:"score"`
	Strengths       []string       `json:"strengths"`
	Weaknesses      []string       `json:"weaknesses"`
	Recommendations []string       `json:"recommendations"`
	Details         map[string]int `json:"details"`
}

// Result is the queryable analyzer state.
type Result struct {
	Scores   map[string]*Score `json:"scores"`
	Overall  float64           `json:"overall"`
	Dominant string            `json:"dominant,omitempty"`
	Trends   *Trends           `json:"trends"`
}

// Trends carries per-hour usage counters and first-half vs second-half
// growth.
type Trends struct {
	Hourly    map[string]map[int64]int `json:"hourly"`
	GrowthPct map[string]float64       `json:"growthPct"`
}

// Analyzer accumulates methodology signals. Consume runs on the runner
// worker; Analyze snapshots under the read lock.
type Analyzer struct {
	log *slog.Logger

	mu      sync.RWMutex
	signals map[string]map[string]int // methodology -> signal -> count
	hourly  map[string]map[int64]int  // methodology -> hour (unix) -> count

	// TDD temporal state.
	lastTestOutcome string
	redGreenRuns    int
	recentTests     map[string]int64 // source basename -> test-touch ts (ms)
}

// New builds an empty analyzer.
func New(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Analyzer{
		log:         logger.With("analyzer", AnalyzerName),
		signals:     make(map[string]map[string]int),
		hourly:      make(map[string]map[int64]int),
		recentTests: make(map[string]int64),
	}

	for _, name := range Methodologies() {
		a.signals[name] = make(map[string]int)
		a.hourly[name] = make(map[int64]int)
	}

	return a
}

// Name implements analyzers.Analyzer.
func (a *Analyzer) Name() string { return AnalyzerName }

// Consume inspects one event for methodology signals.
func (a *Analyzer) Consume(e *event.Event) {
	path, message := extract(e)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch e.Category {
	case event.CategoryFile:
		a.consumeFile(e, path)
	case event.CategoryGit:
		a.consumeMessage(e, message)
	case event.CategoryTest:
		a.consumeTest(e)
	}

	a.pruneHourly(e.Timestamp)
}

func extract(e *event.Event) (path, message string) {
	if e.Data == nil {
		return "", ""
	}

	if v, ok := e.Data["path"].(string); ok {
		path = v
	}

	if v, ok := e.Data["message"].(string); ok {
		message = v
	}

	return path, message
}

func (a *Analyzer) consumeFile(e *event.Event, path string) {
	if path == "" {
		return
	}

	for signal, methodology := range pathSignals(path) {
		a.record(methodology, signal, e.Timestamp)
	}

	base := sourceBasename(path)

	if isTestFile(path) {
		a.record(TDD, "test_file_activity", e.Timestamp)

		if base != "" {
			a.recentTests[base] = e.Timestamp
		}

		return
	}

	// Source change after a recent matching test touch is test-first.
	if base != "" {
		if testTs, ok := a.recentTests[base]; ok && e.Timestamp-testTs <= testFirstWindow.Milliseconds() && e.Timestamp >= testTs {
			a.record(TDD, "test_first", e.Timestamp)
			delete(a.recentTests, base)
		}
	}
}

func (a *Analyzer) consumeMessage(e *event.Event, message string) {
	if message == "" {
		return
	}

	for signal, methodology := range messageSignals(message) {
		a.record(methodology, signal, e.Timestamp)
	}
}

func (a *Analyzer) consumeTest(e *event.Event) {
	a.record(TDD, "test_runs", e.Timestamp)

	status, _ := e.Data["status"].(string)

	if a.lastTestOutcome == "failed" && (status == "passed" || status == "success") {
		a.redGreenRuns++
		a.record(TDD, "red_green", e.Timestamp)
	}

	a.lastTestOutcome = status
}

// record bumps a signal counter and its hourly usage bucket.
func (a *Analyzer) record(methodology, signal string, ts int64) {
	a.signals[methodology][signal]++

	hour := time.UnixMilli(ts).Truncate(time.Hour).Unix()
	a.hourly[methodology][hour]++
}

func (a *Analyzer) pruneHourly(ts int64) {
	cutoff := time.UnixMilli(ts).Add(-trendRetention).Unix()

	for _, buckets := range a.hourly {
		for hour := range buckets {
			if hour < cutoff {
				delete(buckets, hour)
			}
		}
	}
}

// Analyze snapshots scores, dominance, and trends.
func (a *Analyzer) Analyze() *Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	scores := make(map[string]*Score, len(a.signals))

	var sum float64

	for _, name := range Methodologies() {
		score := a.scoreOne(name)
		scores[name] = score
		sum += score.Score
	}

	overall := sum / float64(len(scores))

	return &Result{
		Scores:   scores,
		Overall:  overall,
		Dominant: dominant(scores),
		Trends:   a.trends(),
	}
}

// scoreOne converts a methodology's signal counts into a capped score.
func (a *Analyzer) scoreOne(name string) *Score {
	counts := a.signals[name]
	weights := signalWeights[name]

	var total float64

	details := make(map[string]int, len(counts))

	for signal, count := range counts {
		details[signal] = count
		total += weights[signal] * float64(count)
	}

	if total > maxScore {
		total = maxScore
	}

	score := &Score{Score: total, Details: details}
	describe(name, score)

	return score
}

func dominant(scores map[string]*Score) string {
	best := ""
	bestScore := 0.0

	for name, s := range scores {
		if s.Score > bestScore {
			best = name
			bestScore = s.Score
		}
	}

	if best == "" {
		return ""
	}

	for name, s := range scores {
		if name != best && bestScore-s.Score < dominantLead {
			return ""
		}
	}

	return best
}

// trends copies the hourly buckets and computes growth of the second
// half of the retained period over the first.
func (a *Analyzer) trends() *Trends {
	hourly := make(map[string]map[int64]int, len(a.hourly))
	growth := make(map[string]float64, len(a.hourly))

	for name, buckets := range a.hourly {
		copied := make(map[int64]int, len(buckets))

		var minHour, maxHour int64

		for hour, count := range buckets {
			copied[hour] = count

			if minHour == 0 || hour < minHour {
				minHour = hour
			}

			if hour > maxHour {
				maxHour = hour
			}
		}

		hourly[name] = copied
		growth[name] = growthPct(copied, minHour, maxHour)
	}

	return &Trends{Hourly: hourly, GrowthPct: growth}
}

func growthPct(buckets map[int64]int, minHour, maxHour int64) float64 {
	if len(buckets) < 2 {
		return 0
	}

	mid := minHour + (maxHour-minHour)/2

	var first, second int

	for hour, count := range buckets {
		if hour <= mid {
			first += count
		} else {
			second += count
		}
	}

	if first == 0 {
		if second > 0 {
			return maxScore
		}

		return 0
	}

	return (float64(second) - float64(first)) / float64(first) * 100
}
