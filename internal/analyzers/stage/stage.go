// Package stage classifies the active development stage from the event
// stream. Rule weights accumulate into per-stage evidence over a sliding
// window; the top-scoring stage becomes current once its confidence
// clears the threshold and the transition cooldown has elapsed.
package stage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/pkg/event"
)

// AnalyzerName identifies this analyzer.
const AnalyzerName = "stage"

// Defaults for zero-valued options.
const (
	defaultConfidenceThreshold = 0.4
	defaultTransitionCooldown  = time.Minute
	defaultWindow              = time.Hour
	defaultHistorySize         = 50
	defaultSubStageThreshold   = 1.0

	// progressTarget is the cumulative evidence at which a stage counts
	// as 100% visited.
	progressTarget = 10.0

	fullProgress = 100.0
)

// Emitter publishes the stage:transition events this analyzer derives.
type Emitter interface {
	Emit(e *event.Event)
}

// Recorder persists transitions. *store.Store satisfies it.
type Recorder interface {
	AppendStageTransition(ctx context.Context, tr *store.StageTransition) error
}

// Options configures the analyzer.
type Options struct {
	// ConfidenceThreshold is the minimum share of windowed evidence the
	// candidate stage needs to take over.
	ConfidenceThreshold float64

	// TransitionCooldown is the minimum event-time gap between two
	// transitions.
	TransitionCooldown time.Duration

	// Window is the sliding evidence window.
	Window time.Duration

	// HistorySize bounds the retained transition list.
	HistorySize int

	// SubStageThreshold is the windowed evidence a coding sub-stage
	// needs to count as active.
	SubStageThreshold float64

	// Rules overrides the built-in ruleset.
	Rules []Rule

	// Emitter receives derived stage:transition events. Optional.
	Emitter Emitter

	// Recorder persists transitions. Optional.
	Recorder Recorder

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// Transition is one recorded stage change.
type Transition struct {
	FromStage  string  `json:"fromStage,omitempty"`
	ToStage    string  `json:"toStage"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Timestamp  int64   `json:"timestamp"`
}

// Result is the analyzer's queryable state.
type Result struct {
	CurrentStage    string             `json:"currentStage"`
	Confidence      float64            `json:"confidence"`
	ActiveSubStages []string           `json:"activeSubStages"`
	StageProgress   map[string]float64 `json:"stageProgress"`
	Transitions     []Transition       `json:"transitions"`
	Suggestions     []string           `json:"suggestions"`
	TimeSpent       map[string]int64   `json:"timeSpentMs"`
}

// sample is one windowed evidence contribution.
type sample struct {
	ts     int64 // event time, ms
	target string
	sub    bool
	weight float64
}

// Analyzer is the stage classifier. Consume runs on the runner worker;
// queries snapshot under the read lock.
type Analyzer struct {
	threshold    float64
	cooldown     time.Duration
	window       time.Duration
	historySize  int
	subThreshold float64
	rules        []Rule
	emitter      Emitter
	recorder     Recorder
	log          *slog.Logger

	mu               sync.RWMutex
	samples          []sample
	cumulative       map[string]float64 // all-time evidence, drives progress
	current          string
	confidence       float64
	lastTransitionTs int64
	enteredTs        int64
	timeSpent        map[string]int64
	history          []Transition
}

// New builds the analyzer with defaults applied.
func New(opts Options) *Analyzer {
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = defaultConfidenceThreshold
	}

	if opts.TransitionCooldown <= 0 {
		opts.TransitionCooldown = defaultTransitionCooldown
	}

	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}

	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}

	if opts.SubStageThreshold <= 0 {
		opts.SubStageThreshold = defaultSubStageThreshold
	}

	rules := opts.Rules
	if rules == nil {
		rules = defaultRules()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{
		threshold:    opts.ConfidenceThreshold,
		cooldown:     opts.TransitionCooldown,
		window:       opts.Window,
		historySize:  opts.HistorySize,
		subThreshold: opts.SubStageThreshold,
		rules:        rules,
		emitter:      opts.Emitter,
		recorder:     opts.Recorder,
		log:          logger.With("analyzer", AnalyzerName),
		cumulative:   make(map[string]float64),
		timeSpent:    make(map[string]int64),
	}
}

// Name implements analyzers.Analyzer.
func (a *Analyzer) Name() string { return AnalyzerName }

// Consume scores the event against the ruleset and re-evaluates the
// current stage. Event time, not wall time, drives the window and the
// cooldown, so replayed history classifies identically.
func (a *Analyzer) Consume(e *event.Event) {
	if e.Category == event.CategoryStage || e.Category == event.CategorySystem {
		// Our own derived events and system chatter carry no evidence.
		return
	}

	path, message, action := extract(e)

	a.mu.Lock()
	defer a.mu.Unlock()

	matched := false

	for i := range a.rules {
		rule := &a.rules[i]
		if !rule.matches(e, path, message, action) {
			continue
		}

		matched = true
		target := rule.Stage
		sub := false

		if rule.SubStage != "" {
			target = rule.SubStage
			sub = true
		}

		a.samples = append(a.samples, sample{ts: e.Timestamp, target: target, sub: sub, weight: rule.Weight})

		if !sub {
			a.cumulative[target] += rule.Weight
		}
	}

	if !matched {
		return
	}

	a.prune(e.Timestamp)
	a.evaluate(e.Timestamp)
}

// extract pulls the fields the matchers look at out of the payload.
func extract(e *event.Event) (path, message, action string) {
	if e.Data == nil {
		return "", "", ""
	}

	if v, ok := e.Data["path"].(string); ok {
		path = v
	} else if v, ok := e.Data["newPath"].(string); ok {
		path = v
	}

	if v, ok := e.Data["message"].(string); ok {
		message = v
	}

	if v, ok := e.Data["action"].(string); ok {
		action = v
	}

	return path, message, action
}

// prune drops samples older than the window, relative to ts.
func (a *Analyzer) prune(ts int64) {
	cutoff := ts - a.window.Milliseconds()

	keep := a.samples[:0]
	for _, s := range a.samples {
		if s.ts > cutoff {
			keep = append(keep, s)
		}
	}

	a.samples = keep
}

// evidence sums the windowed samples per target.
func (a *Analyzer) evidence(sub bool) map[string]float64 {
	out := make(map[string]float64)

	for _, s := range a.samples {
		if s.sub == sub {
			out[s.target] += s.weight
		}
	}

	return out
}

// evaluate fires a transition when a new stage leads with sufficient
// confidence and the cooldown has passed.
func (a *Analyzer) evaluate(ts int64) {
	stageEvidence := a.evidence(false)

	var total float64
	for _, weight := range stageEvidence {
		total += weight
	}

	if total == 0 {
		return
	}

	candidate := ""
	best := 0.0

	// Ties resolve to the earlier lifecycle stage for determinism.
	for _, name := range Stages() {
		if stageEvidence[name] > best {
			candidate = name
			best = stageEvidence[name]
		}
	}

	confidence := best / total

	if candidate == a.current {
		a.confidence = confidence

		return
	}

	if confidence < a.threshold {
		return
	}

	if a.lastTransitionTs != 0 && ts-a.lastTransitionTs < a.cooldown.Milliseconds() {
		return
	}

	a.transition(candidate, confidence, ts)
}

func (a *Analyzer) transition(to string, confidence float64, ts int64) {
	from := a.current

	if from != "" && a.enteredTs != 0 {
		a.timeSpent[from] += ts - a.enteredTs
	}

	reason := "evidence leader in window"

	tr := Transition{
		FromStage:  from,
		ToStage:    to,
		Confidence: confidence,
		Reason:     reason,
		Timestamp:  ts,
	}

	a.history = append(a.history, tr)
	if len(a.history) > a.historySize {
		a.history = a.history[len(a.history)-a.historySize:]
	}

	a.current = to
	a.confidence = confidence
	a.lastTransitionTs = ts
	a.enteredTs = ts

	a.log.Info("stage transition", "from", from, "to", to, "confidence", confidence)

	if a.recorder != nil {
		err := a.recorder.AppendStageTransition(context.Background(), &store.StageTransition{
			FromStage:  from,
			ToStage:    to,
			Confidence: confidence,
			Reason:     reason,
			Timestamp:  ts,
		})
		if err != nil {
			a.log.Warn("cannot persist transition", "error", err)
		}
	}

	if a.emitter != nil {
		data := map[string]any{
			"toStage":    to,
			"confidence": confidence,
			"reason":     reason,
		}
		if from != "" {
			data["fromStage"] = from
		}

		a.emitter.Emit(event.New(event.TypeStageTransition, event.CategoryStage, event.SeverityNotice, AnalyzerName, data))
	}
}

// Analyze snapshots the current classification.
func (a *Analyzer) Analyze() *Result {
	a.mu.RLock()
	defer a.mu.RUnlock()

	subEvidence := a.evidence(true)

	var active []string

	for _, name := range SubStages() {
		if subEvidence[name] >= a.subThreshold {
			active = append(active, name)
		}
	}

	progress := make(map[string]float64, len(a.cumulative))

	for name, total := range a.cumulative {
		pct := total / progressTarget * fullProgress
		if pct > fullProgress {
			pct = fullProgress
		}

		progress[name] = pct
	}

	transitions := make([]Transition, len(a.history))
	copy(transitions, a.history)

	timeSpent := make(map[string]int64, len(a.timeSpent))
	for name, ms := range a.timeSpent {
		timeSpent[name] = ms
	}

	return &Result{
		CurrentStage:    a.current,
		Confidence:      a.confidence,
		ActiveSubStages: active,
		StageProgress:   progress,
		Transitions:     transitions,
		Suggestions:     suggestions(a.current),
		TimeSpent:       timeSpent,
	}
}

// nextStage maps each stage to its usual successor.
var nextStage = map[string]string{
	StagePRD:          StagePlanning,
	StagePlanning:     StageERD,
	StageERD:          StageWireframe,
	StageWireframe:    StageScreenDesign,
	StageScreenDesign: StageDesign,
	StageDesign:       StageCoding,
	StageFrontend:     StageCoding,
	StageBackend:      StageCoding,
	StageAICollab:     StageCoding,
	StageCoding:       StageGit,
	StageGit:          StageDeployment,
	StageDeployment:   StageOperation,
}

// suggestions returns next-step hints for the current stage.
func suggestions(current string) []string {
	switch current {
	case "":
		return []string{"no stage detected yet; keep working and evidence will accumulate"}
	case StageOperation:
		return []string{"monitor error rates and feed incidents back into planning"}
	default:
		next, ok := nextStage[current]
		if !ok {
			return nil
		}

		return []string{"consider moving toward " + next + " once " + current + " work settles"}
	}
}
