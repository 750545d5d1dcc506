// Package engine wires the pipeline together: store, bus, queues,
// monitors, analyzers, detector, fan-out, and the query facade share
// one lifecycle here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/devpulse/devpulse/internal/analyzers"
	"github.com/devpulse/devpulse/internal/analyzers/aiusage"
	"github.com/devpulse/devpulse/internal/analyzers/methodology"
	"github.com/devpulse/devpulse/internal/analyzers/metrics"
	"github.com/devpulse/devpulse/internal/analyzers/stage"
	"github.com/devpulse/devpulse/internal/bus"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/facade"
	"github.com/devpulse/devpulse/internal/monitor/filemon"
	"github.com/devpulse/devpulse/internal/monitor/gitmon"
	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/internal/stream"
	"github.com/devpulse/devpulse/internal/wsserver"
	"github.com/devpulse/devpulse/pkg/event"
	"github.com/devpulse/devpulse/pkg/observability"
	"github.com/devpulse/devpulse/pkg/persist"
)

const (
	// analyzerBuffer is the per-analyzer inbox size.
	analyzerBuffer = 2048

	// pruneInterval is how often retention is enforced.
	pruneInterval = time.Hour

	// snapshotBasename names the persisted engine state file.
	snapshotBasename = "engine-state"

	// replayLimit caps how much history the cold start feeds back into
	// the analyzers.
	replayLimit = 24 * time.Hour

	// maxConsecutiveAppendFailures is how many appends in a row may fail
	// before persistence counts as non-functional and Run shuts down.
	maxConsecutiveAppendFailures = 25
)

// snapshot is the state carried across restarts.
type snapshot struct {
	// LastEventTs is the newest event timestamp the analyzers saw.
	LastEventTs int64 `json:"lastEventTs"`

	// SavedAt records when the snapshot was written.
	SavedAt int64 `json:"savedAt"`
}

// Options configures an Engine.
type Options struct {
	// Config is the validated configuration tree. Required.
	Config *config.Config

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger

	// Meter provides the pipeline metric instruments. Nil disables
	// metrics recording.
	Meter metric.Meter

	// DisableServer skips the WebSocket listener; used by one-shot
	// commands that only need the pipeline.
	DisableServer bool
}

// Engine owns every pipeline component and their shared lifecycle.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	store   *store.Store
	bus     *bus.Bus
	queues  *queue.Manager
	runner  *analyzers.Runner
	fanout  *stream.FanOut
	metrics *observability.PipelineMetrics

	stageA      *stage.Analyzer
	methodology *methodology.Analyzer
	aiusage     *aiusage.Analyzer
	collector   *metrics.Collector
	detector    *metrics.Detector

	filemon *filemon.Monitor
	gitmon  *gitmon.Monitor

	facade *facade.Facade
	server *wsserver.Server

	persister *persist.Persister[snapshot]
	stateDir  string
	startedAt time.Time

	appendFailures   atomic.Int64
	degradedSignaled atomic.Bool
	fatal            chan error

	noServer bool
}

// busEmitter adapts the bus publish call to the Emitter contract the
// monitors and analyzers expect. Publish errors are logged, not
// propagated: an emitter has nowhere to return them.
type busEmitter struct {
	bus *bus.Bus
	log *slog.Logger
}

func (e *busEmitter) Emit(evt *event.Event) {
	_, err := e.bus.Publish(evt, bus.PublishOptions{})
	if err != nil {
		e.log.Warn("event rejected", "type", evt.Type, "error", err)
	}
}

// New wires every component according to the configuration. Nothing
// runs yet; call Run or Start.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("engine: config is required")
	}

	cfg := opts.Config

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	eng := &Engine{
		cfg:      cfg,
		log:      log,
		fatal:    make(chan error, 1),
		noServer: opts.DisableServer,
	}

	if opts.Meter != nil {
		pm, err := observability.NewPipelineMetrics(opts.Meter)
		if err != nil {
			return nil, fmt.Errorf("build pipeline metrics: %w", err)
		}

		eng.metrics = pm
	}

	if err := eng.wireStore(); err != nil {
		return nil, err
	}

	if err := eng.wireBusAndQueues(); err != nil {
		return nil, err
	}

	eng.wireAnalyzers()
	eng.wireDetector()

	if err := eng.wireMonitors(); err != nil {
		return nil, err
	}

	eng.wireFacade()

	if err := eng.wireServer(); err != nil {
		return nil, err
	}

	eng.stateDir = filepath.Dir(cfg.Storage.Path)
	eng.persister = persist.NewPersister[snapshot](snapshotBasename, persist.NewJSONCodec())

	return eng, nil
}

func (e *Engine) wireStore() error {
	maxBytes, err := e.cfg.Storage.MaxSizeBytes()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(e.cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	st, err := store.Open(store.Options{
		Path:     e.cfg.Storage.Path,
		MaxBytes: maxBytes,
		Logger:   e.log,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	e.store = st

	return nil
}

func (e *Engine) wireBusAndQueues() error {
	validator, err := event.NewValidator(e.cfg.Bus.ValidateStrict)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	e.bus = bus.New(validator, e.log)
	e.bus.SetMetrics(e.metrics)

	globalMaxBytes, err := e.cfg.Queues.GlobalMaxBytesCount()
	if err != nil {
		return err
	}

	e.queues = queue.NewManager(queue.ManagerOptions{
		AutoRouting:    e.cfg.Queues.AutoRouting,
		MaxQueues:      e.cfg.Queues.MaxQueues,
		GlobalMaxBytes: globalMaxBytes,
		Metrics:        e.metrics,
		Logger:         e.log,
	})

	for name, qc := range e.cfg.Queues.Named {
		maxBytes, berr := qc.MaxBytesCount()
		if berr != nil {
			return berr
		}

		qcfg := queue.Config{
			MaxSize:       qc.MaxSize,
			MaxBytes:      maxBytes,
			BatchSize:     qc.BatchSize,
			FlushInterval: time.Duration(qc.FlushIntervalMs) * time.Millisecond,
			MaxAttempts:   qc.MaxAttempts,
		}

		if cerr := e.queues.Configure(name, qcfg); cerr != nil {
			if !errors.Is(cerr, queue.ErrQueueNotFound) {
				return fmt.Errorf("configure queue %s: %w", name, cerr)
			}

			if cerr = e.queues.CreateQueue(name, qcfg); cerr != nil {
				return fmt.Errorf("create queue %s: %w", name, cerr)
			}
		}
	}

	e.queues.SetEmitter(&busEmitter{bus: e.bus, log: e.log})
	e.bus.SetRouter(e.queues)

	// Every non-reserved queue persists its batches.
	for name := range e.queues.Stats() {
		if name == queue.QueueFailed {
			continue
		}

		if perr := e.queues.SetProcessor(name, e.persistBatch); perr != nil {
			return fmt.Errorf("set processor %s: %w", name, perr)
		}
	}

	return nil
}

func (e *Engine) wireAnalyzers() {
	emitter := &busEmitter{bus: e.bus, log: e.log}

	e.stageA = stage.New(stage.Options{
		ConfidenceThreshold: e.cfg.Stage.ConfidenceThreshold,
		TransitionCooldown:  time.Duration(e.cfg.Stage.TransitionCooldownMs) * time.Millisecond,
		Window:              time.Duration(e.cfg.Stage.WindowMs) * time.Millisecond,
		HistorySize:         e.cfg.Stage.HistorySize,
		Emitter:             emitter,
		Recorder:            e.store,
		Logger:              e.log,
	})

	e.methodology = methodology.New(e.log)

	e.aiusage = aiusage.New(aiusage.Options{
		SessionGap:          time.Duration(e.cfg.AIUsage.SessionGapMs) * time.Millisecond,
		SecondsSavedPerLine: e.cfg.AIUsage.SecondsSavedPerLine,
		Logger:              e.log,
	})

	e.collector = metrics.NewCollector(e.store, e.log)

	e.fanout = stream.New(stream.Options{
		ReplayRetention: time.Duration(e.cfg.Stream.ReplayWindowMs) * time.Millisecond,
		Logger:          e.log,
	})

	e.runner = analyzers.NewRunner(e.log)
	e.runner.Register(e.stageA, analyzerBuffer)
	e.runner.Register(e.methodology, analyzerBuffer)
	e.runner.Register(e.aiusage, analyzerBuffer)
	e.runner.Register(e.collector, analyzerBuffer)
	e.runner.Register(e.fanout, analyzerBuffer)

	e.bus.Subscribe(bus.PatternAll, e.runner.Dispatch, bus.SubscribeOptions{})
}

func (e *Engine) wireDetector() {
	e.detector = metrics.NewDetector(e.collector, metrics.DetectorOptions{
		AnalyzeInterval: time.Duration(e.cfg.Bottlenecks.AnalyzeIntervalMs) * time.Millisecond,
		HotspotPerHour:  e.cfg.Bottlenecks.HotspotPerHour,
		StuckCeiling:    time.Duration(e.cfg.Bottlenecks.StuckStageCeilingMs) * time.Millisecond,
		StageStatus: func() metrics.StageStatus {
			result := e.stageA.Analyze()

			status := metrics.StageStatus{Stage: result.CurrentStage}
			if progress, ok := result.StageProgress[result.CurrentStage]; ok {
				status.Progress = progress
			}

			if n := len(result.Transitions); n > 0 {
				status.EnteredAt = result.Transitions[n-1].Timestamp
			}

			return status
		},
		QueueBacklog: func() int {
			total := 0
			for _, s := range e.queues.Stats() {
				total += s.Pending
			}

			return total
		},
		SubscriberErrorRate: func() float64 {
			hours := time.Since(e.startedAt).Hours()
			if hours <= 0 {
				return 0
			}

			return float64(e.bus.Stats().SubscriberErrs) / hours
		},
		Logger: e.log,
	})

	// High-severity events pull detection forward instead of waiting
	// out the analyze interval.
	e.bus.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		e.detector.Trigger()

		return nil
	}, bus.SubscribeOptions{
		Filter: func(evt *event.Event) bool {
			return evt.Severity == event.SeverityError || evt.Severity == event.SeverityCritical
		},
	})
}

func (e *Engine) wireMonitors() error {
	emitter := &busEmitter{bus: e.bus, log: e.log}

	if e.cfg.FileMonitor.Enabled {
		mon, err := filemon.New(filemon.Options{
			Root:     e.cfg.FileMonitor.Root,
			Ignore:   e.cfg.FileMonitor.Ignore,
			Debounce: time.Duration(e.cfg.FileMonitor.DebounceMs) * time.Millisecond,
			Emitter:  emitter,
			Cache:    e.store,
			Logger:   e.log,
		})
		if err != nil {
			return fmt.Errorf("build file monitor: %w", err)
		}

		e.filemon = mon
	}

	if e.cfg.GitMonitor.Enabled {
		mon, err := gitmon.New(gitmon.Options{
			RepoPath:        e.cfg.GitMonitor.RepoPath,
			PollInterval:    time.Duration(e.cfg.GitMonitor.PollIntervalMs) * time.Millisecond,
			AnalyzeMessages: e.cfg.GitMonitor.AnalyzeMessages,
			Emitter:         emitter,
			Logger:          e.log,
		})
		if err != nil {
			// A missing repository is a tolerable state for a workstation
			// daemon; the rest of the pipeline still works.
			e.log.Warn("git monitor disabled", "error", err)
		} else {
			e.gitmon = mon
		}
	}

	return nil
}

func (e *Engine) wireFacade() {
	e.facade = facade.New(facade.Options{
		Store:       e.store,
		Bus:         e.bus,
		Queues:      e.queues,
		Stage:       e.stageA,
		Methodology: e.methodology,
		AIUsage:     e.aiusage,
		Collector:   e.collector,
		Detector:    e.detector,
		Monitors:    e.monitorStatus,
		Logger:      e.log,
	})
}

func (e *Engine) wireServer() error {
	if e.noServer {
		return nil
	}

	srv, err := wsserver.New(wsserver.Options{
		Addr:   fmt.Sprintf(":%d", e.cfg.Stream.Port),
		FanOut: e.fanout,
		Logger: e.log,
	})
	if err != nil {
		return err
	}

	e.server = srv

	return nil
}

// monitorStatus reports live monitor states for the facade.
func (e *Engine) monitorStatus() []facade.MonitorStatus {
	statuses := make([]facade.MonitorStatus, 0, 2)

	state := func(enabled, wired bool) string {
		switch {
		case !enabled:
			return "disabled"
		case !wired:
			return "failed"
		default:
			return "running"
		}
	}

	statuses = append(statuses, facade.MonitorStatus{
		Name:  "filemon",
		State: state(e.cfg.FileMonitor.Enabled, e.filemon != nil),
	})

	statuses = append(statuses, facade.MonitorStatus{
		Name:  "gitmon",
		State: state(e.cfg.GitMonitor.Enabled, e.gitmon != nil),
	})

	return statuses
}

// Facade exposes the query surface for adapters.
func (e *Engine) Facade() *facade.Facade { return e.facade }

// Bus exposes the publish point for adapters and tests.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Store exposes the event store for one-shot commands.
func (e *Engine) Store() *store.Store { return e.store }

// FanOut exposes the live stream.
func (e *Engine) FanOut() *stream.FanOut { return e.fanout }

// Start brings the pipeline up: analyzers, workers, detector, sweeper,
// history replay, and finally the monitors so live events land on a
// warmed-up pipeline.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()

	e.runner.Start(ctx)
	e.queues.Start()
	e.detector.Start(ctx)
	e.fanout.StartSweeper()

	e.replayHistory(ctx)

	if e.filemon != nil {
		if err := e.filemon.Start(ctx); err != nil {
			return fmt.Errorf("start file monitor: %w", err)
		}
	}

	if e.gitmon != nil {
		if err := e.gitmon.Start(ctx); err != nil {
			return fmt.Errorf("start git monitor: %w", err)
		}
	}

	e.log.Info("engine started",
		"storage", e.cfg.Storage.Path,
		"fileMonitor", e.filemon != nil,
		"gitMonitor", e.gitmon != nil,
	)

	return nil
}

// Run starts the pipeline and blocks until the context is canceled.
// The WebSocket server and the retention loop run alongside.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if e.server != nil {
		group.Go(func() error {
			return e.server.ListenAndServe(groupCtx)
		})
	}

	group.Go(func() error {
		e.retentionLoop(groupCtx)

		return nil
	})

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case fatalErr := <-e.fatal:
			e.log.Error("fatal shutdown", "error", fatalErr)

			return fatalErr
		}
	})

	err := group.Wait()

	stopErr := e.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return stopErr
}

// Stop drains and shuts the pipeline down in reverse dependency order.
func (e *Engine) Stop() error {
	if e.filemon != nil {
		if err := e.filemon.Stop(); err != nil && !errors.Is(err, filemon.ErrNotStarted) {
			e.log.Warn("file monitor stop", "error", err)
		}
	}

	if e.gitmon != nil {
		if err := e.gitmon.Stop(); err != nil {
			e.log.Warn("git monitor stop", "error", err)
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.queues.FlushAll(flushCtx)
	e.queues.Stop()
	e.detector.Stop()
	e.runner.Stop()
	e.fanout.StopSweeper()

	e.saveSnapshot()

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}

	e.log.Info("engine stopped")

	return nil
}

// persistBatch is the processor shared by the event queues: every entry
// is appended to the store, and user-visible categories also produce an
// activity row.
func (e *Engine) persistBatch(ctx context.Context, entries []*queue.Entry) []error {
	results := make([]error, len(entries))

	for i, entry := range entries {
		evt := entry.Event

		if err := e.store.Append(ctx, evt); err != nil {
			results[i] = err
			e.noteAppendFailure(err)

			continue
		}

		e.noteAppendSuccess()

		if activity := deriveActivity(evt); activity != nil {
			if err := e.store.AppendActivity(ctx, activity); err != nil {
				e.log.Warn("activity append failed", "event", evt.ID, "error", err)
			}
		}
	}

	return results
}

// noteAppendFailure emits the degraded-store signal once per degraded
// episode and escalates to a fatal stop when appends keep failing.
func (e *Engine) noteAppendFailure(err error) {
	if e.degradedSignaled.CompareAndSwap(false, true) {
		evt := event.New(event.TypeStorageDegraded, event.CategorySystem, event.SeverityError, "store",
			map[string]any{"error": err.Error()})

		// SkipQueue: routing this through the queues would hit the same
		// failing store again.
		if _, pubErr := e.bus.Publish(evt, bus.PublishOptions{SkipQueue: true}); pubErr != nil {
			e.log.Warn("emit storage_degraded failed", "error", pubErr)
		}
	}

	if e.appendFailures.Add(1) == maxConsecutiveAppendFailures {
		select {
		case e.fatal <- fmt.Errorf("persistence non-functional: %w", err):
		default:
		}
	}
}

// noteAppendSuccess ends a degraded episode.
func (e *Engine) noteAppendSuccess() {
	e.appendFailures.Store(0)
	e.degradedSignaled.Store(false)
}

// deriveActivity turns a pipeline event into a human-readable activity
// row. System chatter stays out of the log.
func deriveActivity(e *event.Event) *store.Activity {
	switch e.Category {
	case event.CategorySystem, event.CategoryActivity:
		return nil
	default:
	}

	label := humanizeType(e.Type)
	summary := label

	if e.Data != nil {
		if path, ok := e.Data["path"].(string); ok && path != "" {
			summary = fmt.Sprintf("%s %s", label, path)
		} else if msg, ok := e.Data["message"].(string); ok && msg != "" {
			summary = fmt.Sprintf("%s: %s", label, msg)
		}
	}

	return &store.Activity{
		EventID:   e.ID,
		Category:  e.Category,
		Severity:  e.Severity,
		Timestamp: e.Timestamp,
		Summary:   summary,
	}
}

// humanizeType renders an event type for activity summaries:
// "git:commit" becomes "Git commit".
func humanizeType(eventType string) string {
	label := strings.ReplaceAll(eventType, ":", " ")
	if label == "" {
		return label
	}

	return strings.ToUpper(label[:1]) + label[1:]
}

// replayHistory feeds stored events back through the analyzers so a
// restart does not lose derived state. Delivery goes straight to the
// runner; the store and the queues never see these events again.
func (e *Engine) replayHistory(ctx context.Context) {
	now := time.Now().UnixMilli()
	since := now - replayLimit.Milliseconds()

	var snap snapshot
	if err := e.persister.Load(e.stateDir, func(s *snapshot) { snap = *s }); err == nil {
		if snap.LastEventTs > 0 && snap.LastEventTs-replayLimit.Milliseconds() > since {
			since = snap.LastEventTs - replayLimit.Milliseconds()
		}
	}

	events, err := e.store.FindByTimeRange(ctx, since, now, nil)
	if err != nil {
		e.log.Warn("history replay failed", "error", err)

		return
	}

	replayed := 0

	for _, evt := range events {
		if evt.Category == event.CategorySystem {
			continue
		}

		if derr := e.runner.Dispatch(evt); derr != nil {
			e.log.Warn("history replay dispatch", "event", evt.ID, "error", derr)

			break
		}

		replayed++
	}

	if replayed > 0 {
		e.log.Info("history replayed", "events", replayed, "sinceMs", since)
	}
}

// saveSnapshot records where the analyzers left off.
func (e *Engine) saveSnapshot() {
	stats, err := e.store.EventStats(context.Background())
	if err != nil {
		e.log.Warn("snapshot skipped", "error", err)

		return
	}

	err = e.persister.Save(e.stateDir, func() *snapshot {
		return &snapshot{
			LastEventTs: stats.LastTs,
			SavedAt:     time.Now().UnixMilli(),
		}
	})
	if err != nil {
		e.log.Warn("snapshot save failed", "error", err)
	}
}

// retentionLoop prunes expired events on an interval until the context
// ends. The first pass runs immediately so long-stopped installations
// shrink on startup.
func (e *Engine) retentionLoop(ctx context.Context) {
	retention := time.Duration(e.cfg.Storage.RetentionDays) * 24 * time.Hour

	prune := func() {
		n, err := e.store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			e.log.Warn("retention prune failed", "error", err)

			return
		}

		if n > 0 {
			e.log.Info("retention pruned", "events", n)
		}
	}

	prune()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
