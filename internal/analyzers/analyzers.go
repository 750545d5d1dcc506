// Package analyzers defines the common analyzer contract and the runner
// that gives each analyzer its own worker and bounded inbox, so a slow
// analyzer can never stall the bus dispatch path.
package analyzers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/devpulse/devpulse/pkg/event"
)

// Report is loosely-typed analysis output, keyed by stable field names.
type Report = map[string]any

// Analyzer consumes events on its own worker goroutine and answers
// queries from its accumulated state. Consume is only ever called from
// that single worker; query methods on concrete analyzers must take
// their own read locks.
type Analyzer interface {
	Name() string
	Consume(e *event.Event)
}

// defaultInboxSize bounds each analyzer's channel. Overflow drops the
// incoming event for that analyzer and counts it.
const defaultInboxSize = 1024

// worker is one analyzer plus its inbox.
type worker struct {
	analyzer Analyzer
	inbox    chan *event.Event
	dropped  atomic.Int64
}

// Runner fans bus events out to registered analyzers.
type Runner struct {
	log *slog.Logger

	mu      sync.Mutex
	workers []*worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRunner creates an empty runner.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{log: logger}
}

// Register adds an analyzer. Buffer <= 0 uses the default inbox size.
// Must be called before Start.
func (r *Runner) Register(a Analyzer, buffer int) {
	if buffer <= 0 {
		buffer = defaultInboxSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.workers = append(r.workers, &worker{
		analyzer: a,
		inbox:    make(chan *event.Event, buffer),
	})
}

// Start launches one goroutine per registered analyzer.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true

	for _, w := range r.workers {
		r.wg.Add(1)

		go r.consumeLoop(runCtx, w)
	}
}

// Stop cancels the workers and waits for them to drain.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()

	if !started {
		return
	}

	cancel()
	r.wg.Wait()
}

func (r *Runner) consumeLoop(ctx context.Context, w *worker) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.inbox:
			w.analyzer.Consume(e)
		}
	}
}

// Dispatch offers the event to every analyzer inbox without blocking.
// This is the bus handler; it must return quickly.
func (r *Runner) Dispatch(e *event.Event) error {
	r.mu.Lock()
	workers := r.workers
	r.mu.Unlock()

	for _, w := range workers {
		select {
		case w.inbox <- e:
		default:
			if w.dropped.Add(1)%100 == 1 {
				r.log.Warn("analyzer inbox full, dropping events",
					"analyzer", w.analyzer.Name(), "dropped", w.dropped.Load())
			}
		}
	}

	return nil
}

// Dropped returns the per-analyzer count of events dropped on overflow.
func (r *Runner) Dropped() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int64, len(r.workers))
	for _, w := range r.workers {
		out[w.analyzer.Name()] = w.dropped.Load()
	}

	return out
}
