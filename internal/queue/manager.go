package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
	"github.com/devpulse/devpulse/pkg/observability"
)

// Rule selects a target queue for an event. Rules are evaluated in
// descending priority; ties resolve in registration order.
type Rule struct {
	Name      string
	Predicate func(e *event.Event) bool
	Target    string
	Priority  int

	seq int
}

// Emitter is the narrow contract the manager needs to publish system
// events (queue_dropped) without depending on the bus package.
type Emitter interface {
	Emit(e *event.Event)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// MaxQueues bounds the total queue count. Zero means 16.
	MaxQueues int

	// GlobalMaxBytes bounds bytes across all queues. Zero disables.
	GlobalMaxBytes int64

	// AutoRouting installs the default ruleset.
	AutoRouting bool

	// DefaultConfig applies to the reserved queues and any queue created
	// without an explicit config.
	DefaultConfig Config

	// Metrics receives depth, batch, and drop measurements. Nil disables.
	Metrics *observability.PipelineMetrics

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// defaultMaxQueues bounds queue creation when MaxQueues is zero.
const defaultMaxQueues = 16

// Manager owns the named queues, the routing rules, and the workers.
type Manager struct {
	log *slog.Logger

	mu         sync.RWMutex
	queues     map[string]*queue
	rules      []Rule
	nextSeq    int
	maxQueues  int
	defaultCfg Config

	emitter atomic.Value // holds Emitter
	metrics *observability.PipelineMetrics

	globalMax   int64
	globalBytes atomic.Int64

	workers *workerPool
}

// NewManager creates the manager with the four reserved queues.
func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxQueues := opts.MaxQueues
	if maxQueues <= 0 {
		maxQueues = defaultMaxQueues
	}

	m := &Manager{
		log:        logger,
		queues:     make(map[string]*queue),
		maxQueues:  maxQueues,
		defaultCfg: opts.DefaultConfig.withDefaults(),
		metrics:    opts.Metrics,
		globalMax:  opts.GlobalMaxBytes,
	}

	for _, name := range []string{QueueDefault, QueuePriority, QueueBatch, QueueFailed} {
		m.queues[name] = newQueue(name, m.defaultCfg)
	}

	if opts.AutoRouting {
		m.installDefaultRules()
	}

	m.workers = newWorkerPool(m)

	return m
}

// SetEmitter injects the system-event emitter. Called during wiring.
func (m *Manager) SetEmitter(e Emitter) {
	if e != nil {
		m.emitter.Store(e)
	}
}

// Configure replaces the config of an existing queue. A running worker
// picks up the new flush interval immediately; size and byte bounds apply
// from the next push.
func (m *Manager) Configure(name string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()

	// Nudge the worker so it resets its flush ticker now instead of
	// after the old interval next fires.
	select {
	case q.wake <- struct{}{}:
	default:
	}

	return nil
}

// CreateQueue adds a named queue. Reserved names and duplicates fail.
func (m *Manager) CreateQueue(name string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[name]; exists {
		return fmt.Errorf("%w: %s", ErrQueueExists, name)
	}

	if len(m.queues) >= m.maxQueues {
		return fmt.Errorf("%w: limit %d", ErrTooManyQueues, m.maxQueues)
	}

	q := newQueue(name, cfg)
	m.queues[name] = q
	m.workers.watch(q)

	return nil
}

// DestroyQueue removes a named queue. The four reserved queues cannot be
// destroyed.
func (m *Manager) DestroyQueue(name string) error {
	if isReserved(name) {
		return fmt.Errorf("%w: %s", ErrQueueReserved, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	m.globalBytes.Add(-q.stats().Bytes)
	delete(m.queues, name)
	m.workers.unwatch(name)

	return nil
}

func isReserved(name string) bool {
	switch name {
	case QueueDefault, QueuePriority, QueueBatch, QueueFailed:
		return true
	default:
		return false
	}
}

// AddRule registers a routing rule.
func (m *Manager) AddRule(rule Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule.seq = m.nextSeq
	m.nextSeq++

	m.rules = append(m.rules, rule)

	sort.SliceStable(m.rules, func(i, j int) bool {
		if m.rules[i].Priority != m.rules[j].Priority {
			return m.rules[i].Priority > m.rules[j].Priority
		}

		return m.rules[i].seq < m.rules[j].seq
	})
}

// installDefaultRules wires the auto-routing ruleset: high severities to
// the priority queue, telemetry categories to the batch queue.
func (m *Manager) installDefaultRules() {
	m.AddRule(Rule{
		Name:     "high-severity",
		Priority: 100,
		Target:   QueuePriority,
		Predicate: func(e *event.Event) bool {
			return e.Severity == event.SeverityError || e.Severity == event.SeverityCritical
		},
	})
	m.AddRule(Rule{
		Name:     "telemetry",
		Priority: 50,
		Target:   QueueBatch,
		Predicate: func(e *event.Event) bool {
			return e.Category == event.CategoryActivity || e.Category == event.Category("metric")
		},
	})
}

// Target returns the queue an event routes to without enqueuing it.
// Deterministic for a fixed ruleset.
func (m *Manager) Target(e *event.Event) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rule := range m.rules {
		if rule.Predicate != nil && rule.Predicate(e) {
			if _, ok := m.queues[rule.Target]; ok {
				return rule.Target
			}
		}
	}

	return QueueDefault
}

// Route clones the event and enqueues it on the queue the rules select.
// Fails with ErrQueueFull only when the global byte budget is exhausted;
// per-queue overflow evicts the oldest entry instead.
func (m *Manager) Route(e *event.Event) error {
	return m.Enqueue(m.Target(e), e)
}

// Enqueue places the event on a specific queue.
func (m *Manager) Enqueue(name string, e *event.Event) error {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	clone := e.Clone()
	entry := &Entry{
		Event:      clone,
		EnqueuedAt: time.Now(),
		size:       int64(clone.EncodedSize()),
	}

	if m.globalMax > 0 && m.globalBytes.Load()+entry.size > m.globalMax {
		return fmt.Errorf("%w: global budget %d bytes", ErrQueueFull, m.globalMax)
	}

	evicted := q.push(entry)
	m.globalBytes.Add(entry.size)
	m.metrics.RecordEnqueued(context.Background(), name)

	if evicted != nil {
		m.globalBytes.Add(-evicted.size)
		m.emitDropped(name, evicted)
	}

	return nil
}

// emitDropped publishes a system:queue_dropped event for an evicted entry.
func (m *Manager) emitDropped(queueName string, evicted *Entry) {
	m.metrics.RecordDropped(context.Background(), queueName, 1)
	m.log.Warn("queue overflow dropped entry",
		"queue", queueName, "eventType", evicted.Event.Type, "eventId", evicted.Event.ID)

	emitter, ok := m.emitter.Load().(Emitter)
	if !ok || emitter == nil {
		return
	}

	emitter.Emit(event.New(event.TypeQueueDropped, event.CategorySystem, event.SeverityWarning, "queue", map[string]any{
		"queue":     queueName,
		"eventType": evicted.Event.Type,
		"eventId":   evicted.Event.ID,
	}))
}

// Stats returns a snapshot per queue.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.queues))
	for name, q := range m.queues {
		out[name] = q.stats()
	}

	return out
}

// DeadLetters returns the entries currently parked on the failed queue.
func (m *Manager) DeadLetters() []*Entry {
	m.mu.RLock()
	q := m.queues[QueueFailed]
	m.mu.RUnlock()

	return q.snapshot()
}
