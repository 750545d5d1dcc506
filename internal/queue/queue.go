// Package queue implements the named, bounded, prioritised holding areas
// events pass through on the durable path: rule-driven routing, batched
// processing with per-entry acknowledgement, jittered retry, and a
// dead-letter queue for entries that exhaust their attempts.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
)

// Reserved queue names. These queues always exist and cannot be destroyed.
const (
	// QueueDefault receives events no routing rule claims.
	QueueDefault = "default"
	// QueuePriority receives high-severity events.
	QueuePriority = "priority"
	// QueueBatch receives high-volume telemetry events.
	QueueBatch = "batch"
	// QueueFailed is the dead-letter queue.
	QueueFailed = "failed"
)

// Sentinel errors for queue operations.
var (
	// ErrQueueFull indicates the global byte budget is exhausted.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueExists indicates a queue with that name already exists.
	ErrQueueExists = errors.New("queue already exists")
	// ErrQueueNotFound indicates no queue has that name.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrQueueReserved indicates the operation is forbidden on a reserved queue.
	ErrQueueReserved = errors.New("queue is reserved")
	// ErrTooManyQueues indicates the configured queue limit is reached.
	ErrTooManyQueues = errors.New("too many queues")
	// ErrBatchTimeout indicates a processor exceeded its per-batch deadline.
	ErrBatchTimeout = errors.New("batch processing timed out")
)

// Config tunes one queue.
type Config struct {
	// MaxSize bounds the pending entry count; overflow evicts the oldest.
	MaxSize int

	// MaxBytes bounds the approximate pending byte total.
	MaxBytes int64

	// BatchSize is the maximum entries handed to the processor at once.
	BatchSize int

	// FlushInterval forces a partial batch once the oldest ready entry
	// has waited this long.
	FlushInterval time.Duration

	// MaxAttempts bounds processing attempts before the dead-letter move.
	MaxAttempts int

	// BatchTimeout bounds one processor invocation. Zero uses the default.
	BatchTimeout time.Duration
}

// Default tuning applied to zero-valued Config fields.
const (
	defaultMaxSize       = 10_000
	defaultMaxBytes      = 32 << 20 // 32 MiB
	defaultBatchSize     = 50
	defaultFlushInterval = time.Second
	defaultMaxAttempts   = 3
	defaultBatchTimeout  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}

	if c.MaxBytes <= 0 {
		c.MaxBytes = defaultMaxBytes
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}

	return c
}

// Entry is one event held by a queue. An entry is owned by exactly one
// queue at a time.
type Entry struct {
	Event         *event.Event
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string

	size int64
}

// Stats is a snapshot of one queue's counters.
type Stats struct {
	Name         string `json:"name"`
	Pending      int    `json:"pending"`
	Bytes        int64  `json:"bytes"`
	Processed    int64  `json:"processed"`
	Failed       int64  `json:"failed"`
	Retried      int64  `json:"retried"`
	DroppedCount int64  `json:"droppedCount"`
}

// queue is one named holding area. All fields behind mu.
type queue struct {
	name string
	cfg  Config

	mu      sync.Mutex
	pending []*Entry
	bytes   int64

	processed int64
	failed    int64
	retried   int64
	dropped   int64

	// wake nudges the worker after an enqueue; capacity 1.
	wake chan struct{}
}

func newQueue(name string, cfg Config) *queue {
	return &queue{
		name: name,
		cfg:  cfg.withDefaults(),
		wake: make(chan struct{}, 1),
	}
}

// push appends an entry, evicting the oldest pending entry on overflow.
// Returns the evicted entry, if any.
func (q *queue) push(entry *Entry) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *Entry

	if len(q.pending) >= q.cfg.MaxSize || (q.bytes+entry.size) > q.cfg.MaxBytes {
		if len(q.pending) > 0 {
			evicted = q.pending[0]
			q.pending = q.pending[1:]
			q.bytes -= evicted.size
			q.dropped++
		}
	}

	q.pending = append(q.pending, entry)
	q.bytes += entry.size

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return evicted
}

// takeBatch removes and returns up to BatchSize entries that are ready
// (NextAttemptAt passed). When force is false, a partial batch is only
// taken once the oldest ready entry has waited FlushInterval.
func (q *queue) takeBatch(now time.Time, force bool) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		batch  []*Entry
		keep   []*Entry
		oldest time.Time
	)

	for _, entry := range q.pending {
		if len(batch) < q.cfg.BatchSize && !entry.NextAttemptAt.After(now) {
			if oldest.IsZero() || entry.EnqueuedAt.Before(oldest) {
				oldest = entry.EnqueuedAt
			}

			batch = append(batch, entry)

			continue
		}

		keep = append(keep, entry)
	}

	if len(batch) == 0 {
		return nil
	}

	full := len(batch) >= q.cfg.BatchSize
	aged := now.Sub(oldest) >= q.cfg.FlushInterval

	if !force && !full && !aged {
		return nil
	}

	q.pending = keep

	for _, entry := range batch {
		q.bytes -= entry.size
	}

	return batch
}

// requeue returns failed entries to pending for a later attempt,
// preserving their relative order at the front.
func (q *queue) requeue(entries []*Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.retried += int64(len(entries))
	q.pending = append(entries, q.pending...)

	for _, entry := range entries {
		q.bytes += entry.size
	}
}

func (q *queue) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Name:         q.name,
		Pending:      len(q.pending),
		Bytes:        q.bytes,
		Processed:    q.processed,
		Failed:       q.failed,
		Retried:      q.retried,
		DroppedCount: q.dropped,
	}
}

// snapshot returns copies of the pending entries, oldest first.
func (q *queue) snapshot() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Entry, len(q.pending))
	copy(out, q.pending)

	return out
}

func (q *queue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// flushInterval reads the current flush interval. Configure can swap the
// config while the worker runs, so the worker re-reads it through here.
func (q *queue) flushInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.cfg.FlushInterval
}

func (q *queue) batchTimeout() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.cfg.BatchTimeout
}

func (q *queue) maxAttempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.cfg.MaxAttempts
}

// trim drops the oldest entries beyond MaxSize and reports the count and
// bytes freed. Used by the janitor on the dead-letter queue, which has no
// consumer.
func (q *queue) trim() (int, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	excess := len(q.pending) - q.cfg.MaxSize
	if excess <= 0 {
		return 0, 0
	}

	var freed int64
	for _, entry := range q.pending[:excess] {
		freed += entry.size
	}

	q.bytes -= freed
	q.pending = q.pending[excess:]
	q.dropped += int64(excess)

	return excess, freed
}
