package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Processor handles one batch. The returned slice is either nil (whole
// batch acknowledged) or exactly len(entries) long with a per-entry
// result, so partial failure moves only the failing entries to retry.
type Processor func(ctx context.Context, entries []*Entry) []error

// Retry backoff tuning.
const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
	retryJitter    = 0.25
)

// janitorInterval paces the sweep that trims the dead-letter queue.
const janitorInterval = time.Minute

// workerPool runs one worker goroutine per queue with a registered
// processor, plus a janitor sweeping completed state.
type workerPool struct {
	manager *Manager

	mu         sync.Mutex
	processors map[string]Processor
	cancels    map[string]context.CancelFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func newWorkerPool(m *Manager) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &workerPool{
		manager:    m,
		processors: make(map[string]Processor),
		cancels:    make(map[string]context.CancelFunc),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetProcessor registers the batch processor for a queue. The failed
// queue takes no processor; it is terminal.
func (m *Manager) SetProcessor(name string, p Processor) error {
	if name == QueueFailed {
		return fmt.Errorf("%w: %s takes no processor", ErrQueueReserved, name)
	}

	m.mu.RLock()
	_, ok := m.queues[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	m.workers.mu.Lock()
	m.workers.processors[name] = p
	m.workers.mu.Unlock()

	return nil
}

// Start launches the queue workers and the janitor. Idempotent.
func (m *Manager) Start() {
	m.workers.mu.Lock()
	already := m.workers.started
	m.workers.started = true
	m.workers.mu.Unlock()

	if already {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, q := range m.queues {
		m.workers.watch(q)
	}

	m.workers.wg.Add(1)

	go m.workers.janitor()
}

// Stop cancels all workers and waits for them to drain.
func (m *Manager) Stop() {
	m.workers.cancel()
	m.workers.wg.Wait()
}

// watch starts a worker for the queue if the pool is running.
func (p *workerPool) watch(q *queue) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || q.name == QueueFailed {
		return
	}

	if _, exists := p.cancels[q.name]; exists {
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.cancels[q.name] = cancel

	p.wg.Add(1)

	go p.run(ctx, q)
}

// unwatch stops the worker for a destroyed queue.
func (p *workerPool) unwatch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.cancels[name]; ok {
		cancel()
		delete(p.cancels, name)
	}
}

// run is one queue's worker loop: wake on enqueue, tick on the flush
// interval, honor cancellation at every boundary.
func (p *workerPool) run(ctx context.Context, q *queue) {
	defer p.wg.Done()

	interval := q.flushInterval()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}

		// Configure may have retuned the queue; Configure wakes the
		// worker so the new interval applies without waiting out the
		// old ticker.
		if current := q.flushInterval(); current != interval {
			interval = current
			ticker.Reset(interval)
		}

		p.drainReady(ctx, q, false)
	}
}

// drainReady repeatedly takes and processes batches until none is ready.
func (p *workerPool) drainReady(ctx context.Context, q *queue, force bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		batch := q.takeBatch(time.Now(), force)
		if len(batch) == 0 {
			return
		}

		p.processBatch(ctx, q, batch)
	}
}

// processBatch invokes the processor under the per-batch timeout and
// settles each entry: done, retry, or dead-letter.
func (p *workerPool) processBatch(ctx context.Context, q *queue, batch []*Entry) {
	p.mu.Lock()
	processor := p.processors[q.name]
	p.mu.Unlock()

	if processor == nil {
		// No processor registered: put the batch back untouched.
		q.requeue(batch)

		return
	}

	started := time.Now()
	results := p.invoke(ctx, q, processor, batch)
	maxAttempts := q.maxAttempts()

	var retries []*Entry

	for i, entry := range batch {
		var entryErr error
		if results != nil && i < len(results) {
			entryErr = results[i]
		}

		if entryErr == nil {
			q.mu.Lock()
			q.processed++
			q.mu.Unlock()
			p.manager.globalBytes.Add(-entry.size)

			continue
		}

		entry.Attempts++
		entry.LastError = entryErr.Error()

		if entry.Attempts >= maxAttempts {
			p.deadLetter(q, entry)

			continue
		}

		entry.NextAttemptAt = time.Now().Add(backoff(entry.Attempts))
		retries = append(retries, entry)
	}

	if len(retries) > 0 {
		q.requeue(retries)
	}

	// Retried entries stay pending, so only the settled ones leave the
	// depth gauge.
	p.manager.metrics.RecordBatch(ctx, q.name, len(batch)-len(retries), time.Since(started))
}

// invoke runs the processor with the batch timeout; a timeout or panic
// fails every entry in the batch.
func (p *workerPool) invoke(ctx context.Context, q *queue, processor Processor, batch []*Entry) (results []error) {
	batchCtx, cancel := context.WithTimeout(ctx, q.batchTimeout())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			results = failAll(batch, fmt.Errorf("processor panic: %v", r))
		}
	}()

	done := make(chan []error, 1)

	go func() {
		done <- processor(batchCtx, batch)
	}()

	select {
	case results = <-done:
	case <-batchCtx.Done():
		if errors.Is(batchCtx.Err(), context.DeadlineExceeded) {
			results = failAll(batch, ErrBatchTimeout)
		} else {
			results = failAll(batch, batchCtx.Err())
		}
	}

	return results
}

func failAll(batch []*Entry, err error) []error {
	results := make([]error, len(batch))
	for i := range results {
		results[i] = err
	}

	return results
}

// deadLetter moves an exhausted entry to the failed queue, transferring
// ownership. LastError is preserved on the entry.
func (p *workerPool) deadLetter(q *queue, entry *Entry) {
	q.mu.Lock()
	q.failed++
	q.mu.Unlock()

	p.manager.mu.RLock()
	failed := p.manager.queues[QueueFailed]
	p.manager.mu.RUnlock()

	if evicted := failed.push(entry); evicted != nil {
		p.manager.globalBytes.Add(-evicted.size)
		p.manager.metrics.RecordDropped(context.Background(), QueueFailed, 1)
	}

	p.manager.metrics.RecordEnqueued(context.Background(), QueueFailed)

	p.manager.log.Warn("entry moved to dead-letter queue",
		"queue", q.name, "eventId", entry.Event.ID, "attempts", entry.Attempts, "lastError", entry.LastError)
}

// backoff returns the exponential delay for the nth attempt with jitter.
func backoff(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}

	jitter := 1 + retryJitter*(2*rand.Float64()-1) //nolint:gosec // timing jitter, not security

	return time.Duration(float64(delay) * jitter)
}

// janitor periodically trims the dead-letter queue so it cannot grow
// without bound; evicted bytes leave the global budget.
func (p *workerPool) janitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.manager.mu.RLock()
			failed := p.manager.queues[QueueFailed]
			p.manager.mu.RUnlock()

			trimmed, freedBytes := failed.trim()
			if trimmed > 0 {
				p.manager.globalBytes.Add(-freedBytes)
				p.manager.metrics.RecordDropped(p.ctx, QueueFailed, int64(trimmed))
				p.manager.log.Info("trimmed dead-letter queue", "removed", trimmed)
			}
		}
	}
}

// FlushAll synchronously drains every queue with a registered processor.
func (m *Manager) FlushAll(ctx context.Context) {
	m.mu.RLock()
	queues := make([]*queue, 0, len(m.queues))

	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.RUnlock()

	for _, q := range queues {
		if q.name == QueueFailed {
			continue
		}

		m.workers.drainReady(ctx, q, true)
	}
}
