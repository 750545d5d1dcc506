package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/devpulse/devpulse/internal/queue"
	"github.com/devpulse/devpulse/pkg/event"
	"github.com/devpulse/devpulse/pkg/observability"
)

func infoEvent(ts int64) *event.Event {
	evt := event.New("file:modified", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
		"action": "modify",
	})
	evt.Timestamp = ts

	return evt
}

func criticalCommit() *event.Event {
	return event.New("git:commit", event.CategoryGit, event.SeverityCritical, "git-mon", map[string]any{
		"action":  "commit",
		"hash":    "a1b2",
		"message": "hotfix: crash",
	})
}

func TestRoutingDeterminism(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{AutoRouting: true})

	evt := criticalCommit()

	first := m.Target(evt)
	for range 10 {
		assert.Equal(t, first, m.Target(evt))
	}

	assert.Equal(t, queue.QueuePriority, first)
}

func TestDefaultRules(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{AutoRouting: true})

	assert.Equal(t, queue.QueuePriority, m.Target(criticalCommit()))
	assert.Equal(t, queue.QueueDefault, m.Target(infoEvent(1)))

	activity := event.New("activity:log", event.CategoryActivity, event.SeverityInfo, "any", nil)
	assert.Equal(t, queue.QueueBatch, m.Target(activity))
}

func TestRulePriorityAndRegistrationOrder(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})
	require.NoError(t, m.CreateQueue("a", queue.Config{}))
	require.NoError(t, m.CreateQueue("b", queue.Config{}))

	always := func(_ *event.Event) bool { return true }

	m.AddRule(queue.Rule{Name: "low", Predicate: always, Target: "b", Priority: 1})
	m.AddRule(queue.Rule{Name: "high", Predicate: always, Target: "a", Priority: 10})
	m.AddRule(queue.Rule{Name: "high-later", Predicate: always, Target: "b", Priority: 10})

	// Highest priority wins; ties break by registration order.
	assert.Equal(t, "a", m.Target(infoEvent(1)))
}

func TestOverflowDropsOldest(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{MaxSize: 3}))

	var (
		mu      sync.Mutex
		dropped []*event.Event
	)

	m.SetEmitter(emitterFunc(func(e *event.Event) {
		mu.Lock()
		defer mu.Unlock()

		dropped = append(dropped, e)
	}))

	for ts := int64(1); ts <= 4; ts++ {
		require.NoError(t, m.Route(infoEvent(ts)))
	}

	stats := m.Stats()[queue.QueueDefault]
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, int64(1), stats.DroppedCount)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, dropped, 1)
	assert.Equal(t, event.TypeQueueDropped, dropped[0].Type)
}

func TestGlobalByteBudgetFailsPublish(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{GlobalMaxBytes: 1})

	err := m.Route(infoEvent(1))
	assert.ErrorIs(t, err, queue.ErrQueueFull)
}

func TestReservedQueueProtection(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})

	for _, name := range []string{queue.QueueDefault, queue.QueuePriority, queue.QueueBatch, queue.QueueFailed} {
		assert.ErrorIs(t, m.DestroyQueue(name), queue.ErrQueueReserved)
	}

	require.NoError(t, m.CreateQueue("extra", queue.Config{}))
	assert.ErrorIs(t, m.CreateQueue("extra", queue.Config{}), queue.ErrQueueExists)
	require.NoError(t, m.DestroyQueue("extra"))
}

func TestQueueLimit(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{MaxQueues: 5})

	require.NoError(t, m.CreateQueue("extra", queue.Config{}))
	assert.ErrorIs(t, m.CreateQueue("one-too-many", queue.Config{}), queue.ErrTooManyQueues)
}

func TestBatchProcessingAndFlushAll(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{BatchSize: 2, FlushInterval: time.Hour}))

	var (
		mu      sync.Mutex
		batches [][]*queue.Entry
	)

	require.NoError(t, m.SetProcessor(queue.QueueDefault, func(_ context.Context, entries []*queue.Entry) []error {
		mu.Lock()
		defer mu.Unlock()

		batches = append(batches, entries)

		return nil
	}))

	m.Start()
	defer m.Stop()

	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, m.Route(infoEvent(ts)))
	}

	m.FlushAll(context.Background())

	mu.Lock()
	defer mu.Unlock()

	var total int
	for _, b := range batches {
		assert.LessOrEqual(t, len(b), 2)
		total += len(b)
	}

	assert.Equal(t, 5, total)
}

func TestRetryBoundAndDeadLetter(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{
		BatchSize: 1, FlushInterval: time.Millisecond, MaxAttempts: 3,
	}))

	var (
		mu       sync.Mutex
		attempts int
	)

	require.NoError(t, m.SetProcessor(queue.QueueDefault, func(_ context.Context, entries []*queue.Entry) []error {
		mu.Lock()
		defer mu.Unlock()

		attempts += len(entries)

		return failAll(entries, errors.New("processor down"))
	}))

	m.Start()
	defer m.Stop()

	require.NoError(t, m.Route(infoEvent(1)))

	require.Eventually(t, func() bool {
		return len(m.DeadLetters()) == 1
	}, 30*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	letters := m.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, "processor down", letters[0].LastError)
}

func TestPartialBatchFailure(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{
		BatchSize: 2, FlushInterval: time.Millisecond, MaxAttempts: 1,
	}))

	var (
		mu        sync.Mutex
		processed []string
	)

	require.NoError(t, m.SetProcessor(queue.QueueDefault, func(_ context.Context, entries []*queue.Entry) []error {
		mu.Lock()
		defer mu.Unlock()

		results := make([]error, len(entries))

		for i, entry := range entries {
			if entry.Event.Timestamp == 2 {
				results[i] = errors.New("bad entry")

				continue
			}

			processed = append(processed, entry.Event.ID)
		}

		return results
	}))

	m.Start()
	defer m.Stop()

	require.NoError(t, m.Route(infoEvent(1)))
	require.NoError(t, m.Route(infoEvent(2)))

	require.Eventually(t, func() bool {
		return len(m.DeadLetters()) == 1
	}, 30*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	// Only the failing entry went to the dead-letter queue.
	assert.Len(t, processed, 1)
}

func TestStatsProcessedCount(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{
		BatchSize: 10, FlushInterval: time.Millisecond,
	}))

	require.NoError(t, m.SetProcessor(queue.QueueDefault, func(_ context.Context, _ []*queue.Entry) []error {
		return nil
	}))

	m.Start()
	defer m.Stop()

	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, m.Route(infoEvent(ts)))
	}

	require.Eventually(t, func() bool {
		return m.Stats()[queue.QueueDefault].Processed == 3
	}, 30*time.Second, 10*time.Millisecond)
}

func TestConfigureRetunesRunningFlushInterval(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(queue.ManagerOptions{})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{BatchSize: 100, FlushInterval: time.Hour}))

	var processed atomic.Int64

	require.NoError(t, m.SetProcessor(queue.QueueDefault, func(_ context.Context, entries []*queue.Entry) []error {
		processed.Add(int64(len(entries)))

		return nil
	}))

	m.Start()
	defer m.Stop()

	require.NoError(t, m.Route(infoEvent(1)))

	// A partial batch sits until the hour-long flush interval ages it.
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, processed.Load())

	// Shortening the interval on the running queue takes effect without
	// a restart.
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}))

	require.Eventually(t, func() bool {
		return processed.Load() == 1
	}, 30*time.Second, 10*time.Millisecond)
}

func newQueueMetrics(t *testing.T) (*observability.PipelineMetrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	pm, err := observability.NewPipelineMetrics(mp.Meter("test"))
	require.NoError(t, err)

	return pm, reader
}

// metricSums collects all int64 sum datapoints by instrument name.
func metricSums(reader *sdkmetric.ManualReader) map[string]int64 {
	var rm metricdata.ResourceMetrics

	if err := reader.Collect(context.Background(), &rm); err != nil {
		return nil
	}

	sums := make(map[string]int64)

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	return sums
}

func TestProcessingRecordsPipelineMetrics(t *testing.T) {
	t.Parallel()

	pm, reader := newQueueMetrics(t)

	m := queue.NewManager(queue.ManagerOptions{Metrics: pm})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{
		BatchSize: 10, FlushInterval: time.Millisecond,
	}))

	require.NoError(t, m.SetProcessor(queue.QueueDefault, func(_ context.Context, _ []*queue.Entry) []error {
		return nil
	}))

	m.Start()
	defer m.Stop()

	for ts := int64(1); ts <= 3; ts++ {
		require.NoError(t, m.Route(infoEvent(ts)))
	}

	require.Eventually(t, func() bool {
		return m.Stats()[queue.QueueDefault].Processed == 3
	}, 30*time.Second, 10*time.Millisecond)

	// Every enqueued entry settles, so the depth gauge returns to zero
	// once the last batch is recorded.
	require.Eventually(t, func() bool {
		sums := metricSums(reader)

		return sums["devpulse.batches.total"] >= 1 && sums["devpulse.queue.depth"] == 0
	}, 30*time.Second, 10*time.Millisecond)
}

func TestOverflowRecordsDroppedMetric(t *testing.T) {
	t.Parallel()

	pm, reader := newQueueMetrics(t)

	m := queue.NewManager(queue.ManagerOptions{Metrics: pm})
	require.NoError(t, m.Configure(queue.QueueDefault, queue.Config{MaxSize: 1}))

	require.NoError(t, m.Route(infoEvent(1)))
	require.NoError(t, m.Route(infoEvent(2)))

	sums := metricSums(reader)

	assert.EqualValues(t, 1, sums["devpulse.events.dropped.total"])
	// Two enqueued, one evicted: one entry remains on the gauge.
	assert.EqualValues(t, 1, sums["devpulse.queue.depth"])
}

type emitterFunc func(e *event.Event)

func (f emitterFunc) Emit(e *event.Event) { f(e) }

func failAll(entries []*queue.Entry, err error) []error {
	results := make([]error, len(entries))
	for i := range results {
		results[i] = err
	}

	return results
}
