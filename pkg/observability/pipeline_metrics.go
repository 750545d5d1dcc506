package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricEventsTotal     = "devpulse.events.total"
	metricBatchesTotal    = "devpulse.batches.total"
	metricBatchDuration   = "devpulse.batch.duration.seconds"
	metricDroppedTotal    = "devpulse.events.dropped.total"
	metricQueueDepth      = "devpulse.queue.depth"
	metricSubscriberFails = "devpulse.subscriber.errors.total"

	attrCategory = "category"
	attrQueue    = "queue"
)

// PipelineMetrics holds OTel instruments for the event pipeline.
type PipelineMetrics struct {
	eventsTotal     metric.Int64Counter
	batchesTotal    metric.Int64Counter
	batchDuration   metric.Float64Histogram
	droppedTotal    metric.Int64Counter
	queueDepth      metric.Int64UpDownCounter
	subscriberFails metric.Int64Counter
}

// NewPipelineMetrics creates pipeline metric instruments from the given meter.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	events, err := mt.Int64Counter(metricEventsTotal,
		metric.WithDescription("Total events published"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricEventsTotal, err)
	}

	batches, err := mt.Int64Counter(metricBatchesTotal,
		metric.WithDescription("Total queue batches processed"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchesTotal, err)
	}

	batchDur, err := mt.Float64Histogram(metricBatchDuration,
		metric.WithDescription("Per-batch processing duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBatchDuration, err)
	}

	dropped, err := mt.Int64Counter(metricDroppedTotal,
		metric.WithDescription("Events dropped by queue overflow"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricDroppedTotal, err)
	}

	depth, err := mt.Int64UpDownCounter(metricQueueDepth,
		metric.WithDescription("Entries currently pending per queue"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricQueueDepth, err)
	}

	fails, err := mt.Int64Counter(metricSubscriberFails,
		metric.WithDescription("Bus subscriber handler failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSubscriberFails, err)
	}

	return &PipelineMetrics{
		eventsTotal:     events,
		batchesTotal:    batches,
		batchDuration:   batchDur,
		droppedTotal:    dropped,
		queueDepth:      depth,
		subscriberFails: fails,
	}, nil
}

// RecordEvent counts one published event by category.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordEvent(ctx context.Context, category string) {
	if pm == nil {
		return
	}

	pm.eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrCategory, category)))
}

// RecordBatch records a processed batch for a queue.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordBatch(ctx context.Context, queue string, size int, duration time.Duration) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrQueue, queue))

	pm.batchesTotal.Add(ctx, 1, attrs)
	pm.batchDuration.Record(ctx, duration.Seconds(), attrs)
	pm.queueDepth.Add(ctx, -int64(size), attrs)
}

// RecordEnqueued bumps the pending-depth gauge for a queue.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordEnqueued(ctx context.Context, queue string) {
	if pm == nil {
		return
	}

	pm.queueDepth.Add(ctx, 1, metric.WithAttributes(attribute.String(attrQueue, queue)))
}

// RecordDropped counts overflow-evicted events for a queue and removes
// them from the depth gauge.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordDropped(ctx context.Context, queue string, n int64) {
	if pm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrQueue, queue))

	pm.droppedTotal.Add(ctx, n, attrs)
	pm.queueDepth.Add(ctx, -n, attrs)
}

// RecordSubscriberError counts one bus handler failure.
// Safe to call on a nil receiver (no-op).
func (pm *PipelineMetrics) RecordSubscriberError(ctx context.Context) {
	if pm == nil {
		return
	}

	pm.subscriberFails.Add(ctx, 1)
}
