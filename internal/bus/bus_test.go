package bus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/devpulse/devpulse/internal/bus"
	"github.com/devpulse/devpulse/pkg/event"
	"github.com/devpulse/devpulse/pkg/observability"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()

	validator, err := event.NewValidator(true)
	require.NoError(t, err)

	return bus.New(validator, nil)
}

func fileEvent(path string) *event.Event {
	return event.New("file:modified", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
		"action": "modify",
		"path":   path,
	})
}

func TestPublishDispatchesToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	var exact, wildcard, other int

	b.Subscribe("file:modified", func(_ *event.Event) error {
		exact++

		return nil
	}, bus.SubscribeOptions{})
	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		wildcard++

		return nil
	}, bus.SubscribeOptions{})
	b.Subscribe("git:commit", func(_ *event.Event) error {
		other++

		return nil
	}, bus.SubscribeOptions{})

	delivered, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, exact)
	assert.Equal(t, 1, wildcard)
	assert.Zero(t, other)
}

func TestPublishAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	evt := &event.Event{
		Type:     "file:modified",
		Category: event.CategoryFile,
		Severity: event.SeverityInfo,
		Source:   "file-mon",
		Data:     map[string]any{"action": "modify"},
	}

	_, err := b.Publish(evt, bus.PublishOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, evt.ID)
	assert.Positive(t, evt.Timestamp)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	evt := event.New("file:modified", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
		"action": "truncate",
	})

	_, err := b.Publish(evt, bus.PublishOptions{})
	assert.ErrorIs(t, err, event.ErrInvalid)
	assert.Equal(t, int64(1), b.Stats().Rejected)
}

func TestPriorityOrdersDispatch(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	var order []string

	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		order = append(order, "low")

		return nil
	}, bus.SubscribeOptions{Priority: 1})
	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		order = append(order, "high")

		return nil
	}, bus.SubscribeOptions{Priority: 10})
	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		order = append(order, "default")

		return nil
	}, bus.SubscribeOptions{})

	_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"high", "low", "default"}, order)
}

func TestSubscriberIsolation(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	var received int

	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		return errors.New("always fails")
	}, bus.SubscribeOptions{Priority: 10})
	b.Subscribe(bus.PatternAll, func(e *event.Event) error {
		if e.Category == event.CategoryFile {
			received++
		}

		return nil
	}, bus.SubscribeOptions{})

	for range 3 {
		_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
		require.NoError(t, err)
	}

	// The healthy subscriber saw every event despite the failing one.
	assert.Equal(t, 3, received)
	assert.Equal(t, int64(3), b.Stats().SubscriberErrs)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	var received int

	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		panic("boom")
	}, bus.SubscribeOptions{Priority: 10})
	b.Subscribe(bus.PatternAll, func(e *event.Event) error {
		if e.Category == event.CategoryFile {
			received++
		}

		return nil
	}, bus.SubscribeOptions{})

	_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, received)
}

func TestSubscriberErrorEventEmitted(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	var errEvents []*event.Event

	b.Subscribe("file:modified", func(_ *event.Event) error {
		return errors.New("broken handler")
	}, bus.SubscribeOptions{})
	b.Subscribe(event.TypeSubscriberError, func(e *event.Event) error {
		errEvents = append(errEvents, e)

		return nil
	}, bus.SubscribeOptions{})

	_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)

	require.Len(t, errEvents, 1)
	assert.Equal(t, "file:modified", errEvents[0].Data["eventType"])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	var received int

	id := b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		received++

		return nil
	}, bus.SubscribeOptions{})

	_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)

	b.Unsubscribe(id)

	_, err = b.Publish(fileEvent("b.go"), bus.PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, received)
}

func TestSubscriptionFilter(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	var received int

	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		received++

		return nil
	}, bus.SubscribeOptions{
		Filter: func(e *event.Event) bool { return e.Severity == event.SeverityCritical },
	})

	_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)
	assert.Zero(t, received)

	crit := event.New("git:commit", event.CategoryGit, event.SeverityCritical, "git-mon", map[string]any{
		"action": "commit",
	})
	_, err = b.Publish(crit, bus.PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, received)
}

type recordingRouter struct {
	events []*event.Event
}

func (r *recordingRouter) Route(e *event.Event) error {
	r.events = append(r.events, e)

	return nil
}

func TestPublishRoutesThroughRouter(t *testing.T) {
	t.Parallel()

	b := newBus(t)
	router := &recordingRouter{}
	b.SetRouter(router)

	_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)
	assert.Len(t, router.events, 1)

	_, err = b.Publish(fileEvent("b.go"), bus.PublishOptions{SkipQueue: true})
	require.NoError(t, err)
	assert.Len(t, router.events, 1)
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	b := newBus(t)

	b.Subscribe(bus.PatternAll, func(_ *event.Event) error { return nil }, bus.SubscribeOptions{})

	for range 5 {
		_, err := b.Publish(fileEvent("a.go"), bus.PublishOptions{})
		require.NoError(t, err)
	}

	stats := b.Stats()
	assert.Equal(t, int64(5), stats.TotalEvents)
	assert.Equal(t, int64(5), stats.PerCategory[event.CategoryFile])
	assert.Equal(t, int64(5), stats.PerSeverity[event.SeverityInfo])
	assert.Equal(t, 1, stats.SubscriberCount)
	assert.InDelta(t, 5.0, stats.EventsPerHour, 0.01)
}

func TestPublishRecordsPipelineMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	pm, err := observability.NewPipelineMetrics(mp.Meter("test"))
	require.NoError(t, err)

	b := newBus(t)
	b.SetMetrics(pm)

	b.Subscribe(bus.PatternAll, func(_ *event.Event) error {
		return errors.New("handler down")
	}, bus.SubscribeOptions{})

	_, err = b.Publish(fileEvent("a.go"), bus.PublishOptions{})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

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

	// The publish itself plus the subscriber_error system event; the
	// handler also fails on the latter, so both counters exceed one.
	assert.GreaterOrEqual(t, sums["devpulse.events.total"], int64(1))
	assert.GreaterOrEqual(t, sums["devpulse.subscriber.errors.total"], int64(1))
}
