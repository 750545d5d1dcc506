// Package bus implements the single in-process publish point. Dispatch is
// synchronous on the publisher's goroutine so per-source ordering reaches
// every subscriber; heavy work belongs in the subscriber's own worker.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/devpulse/devpulse/pkg/event"
	"github.com/devpulse/devpulse/pkg/observability"
)

// PatternAll subscribes to every event type.
const PatternAll = "*"

// Handler consumes a dispatched event. The event payload is shared across
// subscribers and must be treated as read-only. Returned errors (and
// panics) are isolated per handler and surface as subscriber_error events.
type Handler func(e *event.Event) error

// Filter optionally narrows a subscription beyond its type pattern.
type Filter func(e *event.Event) bool

// Router is the narrow contract the bus needs from the queue layer.
// Injected after construction to break the bus/queue cycle.
type Router interface {
	Route(e *event.Event) error
}

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// Priority orders dispatch; higher runs first. Default 0.
	Priority int

	// Filter, when set, must return true for the handler to run.
	Filter Filter
}

// PublishOptions tunes a single publish call.
type PublishOptions struct {
	// SkipQueue bypasses the queue router; subscribers still run.
	SkipQueue bool
}

// subscription is immutable once created; the table is copy-on-write so
// dispatch never holds a lock across a handler call.
type subscription struct {
	id       uint64
	pattern  string
	priority int
	filter   Filter
	handler  Handler
}

// Stats is a snapshot of bus counters.
type Stats struct {
	TotalEvents     int64                    `json:"totalEvents"`
	PerCategory     map[event.Category]int64 `json:"perCategory"`
	PerSeverity     map[event.Severity]int64 `json:"perSeverity"`
	SubscriberCount int                      `json:"subscriberCount"`
	EventsPerHour   float64                  `json:"eventsPerHour"`
	SubscriberErrs  int64                    `json:"subscriberErrors"`
	Rejected        int64                    `json:"rejected"`
}

// Bus validates, dispatches, and optionally routes events.
type Bus struct {
	validator *event.Validator
	log       *slog.Logger

	// subs holds []*subscription sorted by priority descending.
	subs   atomic.Value
	subsMu sync.Mutex
	nextID atomic.Uint64

	router  atomic.Value // holds Router
	metrics atomic.Value // holds *observability.PipelineMetrics

	total          atomic.Int64
	rejected       atomic.Int64
	subscriberErrs atomic.Int64
	perCategory    map[event.Category]*atomic.Int64
	perSeverity    map[event.Severity]*atomic.Int64
	rate           *hourlyRate
}

// New creates a bus using the given validator.
func New(validator *event.Validator, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		validator:   validator,
		log:         logger,
		perCategory: make(map[event.Category]*atomic.Int64),
		perSeverity: make(map[event.Severity]*atomic.Int64),
		rate:        newHourlyRate(),
	}

	for _, c := range event.Categories() {
		b.perCategory[c] = &atomic.Int64{}
	}

	for _, s := range event.Severities() {
		b.perSeverity[s] = &atomic.Int64{}
	}

	b.subs.Store([]*subscription{})

	return b
}

// SetRouter injects the queue router. May be called once during wiring;
// a nil router leaves queue routing disabled.
func (b *Bus) SetRouter(r Router) {
	if r != nil {
		b.router.Store(r)
	}
}

// SetMetrics injects the pipeline metric instruments. May be called once
// during wiring; nil leaves metrics disabled.
func (b *Bus) SetMetrics(pm *observability.PipelineMetrics) {
	if pm != nil {
		b.metrics.Store(pm)
	}
}

func (b *Bus) pipelineMetrics() *observability.PipelineMetrics {
	pm, _ := b.metrics.Load().(*observability.PipelineMetrics)

	return pm
}

// Subscribe registers a handler for an exact event type or "*".
// Handlers run in descending priority order.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) uint64 {
	sub := &subscription{
		id:       b.nextID.Add(1),
		pattern:  pattern,
		priority: opts.Priority,
		filter:   opts.Filter,
		handler:  handler,
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	current := b.subs.Load().([]*subscription)
	next := make([]*subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)

	// Stable sort keeps registration order among equal priorities.
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].priority > next[j].priority
	})

	b.subs.Store(next)

	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id uint64) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	current := b.subs.Load().([]*subscription)
	next := make([]*subscription, 0, len(current))

	for _, sub := range current {
		if sub.id != id {
			next = append(next, sub)
		}
	}

	b.subs.Store(next)
}

// Publish validates the event, fills in missing id/timestamp, dispatches
// to matching subscribers in priority order, and routes to the queue
// manager unless opts.SkipQueue is set. Returns the number of handlers
// that received the event.
func (b *Bus) Publish(e *event.Event, opts PublishOptions) (int, error) {
	if e.ID == "" {
		e.ID = event.NewID()
	}

	if e.Timestamp == 0 {
		e.Timestamp = event.NowMillis()
	}

	err := b.validator.Validate(e)
	if err != nil {
		b.rejected.Add(1)

		return 0, err
	}

	b.count(e)
	b.pipelineMetrics().RecordEvent(context.Background(), string(e.Category))

	delivered := b.dispatch(e)

	if !opts.SkipQueue {
		if router, ok := b.router.Load().(Router); ok && router != nil {
			routeErr := router.Route(e)
			if routeErr != nil {
				return delivered, fmt.Errorf("route event %s: %w", e.ID, routeErr)
			}
		}
	}

	return delivered, nil
}

// dispatch runs matching handlers without holding any lock.
func (b *Bus) dispatch(e *event.Event) int {
	subs := b.subs.Load().([]*subscription)
	delivered := 0

	for _, sub := range subs {
		if sub.pattern != PatternAll && sub.pattern != e.Type {
			continue
		}

		if sub.filter != nil && !sub.filter(e) {
			continue
		}

		handlerErr := b.invoke(sub, e)
		if handlerErr != nil {
			b.subscriberErrs.Add(1)
			b.pipelineMetrics().RecordSubscriberError(context.Background())
			b.log.Warn("subscriber failed", "subscription", sub.id, "type", e.Type, "error", handlerErr)
			b.emitSubscriberError(sub.id, e, handlerErr)

			continue
		}

		delivered++
	}

	return delivered
}

// invoke isolates handler panics so one subscriber cannot take down
// dispatch for the rest.
func (b *Bus) invoke(sub *subscription, e *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return sub.handler(e)
}

// emitSubscriberError publishes a system event describing a handler
// failure. Failures while handling a subscriber_error event are only
// logged, which bounds the recursion.
func (b *Bus) emitSubscriberError(subID uint64, cause *event.Event, handlerErr error) {
	if cause.Type == event.TypeSubscriberError {
		return
	}

	errEvt := event.New(event.TypeSubscriberError, event.CategorySystem, event.SeverityWarning, "bus", map[string]any{
		"subscription": subID,
		"eventType":    cause.Type,
		"eventId":      cause.ID,
		"error":        handlerErr.Error(),
	})

	_, pubErr := b.Publish(errEvt, PublishOptions{SkipQueue: true})
	if pubErr != nil {
		b.log.Warn("emit subscriber_error failed", "error", pubErr)
	}
}

func (b *Bus) count(e *event.Event) {
	b.total.Add(1)
	b.rate.record(e.Timestamp)

	if counter, ok := b.perCategory[e.Category]; ok {
		counter.Add(1)
	}

	if counter, ok := b.perSeverity[e.Severity]; ok {
		counter.Add(1)
	}
}

// Stats returns a snapshot of the running counters.
func (b *Bus) Stats() Stats {
	subs := b.subs.Load().([]*subscription)

	stats := Stats{
		TotalEvents:     b.total.Load(),
		PerCategory:     make(map[event.Category]int64, len(b.perCategory)),
		PerSeverity:     make(map[event.Severity]int64, len(b.perSeverity)),
		SubscriberCount: len(subs),
		EventsPerHour:   b.rate.perHour(),
		SubscriberErrs:  b.subscriberErrs.Load(),
		Rejected:        b.rejected.Load(),
	}

	for c, counter := range b.perCategory {
		stats.PerCategory[c] = counter.Load()
	}

	for s, counter := range b.perSeverity {
		stats.PerSeverity[s] = counter.Load()
	}

	return stats
}
