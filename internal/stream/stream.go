// Package stream multiplexes the event flow to dashboard-style
// subscribers. Each subscriber carries its own filter, minimum delivery
// gap, and per-second rate limit; delivered events also land in a
// bounded replay ring that subscribers can re-read from a timestamp.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
)

// Defaults.
const (
	defaultReplayRetention = 15 * time.Minute
	defaultReplayCapacity  = 10_000
	defaultSweepInterval   = time.Minute

	rateWindowMs = 1000
)

// Sentinel errors.
var (
	// ErrSubscriberExists indicates the id is already subscribed.
	ErrSubscriberExists = errors.New("subscriber already exists")
	// ErrSubscriberNotFound indicates no subscriber has that id.
	ErrSubscriberNotFound = errors.New("subscriber not found")
)

// Callback receives delivered events. Errors are counted against the
// subscriber and never propagate to other subscribers.
type Callback func(e *event.Event) error

// Filter selects which events a subscriber sees. Empty slices match
// everything.
type Filter struct {
	Categories []event.Category `json:"categories,omitempty"`
	Severities []event.Severity `json:"severities,omitempty"`
	Sources    []string         `json:"sources,omitempty"`
	Types      []string         `json:"types,omitempty"`

	// MinGap suppresses deliveries closer together than this.
	MinGap time.Duration `json:"-"`

	// MaxPerSec caps deliveries in any sliding one-second window.
	// Zero means unlimited.
	MaxPerSec int `json:"maxPerSec,omitempty"`
}

// matches reports whether the filter passes the event.
func (f *Filter) matches(e *event.Event) bool {
	if len(f.Categories) > 0 && !containsCategory(f.Categories, e.Category) {
		return false
	}

	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}

	if len(f.Sources) > 0 && !containsString(f.Sources, e.Source) {
		return false
	}

	if len(f.Types) > 0 && !containsString(f.Types, e.Type) {
		return false
	}

	return true
}

func containsCategory(list []event.Category, c event.Category) bool {
	for _, candidate := range list {
		if candidate == c {
			return true
		}
	}

	return false
}

func containsSeverity(list []event.Severity, s event.Severity) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}

	return false
}

func containsString(list []string, s string) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}

	return false
}

// SubscriberStats is a per-subscriber counter snapshot.
type SubscriberStats struct {
	ID         string `json:"id"`
	Delivered  int64  `json:"delivered"`
	Suppressed int64  `json:"suppressed"`
	Errors     int64  `json:"errors"`
}

// subscriber is one attached consumer. Its mutable state is guarded by
// its own mutex so one slow subscriber cannot contend with another.
type subscriber struct {
	id string
	cb Callback

	mu           sync.Mutex
	filter       Filter
	lastDelivery int64
	window       []int64 // delivery timestamps inside the rate window
	delivered    int64
	suppressed   int64
	errors       int64
}

// ringEntry is one replay buffer slot.
type ringEntry struct {
	ts    int64
	event *event.Event
}

// FanOut is the stream multiplexer.
type FanOut struct {
	log       *slog.Logger
	retention time.Duration

	mu   sync.RWMutex
	subs map[string]*subscriber

	ringMu  sync.Mutex
	ring    []ringEntry
	ringCap int

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// Options configures a FanOut.
type Options struct {
	// ReplayRetention bounds how far back replay reaches.
	ReplayRetention time.Duration

	// ReplayCapacity bounds the replay ring entry count.
	ReplayCapacity int

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// New builds a fan-out with defaults applied.
func New(opts Options) *FanOut {
	if opts.ReplayRetention <= 0 {
		opts.ReplayRetention = defaultReplayRetention
	}

	if opts.ReplayCapacity <= 0 {
		opts.ReplayCapacity = defaultReplayCapacity
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FanOut{
		log:       logger.With("component", "stream"),
		retention: opts.ReplayRetention,
		subs:      make(map[string]*subscriber),
		ringCap:   opts.ReplayCapacity,
		sweepStop: make(chan struct{}),
	}
}

// Subscribe attaches a consumer under a unique id.
func (f *FanOut) Subscribe(id string, cb Callback, filter Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.subs[id]; exists {
		return fmt.Errorf("%w: %s", ErrSubscriberExists, id)
	}

	f.subs[id] = &subscriber{id: id, cb: cb, filter: filter}

	return nil
}

// Unsubscribe detaches a consumer.
func (f *FanOut) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.subs[id]; !exists {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}

	delete(f.subs, id)

	return nil
}

// UpdateFilter replaces a subscriber's filter in place.
func (f *FanOut) UpdateFilter(id string, filter Filter) error {
	f.mu.RLock()
	sub, ok := f.subs[id]
	f.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}

	sub.mu.Lock()
	sub.filter = filter
	sub.mu.Unlock()

	return nil
}

// Name identifies the fan-out to the analyzer runner.
func (f *FanOut) Name() string { return "stream" }

// Consume records the event in the replay ring and offers it to every
// subscriber. Delivery rules apply in order: filter, MinGap, MaxPerSec.
func (f *FanOut) Consume(e *event.Event) {
	f.remember(e)

	f.mu.RLock()
	subs := make([]*subscriber, 0, len(f.subs))

	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.RUnlock()

	for _, sub := range subs {
		f.offer(sub, e)
	}
}

// offer applies the delivery rules and invokes the callback.
func (f *FanOut) offer(sub *subscriber, e *event.Event) {
	sub.mu.Lock()

	if !sub.filter.matches(e) {
		sub.mu.Unlock()

		return
	}

	now := e.Timestamp

	if sub.filter.MinGap > 0 && sub.lastDelivery != 0 && now-sub.lastDelivery < sub.filter.MinGap.Milliseconds() {
		sub.suppressed++
		sub.mu.Unlock()

		return
	}

	if sub.filter.MaxPerSec > 0 {
		sub.trimWindow(now)

		if len(sub.window) >= sub.filter.MaxPerSec {
			sub.suppressed++
			sub.mu.Unlock()

			return
		}

		sub.window = append(sub.window, now)
	}

	sub.lastDelivery = now
	sub.delivered++
	cb := sub.cb
	sub.mu.Unlock()

	f.invoke(sub, cb, e)
}

// invoke runs the callback with panic and error isolation.
func (f *FanOut) invoke(sub *subscriber, cb Callback, e *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.countError(sub, fmt.Errorf("callback panic: %v", r))
		}
	}()

	if err := cb(e); err != nil {
		f.countError(sub, err)
	}
}

func (f *FanOut) countError(sub *subscriber, err error) {
	sub.mu.Lock()
	sub.errors++
	count := sub.errors
	sub.mu.Unlock()

	if count%100 == 1 {
		f.log.Warn("subscriber delivery failing", "subscriber", sub.id, "errors", count, "error", err)
	}
}

// trimWindow drops delivery stamps older than the rate window. Caller
// holds sub.mu.
func (s *subscriber) trimWindow(now int64) {
	keep := s.window[:0]

	for _, ts := range s.window {
		if now-ts < rateWindowMs {
			keep = append(keep, ts)
		}
	}

	s.window = keep
}

// remember appends to the replay ring, evicting expired and overflow
// entries.
func (f *FanOut) remember(e *event.Event) {
	f.ringMu.Lock()
	defer f.ringMu.Unlock()

	f.ring = append(f.ring, ringEntry{ts: e.Timestamp, event: e})

	if len(f.ring) > f.ringCap {
		f.ring = f.ring[len(f.ring)-f.ringCap:]
	}
}

// Replay re-delivers ring events at or after sinceTs that match the
// subscriber's current filter. Replay bypasses MinGap and MaxPerSec.
func (f *FanOut) Replay(id string, sinceTs int64) (int, error) {
	f.mu.RLock()
	sub, ok := f.subs[id]
	f.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSubscriberNotFound, id)
	}

	f.ringMu.Lock()
	entries := make([]ringEntry, len(f.ring))
	copy(entries, f.ring)
	f.ringMu.Unlock()

	sub.mu.Lock()
	filter := sub.filter
	cb := sub.cb
	sub.mu.Unlock()

	replayed := 0

	for _, entry := range entries {
		if entry.ts < sinceTs || !filter.matches(entry.event) {
			continue
		}

		f.invoke(sub, cb, entry.event)
		replayed++
	}

	sub.mu.Lock()
	sub.delivered += int64(replayed)
	sub.mu.Unlock()

	return replayed, nil
}

// Sweep drops replay entries older than the retention, relative to now,
// and trims idle rate windows.
func (f *FanOut) Sweep(now int64) {
	cutoff := now - f.retention.Milliseconds()

	f.ringMu.Lock()

	firstLive := len(f.ring)

	for i, entry := range f.ring {
		if entry.ts > cutoff {
			firstLive = i

			break
		}
	}

	f.ring = f.ring[firstLive:]
	f.ringMu.Unlock()

	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		sub.mu.Lock()
		sub.trimWindow(now)
		sub.mu.Unlock()
	}
}

// StartSweeper runs periodic sweeps until StopSweeper.
func (f *FanOut) StartSweeper() {
	go func() {
		ticker := time.NewTicker(defaultSweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-f.sweepStop:
				return
			case <-ticker.C:
				f.Sweep(time.Now().UnixMilli())
			}
		}
	}()
}

// StopSweeper halts the periodic sweep. Idempotent.
func (f *FanOut) StopSweeper() {
	f.sweepOnce.Do(func() { close(f.sweepStop) })
}

// Stats snapshots per-subscriber counters.
func (f *FanOut) Stats() []SubscriberStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(f.subs))

	for _, sub := range f.subs {
		sub.mu.Lock()
		out = append(out, SubscriberStats{
			ID:         sub.id,
			Delivered:  sub.delivered,
			Suppressed: sub.suppressed,
			Errors:     sub.errors,
		})
		sub.mu.Unlock()
	}

	return out
}
