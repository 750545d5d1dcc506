package analyzers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/analyzers"
	"github.com/devpulse/devpulse/pkg/event"
)

// counting is a minimal analyzer that records what it consumed.
type counting struct {
	name string

	mu   sync.Mutex
	seen []*event.Event

	block chan struct{}
}

func (c *counting) Name() string { return c.name }

func (c *counting) Consume(e *event.Event) {
	if c.block != nil {
		<-c.block
	}

	c.mu.Lock()
	c.seen = append(c.seen, e)
	c.mu.Unlock()
}

func (c *counting) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.seen)
}

func fileEvent() *event.Event {
	return event.New("file:modified", event.CategoryFile, event.SeverityInfo, "filemon", nil)
}

func TestRunnerDeliversToEveryAnalyzer(t *testing.T) {
	t.Parallel()

	first := &counting{name: "first"}
	second := &counting{name: "second"}

	r := analyzers.NewRunner(nil)
	r.Register(first, 8)
	r.Register(second, 8)

	r.Start(context.Background())

	t.Cleanup(r.Stop)

	for range 3 {
		require.NoError(t, r.Dispatch(fileEvent()))
	}

	require.Eventually(t, func() bool {
		return first.count() == 3 && second.count() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunnerDropsOnFullInboxWithoutBlocking(t *testing.T) {
	t.Parallel()

	blocked := &counting{name: "blocked", block: make(chan struct{})}
	healthy := &counting{name: "healthy"}

	r := analyzers.NewRunner(nil)
	r.Register(blocked, 1)
	r.Register(healthy, 16)

	r.Start(context.Background())

	t.Cleanup(func() {
		close(blocked.block)
		r.Stop()
	})

	// The blocked analyzer's worker is stuck in Consume; its one-slot
	// inbox fills and further dispatches must drop, not stall.
	for range 5 {
		require.NoError(t, r.Dispatch(fileEvent()))
	}

	require.Eventually(t, func() bool {
		return healthy.count() == 5
	}, 2*time.Second, 10*time.Millisecond)

	dropped := r.Dropped()
	assert.Positive(t, dropped["blocked"])
	assert.Zero(t, dropped["healthy"])
}

func TestRunnerStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()

	r := analyzers.NewRunner(nil)
	r.Register(&counting{name: "only"}, 1)

	assert.NotPanics(t, r.Stop)
}
