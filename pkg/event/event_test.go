package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/pkg/event"
)

func TestNewAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	evt := event.New("file:modified", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
		"action": "modify",
	})

	assert.NotEmpty(t, evt.ID)
	assert.Positive(t, evt.Timestamp)
	assert.Equal(t, event.CategoryFile, evt.Category)
}

func TestNewIDIsSortable(t *testing.T) {
	t.Parallel()

	first := event.NewID()
	second := event.NewID()

	// UUIDv7 ids embed a millisecond timestamp prefix, so ids generated
	// in sequence never sort backwards.
	assert.LessOrEqual(t, first, second)
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	evt := event.New("git:commit", event.CategoryGit, event.SeverityInfo, "git-mon", map[string]any{
		"action": "commit",
		"hash":   "a1b2",
	})
	evt.Metadata = &event.Metadata{Branch: "main"}

	clone := evt.Clone()
	clone.Data["hash"] = "c3d4"
	clone.Metadata.Branch = "dev"

	assert.Equal(t, "a1b2", evt.Data["hash"])
	assert.Equal(t, "main", evt.Metadata.Branch)
}

func TestEncodedSizeGrowsWithPayload(t *testing.T) {
	t.Parallel()

	small := event.New("test:run", event.CategoryTest, event.SeverityInfo, "runner", map[string]any{
		"status": "passed",
	})
	large := event.New("test:run", event.CategoryTest, event.SeverityInfo, "runner", map[string]any{
		"status": "passed",
		"target": "integration suite with a very long descriptive name",
	})

	require.Positive(t, small.EncodedSize())
	assert.Greater(t, large.EncodedSize(), small.EncodedSize())
}

func TestKnownCategoryAndSeverity(t *testing.T) {
	t.Parallel()

	assert.True(t, event.KnownCategory(event.CategoryGit))
	assert.False(t, event.KnownCategory(event.Category("metric")))
	assert.True(t, event.KnownSeverity(event.SeverityCritical))
	assert.False(t, event.KnownSeverity(event.Severity("fatal")))
}
