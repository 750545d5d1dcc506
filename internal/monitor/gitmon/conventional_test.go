package gitmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConventional(t *testing.T) {
	t.Parallel()

	conv, ok := parseConventional("feat(queue): add dead-letter sweep\n\nlong body here")
	require.True(t, ok)
	assert.Equal(t, "feat", conv.Type)
	assert.Equal(t, "queue", conv.Scope)
	assert.Equal(t, "add dead-letter sweep", conv.Subject)
	assert.False(t, conv.Breaking)
}

func TestParseConventionalNoScope(t *testing.T) {
	t.Parallel()

	conv, ok := parseConventional("fix: handle empty refs")
	require.True(t, ok)
	assert.Equal(t, "fix", conv.Type)
	assert.Empty(t, conv.Scope)
}

func TestParseConventionalBreaking(t *testing.T) {
	t.Parallel()

	conv, ok := parseConventional("refactor(api)!: drop v1 endpoints")
	require.True(t, ok)
	assert.True(t, conv.Breaking)

	conv, ok = parseConventional("feat: new store\n\nBREAKING CHANGE: schema v2")
	require.True(t, ok)
	assert.True(t, conv.Breaking)
}

func TestParseConventionalRejectsPlainMessages(t *testing.T) {
	t.Parallel()

	for _, message := range []string{
		"updated stuff",
		"WIP",
		"Merge branch 'main' into feature",
		"fix:missing space after colon",
	} {
		_, ok := parseConventional(message)
		assert.False(t, ok, "message %q", message)
	}
}

func TestRiskScoreBounds(t *testing.T) {
	t.Parallel()

	conv, ok := parseConventional("docs: typo")
	require.True(t, ok)

	low := riskScore(conv, true, 1, 0, 1)
	assert.Less(t, low, 0.2)

	conv, ok = parseConventional("refactor(core)!: rewrite scheduler")
	require.True(t, ok)

	high := riskScore(conv, true, 5000, 3000, 80)
	assert.InDelta(t, 1.0, high, 0.001)
}

func TestRiskScoreGrowsWithChurn(t *testing.T) {
	t.Parallel()

	conv, ok := parseConventional("feat: thing")
	require.True(t, ok)

	small := riskScore(conv, true, 10, 5, 2)
	large := riskScore(conv, true, 600, 300, 12)

	assert.Greater(t, large, small)
	assert.LessOrEqual(t, large, 1.0)
}

func TestRiskScoreWithoutConventional(t *testing.T) {
	t.Parallel()

	score := riskScore(conventional{}, false, 100, 50, 4)

	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 1.0)
}
