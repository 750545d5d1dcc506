package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/store"
	"github.com/devpulse/devpulse/pkg/event"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "devpulse.db")})
	require.NoError(t, err)

	t.Cleanup(func() { _ = st.Close() })

	return st
}

func fileEvent(ts int64, path string) *event.Event {
	evt := event.New("file:modified", event.CategoryFile, event.SeverityInfo, "file-mon", map[string]any{
		"action": "modify",
		"path":   path,
	})
	evt.Timestamp = ts

	return evt
}

func TestAppendAndFindByIDRoundTrip(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	evt := event.New("git:commit", event.CategoryGit, event.SeverityInfo, "git-mon", map[string]any{
		"action":  "commit",
		"hash":    "a1b2",
		"message": "hotfix: crash",
	})
	evt.Metadata = &event.Metadata{CorrelationID: "corr-1", Branch: "main"}

	require.NoError(t, st.Append(ctx, evt))

	got, err := st.FindByID(ctx, evt.ID)
	require.NoError(t, err)

	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, evt.Type, got.Type)
	assert.Equal(t, evt.Category, got.Category)
	assert.Equal(t, evt.Severity, got.Severity)
	assert.Equal(t, evt.Timestamp, got.Timestamp)
	assert.Equal(t, evt.Source, got.Source)
	assert.Equal(t, "a1b2", got.Data["hash"])
	require.NotNil(t, got.Metadata)
	assert.Equal(t, "corr-1", got.Metadata.CorrelationID)
	assert.Equal(t, "main", got.Metadata.Branch)
}

func TestAppendSameIDTwiceIsIdempotent(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	evt := fileEvent(1_000_000, "main.go")

	require.NoError(t, st.Append(ctx, evt))

	// A redelivered batch entry carries the same id; the second append
	// must succeed without touching the stored row or latching degraded
	// mode.
	require.NoError(t, st.Append(ctx, evt))
	assert.False(t, st.Degraded())

	stats, err := st.EventStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestFindByIDMissing(t *testing.T) {
	t.Parallel()

	st := openStore(t)

	_, err := st.FindByID(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindByTimeRangeOrderingAndFilter(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, fileEvent(3000, "c.go")))
	require.NoError(t, st.Append(ctx, fileEvent(1000, "a.go")))
	require.NoError(t, st.Append(ctx, fileEvent(2000, "b.go")))

	gitEvt := event.New("git:commit", event.CategoryGit, event.SeverityInfo, "git-mon", map[string]any{
		"action": "commit",
	})
	gitEvt.Timestamp = 1500
	require.NoError(t, st.Append(ctx, gitEvt))

	all, err := st.FindByTimeRange(ctx, 0, 5000, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(1000), all[0].Timestamp)
	assert.Equal(t, int64(3000), all[3].Timestamp)

	files, err := st.FindByTimeRange(ctx, 0, 5000, &store.Filter{
		Categories: []event.Category{event.CategoryFile},
	})
	require.NoError(t, err)
	assert.Len(t, files, 3)

	limited, err := st.FindByTimeRange(ctx, 0, 5000, &store.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEventStats(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, fileEvent(1000, "a.go")))
	require.NoError(t, st.Append(ctx, fileEvent(2000, "b.go")))

	crit := event.New("git:commit", event.CategoryGit, event.SeverityCritical, "git-mon", map[string]any{
		"action": "commit",
	})
	crit.Timestamp = 3000
	require.NoError(t, st.Append(ctx, crit))

	stats, err := st.EventStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.PerCategory[event.CategoryFile])
	assert.Equal(t, int64(1), stats.PerSeverity[event.SeverityCritical])
	assert.Equal(t, int64(1000), stats.FirstTs)
	assert.Equal(t, int64(3000), stats.LastTs)
}

func TestPruneRemovesOldEvents(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, fileEvent(1000, "old.go")))
	require.NoError(t, st.Append(ctx, fileEvent(time.Now().UnixMilli(), "new.go")))

	removed, err := st.Prune(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := st.EventStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestBackupAndRestore(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	evt := fileEvent(1000, "a.go")
	require.NoError(t, st.Append(ctx, evt))

	dir := t.TempDir()
	backupPath := filepath.Join(dir, "snapshot.db.lz4")
	require.NoError(t, st.Backup(ctx, backupPath))

	restoredPath := filepath.Join(dir, "restored.db")
	require.NoError(t, store.RestoreBackup(backupPath, restoredPath))

	restored, err := store.Open(store.Options{Path: restoredPath})
	require.NoError(t, err)

	defer restored.Close()

	got, err := restored.FindByID(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, got.ID)
}

func TestStageTransitionsAndActivities(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendStageTransition(ctx, &store.StageTransition{
		FromStage: "PRD", ToStage: "coding", Confidence: 0.9, Timestamp: 2000,
	}))
	require.NoError(t, st.AppendStageTransition(ctx, &store.StageTransition{
		ToStage: "PRD", Confidence: 0.8, Timestamp: 1000,
	}))

	transitions, err := st.StageTransitions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, "coding", transitions[0].ToStage)

	require.NoError(t, st.AppendActivity(ctx, &store.Activity{
		Category: event.CategoryGit, Severity: event.SeverityInfo,
		Timestamp: 1000, Summary: "Git commit: feat(auth): add login",
	}))

	activities, err := st.RecentActivities(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Contains(t, activities[0].Summary, "feat(auth)")
}

func TestFileCacheRoundTrip(t *testing.T) {
	t.Parallel()

	st := openStore(t)
	ctx := context.Background()

	entry := &store.FileCacheEntry{Path: "a.go", ContentHash: "h1", Size: 10, MTime: 1000}
	require.NoError(t, st.FileCachePut(ctx, entry))

	got, err := st.FileCacheGet(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)

	entry.ContentHash = "h2"
	require.NoError(t, st.FileCachePut(ctx, entry))

	got, err = st.FileCacheGet(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)

	require.NoError(t, st.FileCacheDelete(ctx, "a.go"))

	_, err = st.FileCacheGet(ctx, "a.go")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
