package store

import (
	"context"
	"fmt"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
)

// Activity is a human-readable log entry derived from an event.
type Activity struct {
	ID        int64          `json:"id"`
	EventID   string         `json:"eventId,omitempty"`
	Category  event.Category `json:"category"`
	Severity  event.Severity `json:"severity"`
	Timestamp int64          `json:"timestamp"`
	Summary   string         `json:"summary"`
}

// StageTransition is a persisted stage change.
type StageTransition struct {
	FromStage  string  `json:"fromStage,omitempty"`
	ToStage    string  `json:"toStage"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// FileCacheEntry is a file-identity record used by the file monitor to
// recognize unchanged and renamed files across restarts.
type FileCacheEntry struct {
	Path        string
	ContentHash string
	Size        int64
	MTime       int64
}

// AppendActivity records a derived activity entry.
func (s *Store) AppendActivity(ctx context.Context, a *Activity) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO activities (event_id, category, severity, timestamp, summary)
VALUES (?, ?, ?, ?, ?)`,
		a.EventID, string(a.Category), string(a.Severity), a.Timestamp, a.Summary,
	)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}

	return nil
}

// RecentActivities returns the newest entries, newest first. A non-empty
// category narrows the result.
func (s *Store) RecentActivities(ctx context.Context, limit int, category event.Category) ([]Activity, error) {
	query := `
SELECT id, event_id, category, severity, timestamp, summary
FROM activities`

	args := []any{}

	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(category))
	}

	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []Activity

	for rows.Next() {
		var (
			a        Activity
			cat, sev string
		)

		scanErr := rows.Scan(&a.ID, &a.EventID, &cat, &sev, &a.Timestamp, &a.Summary)
		if scanErr != nil {
			return out, fmt.Errorf("scan activity: %w", scanErr)
		}

		a.Category = event.Category(cat)
		a.Severity = event.Severity(sev)
		out = append(out, a)
	}

	return out, rows.Err()
}

// AppendMetric records one sample of a metric series.
func (s *Store) AppendMetric(ctx context.Context, metricID string, ts int64, value float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (metric_id, timestamp, value) VALUES (?, ?, ?)`,
		metricID, ts, value,
	)
	if err != nil {
		return fmt.Errorf("append metric %s: %w", metricID, err)
	}

	return nil
}

// MetricRange returns samples of a series within [start, end], ascending.
func (s *Store) MetricRange(ctx context.Context, metricID string, start, end int64) ([]MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT timestamp, value FROM metrics
WHERE metric_id = ? AND timestamp >= ? AND timestamp <= ?
ORDER BY timestamp ASC`, metricID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query metric %s: %w", metricID, err)
	}
	defer rows.Close()

	var out []MetricSample

	for rows.Next() {
		var sample MetricSample

		scanErr := rows.Scan(&sample.Timestamp, &sample.Value)
		if scanErr != nil {
			return out, fmt.Errorf("scan metric sample: %w", scanErr)
		}

		out = append(out, sample)
	}

	return out, rows.Err()
}

// MetricSample is one (timestamp, value) point of a series.
type MetricSample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// AppendStageTransition records a stage change in the transition table.
func (s *Store) AppendStageTransition(ctx context.Context, tr *StageTransition) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO stage_transitions (from_stage, to_stage, confidence, reason, timestamp)
VALUES (?, ?, ?, ?, ?)`,
		tr.FromStage, tr.ToStage, tr.Confidence, tr.Reason, tr.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append stage transition: %w", err)
	}

	return nil
}

// StageTransitions returns the newest transitions, newest first.
func (s *Store) StageTransitions(ctx context.Context, limit int) ([]StageTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT from_stage, to_stage, confidence, reason, timestamp
FROM stage_transitions ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query stage transitions: %w", err)
	}
	defer rows.Close()

	var out []StageTransition

	for rows.Next() {
		var tr StageTransition

		scanErr := rows.Scan(&tr.FromStage, &tr.ToStage, &tr.Confidence, &tr.Reason, &tr.Timestamp)
		if scanErr != nil {
			return out, fmt.Errorf("scan stage transition: %w", scanErr)
		}

		out = append(out, tr)
	}

	return out, rows.Err()
}

// FileCachePut upserts a file-identity entry.
func (s *Store) FileCachePut(ctx context.Context, entry *FileCacheEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO file_monitor_cache (path, content_hash, size, mtime, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	content_hash = excluded.content_hash,
	size = excluded.size,
	mtime = excluded.mtime,
	updated_at = excluded.updated_at`,
		entry.Path, entry.ContentHash, entry.Size, entry.MTime, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put file cache entry: %w", err)
	}

	return nil
}

// FileCacheGet returns the cached identity for a path, or ErrNotFound.
func (s *Store) FileCacheGet(ctx context.Context, path string) (*FileCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT path, content_hash, size, mtime FROM file_monitor_cache WHERE path = ?`, path)

	var entry FileCacheEntry

	err := row.Scan(&entry.Path, &entry.ContentHash, &entry.Size, &entry.MTime)
	if err != nil {
		return nil, fmt.Errorf("%w: file cache %s", ErrNotFound, path)
	}

	return &entry, nil
}

// FileCacheDelete removes a file-identity entry.
func (s *Store) FileCacheDelete(ctx context.Context, path string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM file_monitor_cache WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete file cache entry: %w", err)
	}

	return nil
}
