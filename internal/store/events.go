package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devpulse/devpulse/pkg/event"
)

// Filter narrows a time-range query. Empty slices match everything.
type Filter struct {
	Categories []event.Category
	Severities []event.Severity
	Types      []string
	Sources    []string
	Limit      int
}

// Stats summarizes the events table.
type Stats struct {
	Total       int64                    `json:"total"`
	PerCategory map[event.Category]int64 `json:"perCategory"`
	PerSeverity map[event.Severity]int64 `json:"perSeverity"`
	FirstTs     int64                    `json:"firstTs"`
	LastTs      int64                    `json:"lastTs"`
}

// Append persists the event exactly once. When the byte budget is
// exhausted it prunes the oldest day of events and retries; if that
// reclaims nothing the append fails with ErrStoreFull.
func (s *Store) Append(ctx context.Context, e *event.Event) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if s.overBudget() {
		reclaimed, pruneErr := s.pruneOldestDay(ctx)
		if pruneErr != nil || reclaimed == 0 {
			return fmt.Errorf("%w: %d byte budget exceeded", ErrStoreFull, s.maxBytes)
		}
	}

	data, metadata, err := encodeColumns(e)
	if err != nil {
		return err
	}

	var correlationID, parentID any
	if e.Metadata != nil {
		if e.Metadata.CorrelationID != "" {
			correlationID = e.Metadata.CorrelationID
		}

		if e.Metadata.ParentEventID != "" {
			parentID = e.Metadata.ParentEventID
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// OR IGNORE makes retried deliveries of an already-stored id a
	// no-op instead of a primary-key conflict: a batch entry that timed
	// out after the insert landed must not dead-letter on redelivery.
	_, execErr := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO events (id, type, category, severity, timestamp, source, data, metadata, correlation_id, parent_event_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, string(e.Category), string(e.Severity), e.Timestamp, e.Source,
		data, metadata, correlationID, parentID,
	)
	if execErr != nil {
		s.markDegraded()

		return fmt.Errorf("append event %s: %w", e.ID, execErr)
	}

	s.clearDegraded()

	return nil
}

// FindByID returns the stored event, or ErrNotFound.
func (s *Store) FindByID(ctx context.Context, id string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, type, category, severity, timestamp, source, data, metadata
FROM events WHERE id = ?`, id)

	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("find event %s: %w", id, err)
	}

	return evt, nil
}

// FindByTimeRange returns events with start <= timestamp <= end matching
// the filter, ordered by timestamp ascending. Read failures surface as an
// empty result plus the error for the caller to report as degradation.
func (s *Store) FindByTimeRange(ctx context.Context, start, end int64, filter *Filter) ([]*event.Event, error) {
	query := strings.Builder{}
	query.WriteString(`
SELECT id, type, category, severity, timestamp, source, data, metadata
FROM events WHERE timestamp >= ? AND timestamp <= ?`)

	args := []any{start, end}

	if filter != nil {
		appendInClause(&query, &args, "category", categoryStrings(filter.Categories))
		appendInClause(&query, &args, "severity", severityStrings(filter.Severities))
		appendInClause(&query, &args, "type", filter.Types)
		appendInClause(&query, &args, "source", filter.Sources)
	}

	query.WriteString(" ORDER BY timestamp ASC, id ASC")

	if filter != nil && filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query time range: %w", err)
	}
	defer rows.Close()

	var events []*event.Event

	for rows.Next() {
		evt, scanErr := scanEvent(rows)
		if scanErr != nil {
			return events, fmt.Errorf("scan event row: %w", scanErr)
		}

		events = append(events, evt)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return events, fmt.Errorf("iterate events: %w", rowsErr)
	}

	return events, nil
}

// EventStats returns aggregate counts over the events table.
func (s *Store) EventStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		PerCategory: make(map[event.Category]int64),
		PerSeverity: make(map[event.Severity]int64),
	}

	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(MIN(timestamp), 0), COALESCE(MAX(timestamp), 0) FROM events`)

	err := row.Scan(&stats.Total, &stats.FirstTs, &stats.LastTs)
	if err != nil {
		return nil, fmt.Errorf("event totals: %w", err)
	}

	catErr := s.countBy(ctx, "category", func(key string, n int64) {
		stats.PerCategory[event.Category(key)] = n
	})
	if catErr != nil {
		return nil, catErr
	}

	sevErr := s.countBy(ctx, "severity", func(key string, n int64) {
		stats.PerSeverity[event.Severity(key)] = n
	})
	if sevErr != nil {
		return nil, sevErr
	}

	return stats, nil
}

// Prune removes events older than the cutoff and returns the count.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}

	removed, _ := res.RowsAffected()

	return removed, nil
}

// pruneOldestDay reclaims space by dropping the oldest 24 hours of events.
func (s *Store) pruneOldestDay(ctx context.Context) (int64, error) {
	var first int64

	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MIN(timestamp), 0) FROM events`)

	err := row.Scan(&first)
	if err != nil || first == 0 {
		return 0, err
	}

	cutoff := time.UnixMilli(first).Add(24 * time.Hour)

	return s.Prune(ctx, cutoff)
}

func (s *Store) countBy(ctx context.Context, column string, visit func(key string, n int64)) error {
	// column is one of the fixed identifiers above, never user input.
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM events GROUP BY %s`, column, column))
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int64
		)

		scanErr := rows.Scan(&key, &n)
		if scanErr != nil {
			return fmt.Errorf("scan %s count: %w", column, scanErr)
		}

		visit(key, n)
	}

	return rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanEvent.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*event.Event, error) {
	var (
		evt      event.Event
		category string
		severity string
		data     sql.NullString
		metadata sql.NullString
	)

	err := sc.Scan(&evt.ID, &evt.Type, &category, &severity, &evt.Timestamp, &evt.Source, &data, &metadata)
	if err != nil {
		return nil, err
	}

	evt.Category = event.Category(category)
	evt.Severity = event.Severity(severity)

	if data.Valid && data.String != "" {
		decodeErr := json.Unmarshal([]byte(data.String), &evt.Data)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode data column: %w", decodeErr)
		}
	}

	if metadata.Valid && metadata.String != "" {
		decodeErr := json.Unmarshal([]byte(metadata.String), &evt.Metadata)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode metadata column: %w", decodeErr)
		}
	}

	return &evt, nil
}

func encodeColumns(e *event.Event) (data, metadata any, err error) {
	if e.Data != nil {
		raw, marshalErr := json.Marshal(e.Data)
		if marshalErr != nil {
			return nil, nil, fmt.Errorf("encode data column: %w", marshalErr)
		}

		data = string(raw)
	}

	if e.Metadata != nil {
		raw, marshalErr := json.Marshal(e.Metadata)
		if marshalErr != nil {
			return nil, nil, fmt.Errorf("encode metadata column: %w", marshalErr)
		}

		metadata = string(raw)
	}

	return data, metadata, nil
}

func appendInClause(query *strings.Builder, args *[]any, column string, values []string) {
	if len(values) == 0 {
		return
	}

	query.WriteString(" AND ")
	query.WriteString(column)
	query.WriteString(" IN (")

	for i, v := range values {
		if i > 0 {
			query.WriteString(", ")
		}

		query.WriteString("?")
		*args = append(*args, v)
	}

	query.WriteString(")")
}

func categoryStrings(categories []event.Category) []string {
	out := make([]string, len(categories))
	for i, c := range categories {
		out[i] = string(c)
	}

	return out
}

func severityStrings(severities []event.Severity) []string {
	out := make([]string, len(severities))
	for i, s := range severities {
		out[i] = string(s)
	}

	return out
}
