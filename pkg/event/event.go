// Package event defines the canonical event record that flows through the
// devpulse pipeline: monitors produce events, the bus dispatches them, the
// queue router batches them, and analyzers derive state from them.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Category classifies an event by the subsystem it describes.
type Category string

// Known event categories.
const (
	CategoryFile     Category = "file"
	CategoryGit      Category = "git"
	CategoryTest     Category = "test"
	CategoryBuild    Category = "build"
	CategoryProcess  Category = "process"
	CategoryStage    Category = "stage"
	CategoryAI       Category = "ai"
	CategoryAPI      Category = "api"
	CategorySystem   Category = "system"
	CategoryActivity Category = "activity"
)

// Categories lists every known category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryFile, CategoryGit, CategoryTest, CategoryBuild,
		CategoryProcess, CategoryStage, CategoryAI, CategoryAPI,
		CategorySystem, CategoryActivity,
	}
}

// KnownCategory reports whether c is one of the declared categories.
func KnownCategory(c Category) bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}

	return false
}

// Severity grades an event from diagnostic noise to critical failure.
type Severity string

// Known severities, ordered from least to most severe.
const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Severities lists every known severity from least to most severe.
func Severities() []Severity {
	return []Severity{
		SeverityDebug, SeverityInfo, SeverityNotice,
		SeverityWarning, SeverityError, SeverityCritical,
	}
}

// KnownSeverity reports whether s is one of the declared severities.
func KnownSeverity(s Severity) bool {
	for _, known := range Severities() {
		if s == known {
			return true
		}
	}

	return false
}

// Well-known event types emitted by the core itself.
const (
	// TypeStageTransition records a development stage change.
	TypeStageTransition = "stage:transition"
	// TypeQueueDropped records an entry evicted by queue overflow.
	TypeQueueDropped = "system:queue_dropped"
	// TypeSubscriberError records a bus handler failure.
	TypeSubscriberError = "system:subscriber_error"
	// TypeStorageDegraded records a persistence failure the system survived.
	TypeStorageDegraded = "system:storage_degraded"
	// TypeMonitorRestart records a monitor restart attempt.
	TypeMonitorRestart = "system:monitor_restart"
	// TypeMonitorFatal records an unrecoverable monitor failure.
	TypeMonitorFatal = "system:monitor_fatal"
)

// Metadata carries optional correlation and attribution fields.
type Metadata struct {
	CorrelationID string  `json:"correlationId,omitempty"`
	ParentEventID string  `json:"parentEventId,omitempty"`
	Actor         string  `json:"actor,omitempty"`
	Branch        string  `json:"branch,omitempty"`
	Impact        float64 `json:"impact,omitempty"`
}

// Event is the atomic record the whole system moves. Timestamp is
// milliseconds since the Unix epoch; Data is the category-specific payload
// validated at the bus boundary. Subscribers must treat Data as read-only.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	Timestamp int64          `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
}

// NewID returns a time-ordered unique event id. UUIDv7 ids sort by
// creation time, which keeps store scans roughly chronological.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}

	return id.String()
}

// NowMillis returns the current wall clock in milliseconds since the epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// New builds an event with a fresh id and the current timestamp.
func New(eventType string, category Category, severity Severity, source string, data map[string]any) *Event {
	return &Event{
		ID:        NewID(),
		Type:      eventType,
		Category:  category,
		Severity:  severity,
		Timestamp: NowMillis(),
		Source:    source,
		Data:      data,
	}
}

// Clone returns a deep copy of the event. The queue and the replay ring
// copy events so later mutation by the producer cannot race with delivery.
func (e *Event) Clone() *Event {
	clone := *e

	if e.Data != nil {
		clone.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			clone.Data[k] = v
		}
	}

	if e.Metadata != nil {
		meta := *e.Metadata
		clone.Metadata = &meta
	}

	return &clone
}

// EncodedSize estimates the byte cost of an event as its JSON encoding.
// Used for queue byte accounting; precision is not required.
func (e *Event) EncodedSize() int {
	raw, err := json.Marshal(e)
	if err != nil {
		return 0
	}

	return len(raw)
}
