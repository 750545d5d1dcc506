// Package config loads and validates devpulse configuration from file,
// environment, and defaults.
package config

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Sentinel validation errors.
var (
	ErrInvalidStoragePath   = errors.New("storage path must not be empty")
	ErrInvalidRetention     = errors.New("storage retention days must be positive")
	ErrInvalidStorageBudget = errors.New("storage max size is not a parsable byte quantity")
	ErrInvalidQueueSize     = errors.New("queue max size must be positive")
	ErrInvalidQueueBytes    = errors.New("queue max bytes is not a parsable byte quantity")
	ErrInvalidBatchSize     = errors.New("queue batch size must be positive")
	ErrInvalidAttempts      = errors.New("queue max attempts must be positive")
	ErrInvalidThreshold     = errors.New("stage confidence threshold must be in (0, 1]")
	ErrInvalidWindow        = errors.New("stage evidence window must be positive")
	ErrInvalidPort          = errors.New("stream port out of range")
	ErrInvalidMonitorRoot   = errors.New("file monitor root must not be empty when enabled")
)

// maxPort is the highest valid TCP port.
const maxPort = 65535

// Config is the full devpulse configuration tree.
type Config struct {
	Storage       StorageConfig       `mapstructure:"storage"`
	Bus           BusConfig           `mapstructure:"bus"`
	Queues        QueuesConfig        `mapstructure:"queues"`
	FileMonitor   FileMonitorConfig   `mapstructure:"fileMonitor"`
	GitMonitor    GitMonitorConfig    `mapstructure:"gitMonitor"`
	Stage         StageConfig         `mapstructure:"stageAnalyzer"`
	AIUsage       AIUsageConfig       `mapstructure:"aiUsage"`
	Bottlenecks   BottlenecksConfig   `mapstructure:"bottlenecks"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// StorageConfig controls the embedded event store.
type StorageConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retentionDays"`
	MaxSize       string `mapstructure:"maxSize"`
}

// MaxSizeBytes parses the human-readable size budget.
func (c *StorageConfig) MaxSizeBytes() (int64, error) {
	if c.MaxSize == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStorageBudget, c.MaxSize)
	}

	return int64(n), nil
}

// BusConfig controls validation at publish.
type BusConfig struct {
	ValidateStrict bool `mapstructure:"validateStrict"`
}

// QueuesConfig holds per-queue tuning plus routing behavior.
type QueuesConfig struct {
	AutoRouting    bool                   `mapstructure:"autoRouting"`
	MaxQueues      int                    `mapstructure:"maxQueues"`
	GlobalMaxBytes string                 `mapstructure:"globalMaxBytes"`
	Named          map[string]QueueConfig `mapstructure:"named"`
}

// GlobalMaxBytesCount parses the cross-queue byte budget.
func (c *QueuesConfig) GlobalMaxBytesCount() (int64, error) {
	if c.GlobalMaxBytes == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.GlobalMaxBytes)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQueueBytes, c.GlobalMaxBytes)
	}

	return int64(n), nil
}

// QueueConfig tunes one named queue.
type QueueConfig struct {
	MaxSize         int    `mapstructure:"maxSize"`
	MaxBytes        string `mapstructure:"maxBytes"`
	BatchSize       int    `mapstructure:"batchSize"`
	FlushIntervalMs int    `mapstructure:"flushIntervalMs"`
	MaxAttempts     int    `mapstructure:"maxAttempts"`
}

// MaxBytesCount parses the queue byte budget.
func (c *QueueConfig) MaxBytesCount() (int64, error) {
	if c.MaxBytes == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.MaxBytes)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQueueBytes, c.MaxBytes)
	}

	return int64(n), nil
}

// FileMonitorConfig controls the filesystem watcher.
type FileMonitorConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Root       string   `mapstructure:"root"`
	Ignore     []string `mapstructure:"ignore"`
	DebounceMs int      `mapstructure:"debounceMs"`
}

// GitMonitorConfig controls the repository poller.
type GitMonitorConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	RepoPath        string `mapstructure:"repoPath"`
	PollIntervalMs  int    `mapstructure:"pollIntervalMs"`
	AnalyzeMessages bool   `mapstructure:"analyzeMessages"`
}

// StageConfig tunes the stage analyzer.
type StageConfig struct {
	ConfidenceThreshold  float64 `mapstructure:"confidenceThreshold"`
	TransitionCooldownMs int     `mapstructure:"transitionCooldownMs"`
	WindowMs             int     `mapstructure:"windowMs"`
	HistorySize          int     `mapstructure:"historySize"`
}

// AIUsageConfig tunes the assistant usage analyzer.
type AIUsageConfig struct {
	SessionGapMs        int     `mapstructure:"sessionGapMs"`
	SecondsSavedPerLine float64 `mapstructure:"secondsSavedPerLine"`
}

// BottlenecksConfig tunes the detector.
type BottlenecksConfig struct {
	AnalyzeIntervalMs   int `mapstructure:"analyzeIntervalMs"`
	HotspotPerHour      int `mapstructure:"hotspotThresholdPerHour"`
	StuckStageCeilingMs int `mapstructure:"stuckStageCeilingMs"`
}

// StreamConfig controls the fan-out and its WebSocket adapter.
type StreamConfig struct {
	Port           int `mapstructure:"port"`
	ReplayWindowMs int `mapstructure:"replayWindowMs"`
	BufferSize     int `mapstructure:"bufferSize"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ObservabilityConfig controls telemetry export. An empty endpoint
// leaves the no-op providers in place.
type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// Validate checks the tree for values no component can run with.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return ErrInvalidStoragePath
	}

	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetention, c.Storage.RetentionDays)
	}

	if _, err := c.Storage.MaxSizeBytes(); err != nil {
		return err
	}

	if _, err := c.Queues.GlobalMaxBytesCount(); err != nil {
		return err
	}

	for name, q := range c.Queues.Named {
		if q.MaxSize <= 0 {
			return fmt.Errorf("%w: queue %s", ErrInvalidQueueSize, name)
		}

		if q.BatchSize <= 0 {
			return fmt.Errorf("%w: queue %s", ErrInvalidBatchSize, name)
		}

		if q.MaxAttempts <= 0 {
			return fmt.Errorf("%w: queue %s", ErrInvalidAttempts, name)
		}

		if _, err := q.MaxBytesCount(); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
	}

	if c.Stage.ConfidenceThreshold <= 0 || c.Stage.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, c.Stage.ConfidenceThreshold)
	}

	if c.Stage.WindowMs <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, c.Stage.WindowMs)
	}

	if c.Stream.Port < 0 || c.Stream.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Stream.Port)
	}

	if c.FileMonitor.Enabled && c.FileMonitor.Root == "" {
		return ErrInvalidMonitorRoot
	}

	return nil
}
