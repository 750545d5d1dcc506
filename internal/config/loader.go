package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".devpulse"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for devpulse settings.
const envPrefix = "DEVPULSE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Defaults.
const (
	DefaultStoragePath         = ".devpulse/devpulse.db"
	DefaultRetentionDays       = 30
	DefaultStorageMaxSize      = "512MB"
	DefaultDebounceMs          = 500
	DefaultPollIntervalMs      = 5000
	DefaultConfidence          = 0.4
	DefaultCooldownMs          = 60_000
	DefaultWindowMs            = 3_600_000
	DefaultHistorySize         = 50
	DefaultSecondsSavedPerLine = 2.0
	DefaultSessionGapMs        = 600_000
	DefaultMaxQueues           = 32
	DefaultGlobalMaxBytes      = "256MB"
	DefaultAnalyzeIntervalMs   = 30_000
	DefaultHotspotPerHour      = 20
	DefaultStuckCeilingMs      = 14_400_000
	DefaultStreamPort          = 8931
	DefaultReplayWindowMs      = 900_000
	DefaultStreamBuffer        = 1024
)

// Load reads configuration from file, env vars, and defaults. If
// configPath is non-empty, it is used as the explicit config file path;
// otherwise the file is searched in CWD and $HOME. A missing config
// file is not an error.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("storage.path", DefaultStoragePath)
	viperCfg.SetDefault("storage.retentionDays", DefaultRetentionDays)
	viperCfg.SetDefault("storage.maxSize", DefaultStorageMaxSize)

	viperCfg.SetDefault("bus.validateStrict", true)

	viperCfg.SetDefault("queues.autoRouting", true)
	viperCfg.SetDefault("queues.maxQueues", DefaultMaxQueues)
	viperCfg.SetDefault("queues.globalMaxBytes", DefaultGlobalMaxBytes)

	viperCfg.SetDefault("fileMonitor.enabled", true)
	viperCfg.SetDefault("fileMonitor.root", ".")
	viperCfg.SetDefault("fileMonitor.ignore", []string{})
	viperCfg.SetDefault("fileMonitor.debounceMs", DefaultDebounceMs)

	viperCfg.SetDefault("gitMonitor.enabled", true)
	viperCfg.SetDefault("gitMonitor.repoPath", ".")
	viperCfg.SetDefault("gitMonitor.pollIntervalMs", DefaultPollIntervalMs)
	viperCfg.SetDefault("gitMonitor.analyzeMessages", true)

	viperCfg.SetDefault("stageAnalyzer.confidenceThreshold", DefaultConfidence)
	viperCfg.SetDefault("stageAnalyzer.transitionCooldownMs", DefaultCooldownMs)
	viperCfg.SetDefault("stageAnalyzer.windowMs", DefaultWindowMs)
	viperCfg.SetDefault("stageAnalyzer.historySize", DefaultHistorySize)

	viperCfg.SetDefault("aiUsage.sessionGapMs", DefaultSessionGapMs)
	viperCfg.SetDefault("aiUsage.secondsSavedPerLine", DefaultSecondsSavedPerLine)

	viperCfg.SetDefault("bottlenecks.analyzeIntervalMs", DefaultAnalyzeIntervalMs)
	viperCfg.SetDefault("bottlenecks.hotspotThresholdPerHour", DefaultHotspotPerHour)
	viperCfg.SetDefault("bottlenecks.stuckStageCeilingMs", DefaultStuckCeilingMs)

	viperCfg.SetDefault("stream.port", DefaultStreamPort)
	viperCfg.SetDefault("stream.replayWindowMs", DefaultReplayWindowMs)
	viperCfg.SetDefault("stream.bufferSize", DefaultStreamBuffer)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "text")
	viperCfg.SetDefault("logging.output", "stderr")
}
