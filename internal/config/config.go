// Package config loads config/app.toml into a typed Config struct and
// hosts the small set of settings that live in the database instead (see
// ConfigManager in settings.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ServerConfig is unused by the core itself (the REST/WebSocket façade is
// out of scope) but is parsed so that a shared app.toml round-trips
// without dropping the façade's own section.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DownloadConfig struct {
	MaxGlobalThreads   int            `toml:"max_global_threads"`
	MaxConcurrentTasks int            `toml:"max_concurrent_tasks"`
	ChunkSizeMB        int            `toml:"chunk_size_mb"`
	MaxRetries         int            `toml:"max_retries"`
	CdnRefresh         CdnHealthKnobs `toml:"cdn_refresh"`
}

// CdnHealthKnobs mirrors cdnhealth.Thresholds field-for-field so app.toml
// can tune the detectors without this package importing cdnhealth.
type CdnHealthKnobs struct {
	RefreshIntervalMinutes int     `toml:"refresh_interval_minutes"`
	BaselineEstablishSecs  int     `toml:"baseline_establish_secs"`
	MinBaselineSpeedBps    float64 `toml:"min_baseline_speed_bps"`
	SpeedDropThreshold     float64 `toml:"speed_drop_threshold"`
	DurationThresholdSecs  int     `toml:"duration_threshold_secs"`
	MinThreads             int     `toml:"min_threads"`
	StartupDelaySecs       int     `toml:"startup_delay_secs"`
	NearZeroThresholdKbps  float64 `toml:"near_zero_threshold_kbps"`
	StagnationRatio        float64 `toml:"stagnation_ratio"`
	MinRefreshIntervalSecs int     `toml:"min_refresh_interval_secs"`
}

type UploadConfig struct {
	MaxGlobalThreads int `toml:"max_global_threads"`
	ChunkSizeMB      int `toml:"chunk_size_mb"`
}

type PersistenceConfig struct {
	WALFlushIntervalMS int  `toml:"wal_flush_interval_ms"`
	AutoRecoverTasks   bool `toml:"auto_recover_tasks"`
}

type LoggingConfig struct {
	MaxFileSizeMB  int `toml:"max_file_size_mb"`
	RetentionDays  int `toml:"retention_days"`
}

type HistoryConfig struct {
	RetentionDays int `toml:"retention_days"`
}

// Config is the typed form of config/app.toml.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Download    DownloadConfig    `toml:"download"`
	Upload      UploadConfig      `toml:"upload"`
	Persistence PersistenceConfig `toml:"persistence"`
	Logging     LoggingConfig     `toml:"logging"`
	History     HistoryConfig     `toml:"history"`
}

// Default returns the named defaults from §6's configuration table.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 18888},
		Download: DownloadConfig{
			MaxGlobalThreads:   10,
			MaxConcurrentTasks: 5,
			ChunkSizeMB:        5,
			MaxRetries:         3,
			CdnRefresh: CdnHealthKnobs{
				RefreshIntervalMinutes: 10,
				BaselineEstablishSecs:  30,
				MinBaselineSpeedBps:    100 * 1024,
				SpeedDropThreshold:     0.5,
				DurationThresholdSecs:  15,
				MinThreads:             4,
				StartupDelaySecs:       10,
				NearZeroThresholdKbps:  5,
				StagnationRatio:        0.75,
				MinRefreshIntervalSecs: 30,
			},
		},
		Upload: UploadConfig{
			MaxGlobalThreads: 10,
			ChunkSizeMB:      4,
		},
		Persistence: PersistenceConfig{
			WALFlushIntervalMS: 200,
			AutoRecoverTasks:   true,
		},
		Logging: LoggingConfig{MaxFileSizeMB: 50, RetentionDays: 7},
		History: HistoryConfig{RetentionDays: 30},
	}
}

// Load reads and parses app.toml at path, starting from Default() so any
// key the file omits keeps its named default.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
