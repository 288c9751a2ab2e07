// Package config provides configuration loading and validation for seglog.
// Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a seglog node.
type Config struct {
	Cleaner       CleanerConfig       `yaml:"cleaner"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CleanerConfig carries the async-cleaner tunables. All byte quantities are
// absolute; the ratio thresholds are fractions of total space.
type CleanerConfig struct {
	// TargetJournalDirtyBytes is the desired upper bound of the dirty
	// journal length; trim-dirty fires above it.
	TargetJournalDirtyBytes int64 `yaml:"targetJournalDirtyBytes" env:"SEGLOG_TARGET_JOURNAL_DIRTY_BYTES"`

	// TargetJournalAllocBytes is the desired upper bound of the alloc
	// journal length; trim-alloc fires above it.
	TargetJournalAllocBytes int64 `yaml:"targetJournalAllocBytes" env:"SEGLOG_TARGET_JOURNAL_ALLOC_BYTES"`

	// JournalTailLimitBytes is the hard ceiling of the journal length;
	// writers block above it.
	JournalTailLimitBytes int64 `yaml:"journalTailLimitBytes" env:"SEGLOG_JOURNAL_TAIL_LIMIT_BYTES"`

	// RewriteDirtyBytesPerCycle bounds the dirty extents rewritten in one
	// trim-dirty cycle.
	RewriteDirtyBytesPerCycle int64 `yaml:"rewriteDirtyBytesPerCycle" env:"SEGLOG_REWRITE_DIRTY_BYTES_PER_CYCLE"`

	// RewriteBackrefBytesPerCycle bounds the backref deltas merged in one
	// trim-alloc cycle.
	RewriteBackrefBytesPerCycle int64 `yaml:"rewriteBackrefBytesPerCycle" env:"SEGLOG_REWRITE_BACKREF_BYTES_PER_CYCLE"`

	// ReclaimBytesPerCycle bounds the segment range scanned in one reclaim
	// cycle.
	ReclaimBytesPerCycle int64 `yaml:"reclaimBytesPerCycle" env:"SEGLOG_RECLAIM_BYTES_PER_CYCLE"`

	// AvailableRatioGCStart is the available-space ratio below which the
	// reclaim cycle starts running.
	AvailableRatioGCStart float64 `yaml:"availableRatioGcStart" env:"SEGLOG_AVAILABLE_RATIO_GC_START"`

	// AvailableRatioHardLimit is the projected available-space ratio below
	// which writers block.
	AvailableRatioHardLimit float64 `yaml:"availableRatioHardLimit" env:"SEGLOG_AVAILABLE_RATIO_HARD_LIMIT"`

	// DetailedSpaceTracking selects the per-block bitmap tracker instead of
	// the plain live-byte counters. Used in audits; slower.
	DetailedSpaceTracking bool `yaml:"detailedSpaceTracking" env:"SEGLOG_DETAILED_SPACE_TRACKING"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SEGLOG_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SEGLOG_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SEGLOG_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Cleaner: CleanerConfig{
			TargetJournalDirtyBytes:     256 * 1024 * 1024, // 256MB
			TargetJournalAllocBytes:     256 * 1024 * 1024, // 256MB
			JournalTailLimitBytes:       1024 * 1024 * 1024, // 1GB
			RewriteDirtyBytesPerCycle:   16 * 1024 * 1024,  // 16MB
			RewriteBackrefBytesPerCycle: 8 * 1024 * 1024,   // 8MB
			ReclaimBytesPerCycle:        32 * 1024 * 1024,  // 32MB
			AvailableRatioGCStart:       0.15,
			AvailableRatioHardLimit:     0.05,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads a YAML config file, applies environment overrides and
// validates the result. An empty path yields the defaults (still subject to
// env overrides).
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	envString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envInt64("SEGLOG_TARGET_JOURNAL_DIRTY_BYTES", &c.Cleaner.TargetJournalDirtyBytes)
	envInt64("SEGLOG_TARGET_JOURNAL_ALLOC_BYTES", &c.Cleaner.TargetJournalAllocBytes)
	envInt64("SEGLOG_JOURNAL_TAIL_LIMIT_BYTES", &c.Cleaner.JournalTailLimitBytes)
	envInt64("SEGLOG_REWRITE_DIRTY_BYTES_PER_CYCLE", &c.Cleaner.RewriteDirtyBytesPerCycle)
	envInt64("SEGLOG_REWRITE_BACKREF_BYTES_PER_CYCLE", &c.Cleaner.RewriteBackrefBytesPerCycle)
	envInt64("SEGLOG_RECLAIM_BYTES_PER_CYCLE", &c.Cleaner.ReclaimBytesPerCycle)
	envFloat("SEGLOG_AVAILABLE_RATIO_GC_START", &c.Cleaner.AvailableRatioGCStart)
	envFloat("SEGLOG_AVAILABLE_RATIO_HARD_LIMIT", &c.Cleaner.AvailableRatioHardLimit)
	envBool("SEGLOG_DETAILED_SPACE_TRACKING", &c.Cleaner.DetailedSpaceTracking)
	envString("SEGLOG_METRICS_ADDR", &c.Observability.MetricsAddr)
	envString("SEGLOG_LOG_LEVEL", &c.Observability.LogLevel)
	envString("SEGLOG_LOG_FORMAT", &c.Observability.LogFormat)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	cl := &c.Cleaner
	if cl.TargetJournalDirtyBytes <= 0 {
		return fmt.Errorf("config: targetJournalDirtyBytes must be positive, got %d", cl.TargetJournalDirtyBytes)
	}
	if cl.TargetJournalAllocBytes <= 0 {
		return fmt.Errorf("config: targetJournalAllocBytes must be positive, got %d", cl.TargetJournalAllocBytes)
	}
	if cl.JournalTailLimitBytes <= cl.TargetJournalDirtyBytes ||
		cl.JournalTailLimitBytes <= cl.TargetJournalAllocBytes {
		return fmt.Errorf("config: journalTailLimitBytes %d must exceed both journal targets",
			cl.JournalTailLimitBytes)
	}
	if cl.RewriteDirtyBytesPerCycle <= 0 {
		return fmt.Errorf("config: rewriteDirtyBytesPerCycle must be positive, got %d", cl.RewriteDirtyBytesPerCycle)
	}
	if cl.RewriteBackrefBytesPerCycle <= 0 {
		return fmt.Errorf("config: rewriteBackrefBytesPerCycle must be positive, got %d", cl.RewriteBackrefBytesPerCycle)
	}
	if cl.ReclaimBytesPerCycle <= 0 {
		return fmt.Errorf("config: reclaimBytesPerCycle must be positive, got %d", cl.ReclaimBytesPerCycle)
	}
	if cl.AvailableRatioGCStart <= 0 || cl.AvailableRatioGCStart >= 1 {
		return fmt.Errorf("config: availableRatioGcStart must be in (0,1), got %v", cl.AvailableRatioGCStart)
	}
	if cl.AvailableRatioHardLimit <= 0 || cl.AvailableRatioHardLimit >= 1 {
		return fmt.Errorf("config: availableRatioHardLimit must be in (0,1), got %v", cl.AvailableRatioHardLimit)
	}
	if cl.AvailableRatioHardLimit >= cl.AvailableRatioGCStart {
		return fmt.Errorf("config: availableRatioHardLimit %v must be below availableRatioGcStart %v",
			cl.AvailableRatioHardLimit, cl.AvailableRatioGCStart)
	}
	return nil
}
