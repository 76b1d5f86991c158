// Package config holds the tunables of the storage engine, loadable from a
// YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config tunes the storage engine.
type Config struct {
	// ChunkSize is the row batch size used by merges and readers.
	ChunkSize int `yaml:"chunk_size"`
	// MaxRowsPerSegment splits large rowsets into multiple segment files.
	// Zero keeps one segment per flushed chunk.
	MaxRowsPerSegment int `yaml:"max_rows_per_segment"`
	// CompactionMaxColumnsPerGroup bounds one vertical compaction pass;
	// wider schemas are compacted vertically.
	CompactionMaxColumnsPerGroup int `yaml:"compaction_max_columns_per_group"`
	// CompactionMemoryBudget in bytes; merges whose estimated working set
	// exceeds it run vertically. Zero disables the check.
	CompactionMemoryBudget int64 `yaml:"compaction_memory_budget"`
	// CompactionCooldown suppresses re-compaction of a tablet right after
	// a compaction finished.
	CompactionCooldown time.Duration `yaml:"compaction_cooldown"`
	// ApplyWorkers sizes the shared apply worker pool.
	ApplyWorkers int `yaml:"apply_workers"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ChunkSize:                    4096,
		MaxRowsPerSegment:            0,
		CompactionMaxColumnsPerGroup: 5,
		CompactionMemoryBudget:       0,
		CompactionCooldown:           30 * time.Second,
		ApplyWorkers:                 4,
	}
}

// Load reads a YAML config file, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects nonsensical settings.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive")
	}
	if c.CompactionMaxColumnsPerGroup <= 0 {
		return fmt.Errorf("config: compaction_max_columns_per_group must be positive")
	}
	if c.ApplyWorkers <= 0 {
		return fmt.Errorf("config: apply_workers must be positive")
	}
	if c.MaxRowsPerSegment < 0 || c.CompactionMemoryBudget < 0 || c.CompactionCooldown < 0 {
		return fmt.Errorf("config: negative values not allowed")
	}
	return nil
}
