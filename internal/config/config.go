// Package config provides configuration loading for patternstore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/patternstore/internal/logging"
)

// StoreConfig controls the storage engine.
type StoreConfig struct {
	// Path is the store document file. Siblings (lock file, backups) are
	// derived from it.
	Path string `koanf:"path"`

	// LockTimeout bounds a single lock acquisition attempt.
	LockTimeout time.Duration `koanf:"lock_timeout"`

	// LockRetries is how many times the write path retries after a lock
	// timeout before surfacing the error.
	LockRetries int `koanf:"lock_retries"`

	// StalenessWindow is how long a cached read stays valid without
	// re-checking disk.
	StalenessWindow time.Duration `koanf:"staleness_window"`

	// BackupKeep is how many timestamped backups to retain.
	BackupKeep int `koanf:"backup_keep"`
}

// SimilarityConfig controls pattern matching thresholds.
type SimilarityConfig struct {
	// ReuseThreshold is the similarity at or above which a stored
	// candidate is folded into an existing pattern instead of inserted.
	ReuseThreshold float64 `koanf:"reuse_threshold"`

	// MatchThreshold is the minimum similarity (exclusive) for a pattern
	// to count as a FindSimilar hit.
	MatchThreshold float64 `koanf:"match_threshold"`

	// DefaultLimit caps FindSimilar results when the caller passes none.
	DefaultLimit int `koanf:"default_limit"`
}

// Config is the root configuration.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Similarity SimilarityConfig `koanf:"similarity"`
	Logging    logging.Config   `koanf:"logging"`
}

// Default returns the hardcoded defaults. The store path defaults to
// ~/.config/patternstore/store.json.
func Default() *Config {
	path := "store.json"
	if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".config", "patternstore", "store.json")
	}

	return &Config{
		Store: StoreConfig{
			Path:            path,
			LockTimeout:     5 * time.Second,
			LockRetries:     3,
			StalenessWindow: 3 * time.Second,
			BackupKeep:      10,
		},
		Similarity: SimilarityConfig{
			ReuseThreshold: 0.95,
			MatchThreshold: 0.7,
			DefaultLimit:   5,
		},
		Logging: *logging.DefaultConfig(),
	}
}

// Validate checks the configuration for nonsense values.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.LockTimeout <= 0 {
		return fmt.Errorf("store.lock_timeout must be positive, got %v", c.Store.LockTimeout)
	}
	if c.Store.LockRetries < 0 {
		return fmt.Errorf("store.lock_retries cannot be negative, got %d", c.Store.LockRetries)
	}
	if c.Store.StalenessWindow < 0 {
		return fmt.Errorf("store.staleness_window cannot be negative, got %v", c.Store.StalenessWindow)
	}
	if c.Store.BackupKeep < 1 {
		return fmt.Errorf("store.backup_keep must be at least 1, got %d", c.Store.BackupKeep)
	}
	if c.Similarity.ReuseThreshold <= 0 || c.Similarity.ReuseThreshold > 1 {
		return fmt.Errorf("similarity.reuse_threshold must be in (0, 1], got %v", c.Similarity.ReuseThreshold)
	}
	if c.Similarity.MatchThreshold <= 0 || c.Similarity.MatchThreshold > 1 {
		return fmt.Errorf("similarity.match_threshold must be in (0, 1], got %v", c.Similarity.MatchThreshold)
	}
	if c.Similarity.MatchThreshold > c.Similarity.ReuseThreshold {
		return fmt.Errorf("similarity.match_threshold %v exceeds reuse_threshold %v",
			c.Similarity.MatchThreshold, c.Similarity.ReuseThreshold)
	}
	if c.Similarity.DefaultLimit < 1 {
		return fmt.Errorf("similarity.default_limit must be at least 1, got %d", c.Similarity.DefaultLimit)
	}
	return c.Logging.Validate()
}
