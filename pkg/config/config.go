// Package config loads the settings that govern how a repository is opened.
// It also carries skip-delta and lock-expiration settings, which it loads
// and validates; no other package of this module reads them.
//
// Configuration can come from a YAML file (LoadFile) or environment
// variables (LoadFromEnv), with environment variables always taking
// precedence over file values so a deployment can override a checked-in
// config without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to open and operate a repository.
type Config struct {
	Store  Store  `yaml:"store"`
	Deltas Deltas `yaml:"deltas"`
	Locks  Locks  `yaml:"locks"`
}

// Store controls the underlying KV engine.
type Store struct {
	// DataDir is where the badger database lives. Ignored when InMemory is
	// true.
	DataDir string `yaml:"data_dir"`
	// InMemory runs entirely in memory, with no on-disk state — used by
	// tests and short-lived demos.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces an fsync on every commit. Safer, slower.
	SyncWrites bool `yaml:"sync_writes"`
}

// Deltas holds the skip-delta setting (spec.md §4.7). No other package reads
// it: internal/dag offers skip-delta distances beyond the immediate
// predecessor from a fixed predecessor count of 32.
type Deltas struct {
	// SkipDeltaThreshold is a predecessor count k for the skip-delta policy.
	// Validate requires it to be at least 1.
	SkipDeltaThreshold int64 `yaml:"skip_delta_threshold"`
}

// Locks holds the lock setting (spec.md §4.9). No other package reads it.
type Locks struct {
	// DefaultExpiration is a lock duration for requests that name no
	// explicit expiration; zero stands for no expiration. internal/fs.Lock
	// takes its expiration from its caller and does not consult it.
	DefaultExpiration time.Duration `yaml:"default_expiration"`
}

// Default returns the configuration a fresh repository opens with absent
// any file or environment override.
func Default() *Config {
	return &Config{
		Store: Store{
			DataDir:    "./dagfs-data",
			InMemory:   false,
			SyncWrites: true,
		},
		Deltas: Deltas{
			SkipDeltaThreshold: 32,
		},
		Locks: Locks{
			DefaultExpiration: 0,
		},
	}
}

// LoadFile reads and parses a YAML config file, starting from Default and
// overriding only the fields present in the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv starts from base (or Default if nil) and overrides fields
// named by DAGFS_* environment variables.
func LoadFromEnv(base *Config) *Config {
	cfg := base
	if cfg == nil {
		cfg = Default()
	}

	cfg.Store.DataDir = getEnv("DAGFS_DATA_DIR", cfg.Store.DataDir)
	cfg.Store.InMemory = getEnvBool("DAGFS_IN_MEMORY", cfg.Store.InMemory)
	cfg.Store.SyncWrites = getEnvBool("DAGFS_SYNC_WRITES", cfg.Store.SyncWrites)
	cfg.Deltas.SkipDeltaThreshold = getEnvInt64("DAGFS_SKIP_DELTA_THRESHOLD", cfg.Deltas.SkipDeltaThreshold)
	cfg.Locks.DefaultExpiration = getEnvDuration("DAGFS_LOCK_DEFAULT_EXPIRATION", cfg.Locks.DefaultExpiration)

	return cfg
}

// Validate reports a non-nil error if cfg cannot be used to open a
// repository.
func (c *Config) Validate() error {
	if !c.Store.InMemory && strings.TrimSpace(c.Store.DataDir) == "" {
		return fmt.Errorf("config: store.data_dir must be set unless store.in_memory is true")
	}
	if c.Deltas.SkipDeltaThreshold < 1 {
		return fmt.Errorf("config: deltas.skip_delta_threshold must be >= 1, got %d", c.Deltas.SkipDeltaThreshold)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
