package cache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tiercache/tiercache/pkg/errors"
)

// Config represents a cache instance configuration. The name namespaces both
// the memory store and the disk directory/index, so two caches with different
// names never share state.
type Config struct {
	Name   string       `yaml:"name"`
	Memory MemoryConfig `yaml:"memory"`
	Disk   DiskConfig   `yaml:"disk"`
}

// MemoryConfig represents memory tier settings.
type MemoryConfig struct {
	// MaxEntries bounds how many entries the backing store will hold before
	// it starts dropping some. The store may also drop entries earlier under
	// memory pressure.
	MaxEntries int64 `yaml:"max_entries"`

	// SweepInterval is the minimum time between opportunistic expired-entry
	// sweeps.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DiskConfig represents disk tier settings.
type DiskConfig struct {
	// Root overrides the platform-default cache directory
	// (os.UserCacheDir()/tiercache/<name>).
	Root string `yaml:"root"`

	// IndexPath overrides where the index document lives. The default is an
	// app-private location outside the cache root
	// (os.UserConfigDir()/tiercache/<name>.index.json) so the index survives
	// a cache-root wipe.
	IndexPath string `yaml:"index_path"`

	// CheckpointDelay is how long a structural change may sit unsaved while
	// waiting for further changes to coalesce into one index write.
	CheckpointDelay time.Duration `yaml:"checkpoint_delay"`

	// CheckpointMaxStaleness forces an immediate save when the in-memory
	// index has been ahead of the document for this long.
	CheckpointMaxStaleness time.Duration `yaml:"checkpoint_max_staleness"`
}

// DefaultConfig returns a configuration with sensible defaults for the given
// cache name.
func DefaultConfig(name string) *Config {
	return &Config{
		Name: name,
		Memory: MemoryConfig{
			MaxEntries:    100000,
			SweepInterval: 10 * time.Minute,
		},
		Disk: DiskConfig{
			CheckpointDelay:        2 * time.Second,
			CheckpointMaxStaleness: 5 * time.Second,
		},
	}
}

// LoadConfig loads a configuration from a YAML file, applying defaults for
// unset values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, errors.Wrap(errors.CodeConfigLoad, "read config file", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.CodeConfigLoad, "parse config file", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Name)
	if c.Memory.MaxEntries <= 0 {
		c.Memory.MaxEntries = def.Memory.MaxEntries
	}
	if c.Memory.SweepInterval <= 0 {
		c.Memory.SweepInterval = def.Memory.SweepInterval
	}
	if c.Disk.CheckpointDelay <= 0 {
		c.Disk.CheckpointDelay = def.Disk.CheckpointDelay
	}
	if c.Disk.CheckpointMaxStaleness <= 0 {
		c.Disk.CheckpointMaxStaleness = def.Disk.CheckpointMaxStaleness
	}
}

// Validate checks the configuration for problems that would corrupt on-disk
// state or produce unusable paths.
func (c *Config) Validate() error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	if c.Disk.CheckpointMaxStaleness < c.Disk.CheckpointDelay {
		return errors.New(errors.CodeInvalidConfig,
			"checkpoint_max_staleness must be at least checkpoint_delay")
	}
	return nil
}

// validateName rejects names that would escape the cache directory or break
// file naming.
func validateName(name string) error {
	if name == "" {
		return errors.New(errors.CodeInvalidConfig, "cache name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return errors.New(errors.CodeInvalidConfig,
			"cache name contains path separators or traversal sequences")
	}
	if strings.ContainsRune(name, 0) {
		return errors.New(errors.CodeInvalidConfig, "cache name contains a null byte")
	}
	return nil
}

// defaultRoot resolves the platform cache directory for a cache name.
func defaultRoot(name string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", errors.Wrap(errors.CodeInvalidConfig, "resolve user cache dir", err)
	}
	return filepath.Join(base, "tiercache", name), nil
}

// defaultIndexPath resolves the app-private index location for a cache name.
// It deliberately lives outside the cache root so RemoveAll and manual cache
// wipes cannot take the index with them.
func defaultIndexPath(name string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(errors.CodeInvalidConfig, "resolve user config dir", err)
	}
	return filepath.Join(base, "tiercache", name+".index.json"), nil
}
