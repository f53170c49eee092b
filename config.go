package docswarm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultHistoryMax bounds the replication history carried per item.
	// Oldest entries are evicted first on overflow.
	// Override via config: history_max
	DefaultHistoryMax = 50

	// DefaultMaxRetries is how many times a replication call restarts after
	// losing an optimistic concurrency race before the error surfaces.
	// Override via config: max_retries
	DefaultMaxRetries = 5

	// DefaultBusBuffer is the capacity of the conflict notification channel.
	// Override via config: bus_buffer
	DefaultBusBuffer = 300

	// DefaultApplyWorkers is the number of concurrent workers draining the
	// ingest queue. Items targeting the same id never run concurrently
	// regardless of this value.
	// Override via config: apply_workers
	DefaultApplyWorkers = 8
)

// Config is the file-level configuration for a process embedding the
// replication engine. The engine itself takes everything by construction;
// this only exists so embedders can load overrides from YAML.
type Config struct {
	ReplicaTag   string `yaml:"replica_tag"`
	HistoryMax   int    `yaml:"history_max"`
	MaxRetries   int    `yaml:"max_retries"`
	BusBuffer    int    `yaml:"bus_buffer"`
	ApplyWorkers int    `yaml:"apply_workers"`
}

// LoadConfig reads a YAML config file and applies defaults for absent keys.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.HistoryMax <= 0 {
		c.HistoryMax = DefaultHistoryMax
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BusBuffer <= 0 {
		c.BusBuffer = DefaultBusBuffer
	}
	if c.ApplyWorkers <= 0 {
		c.ApplyWorkers = DefaultApplyWorkers
	}
	return c
}
