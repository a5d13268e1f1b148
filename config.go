package flowmill

import "github.com/flowmill/flowmill/internal/domain"

// Config carries every tunable the engine accepts. Zero values are replaced
// by defaults, so flowmill.Open(&flowmill.Config{}) is a working in-memory
// setup when InMemory is set.
type Config = domain.Config

// EngineConfig tunes instance advancement: lease TTLs, retry defaults and
// the runaway-model guard.
type EngineConfig = domain.EngineConfig

// SchedulerConfig tunes the timer poller and the background job workers.
type SchedulerConfig = domain.SchedulerConfig

// RetentionConfig controls how long terminal instances stay queryable.
type RetentionConfig = domain.RetentionConfig

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	config := &Config{}
	config.ApplyDefaults()
	return config
}
