// Package config provides configuration loading for the Iris worker and agent.
//
// Configuration is layered: defaults, then an optional YAML file, then
// IRIS_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"time"
)

// RedisConfig configures the shared state store and task queue backend.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`
	// Password is the optional Redis password.
	Password string `yaml:"password"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is the severity threshold (debug, info, warn, error).
	Level string `yaml:"level"`
	// Pretty enables human-readable console output.
	Pretty bool `yaml:"pretty"`
}

// WorkerConfig configures the orchestration worker.
type WorkerConfig struct {
	Redis RedisConfig `yaml:"redis"`
	Log   LogConfig   `yaml:"log"`

	// StoragePath is the directory holding the DuckDB database file.
	StoragePath string `yaml:"storage_path"`
	// DatabaseName is the database file name (without extension).
	DatabaseName string `yaml:"database_name"`
	// ResultsDir is where agents deposit round result files.
	ResultsDir string `yaml:"results_dir"`

	// Concurrency is the number of workers pulling from the task queue.
	Concurrency int `yaml:"concurrency"`
	// RoundRetries bounds how many times a failed round is re-dispatched
	// before the agent is marked failed for the measurement.
	RoundRetries int `yaml:"round_retries"`
	// RoundTimeoutSeconds bounds the wall-clock duration of one round.
	RoundTimeoutSeconds int `yaml:"round_timeout_seconds"`
	// MaxRounds maps a tool name to its maximum number of rounds.
	MaxRounds map[string]int `yaml:"max_rounds"`
	// UserQuota is the per-submission prefix quota.
	UserQuota int `yaml:"user_quota"`
	// QueuePollSeconds is the queue polling interval.
	QueuePollSeconds int `yaml:"queue_poll_seconds"`
	// VisibilityTimeoutSeconds is how long a dequeued task stays invisible
	// before the queue redelivers it.
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
}

// AgentConfig configures a probing agent.
type AgentConfig struct {
	Redis RedisConfig `yaml:"redis"`
	Log   LogConfig   `yaml:"log"`

	// UUID identifies the agent. Generated and persisted on first start
	// when left empty.
	UUID string `yaml:"uuid"`
	// ResultsDir is where round result files are written.
	ResultsDir string `yaml:"results_dir"`
	// EngineBinary is the path to the probing engine executable.
	EngineBinary string `yaml:"engine_binary"`

	// MaxProbingRate is the agent rate ceiling in packets per second.
	// Requested rates above the ceiling are capped to it.
	MaxProbingRate int `yaml:"max_probing_rate"`
	// RateLimitingMethod selects the engine's rate limiter (auto, active, sleep).
	RateLimitingMethod string `yaml:"rate_limiting_method"`
	// ExcludePath is an optional prefix-exclusion file passed to the engine.
	ExcludePath string `yaml:"exclude_path"`
	// MinTTL is the lowest TTL this agent probes.
	MinTTL int `yaml:"min_ttl"`

	// WatchRefreshSeconds is the watcher's liveness polling interval.
	WatchRefreshSeconds int `yaml:"watch_refresh_seconds"`
	// HeartbeatSeconds is the registry presence refresh interval.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	// PresenceTTLSeconds is the registry presence key expiration.
	PresenceTTLSeconds int `yaml:"presence_ttl_seconds"`
	// QueuePollSeconds is the round request polling interval.
	QueuePollSeconds int `yaml:"queue_poll_seconds"`
}

// DefaultWorkerConfig returns the worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Redis:               RedisConfig{Addr: "localhost:6379"},
		Log:                 LogConfig{Level: "info", Pretty: true},
		StoragePath:         "/var/lib/iris",
		DatabaseName:        "iris",
		ResultsDir:          "/var/lib/iris/results",
		Concurrency:         4,
		RoundRetries:        3,
		RoundTimeoutSeconds: 3600,
		MaxRounds: map[string]int{
			"diamond-miner":      10,
			"diamond-miner-ping": 1,
		},
		UserQuota:                100000,
		QueuePollSeconds:         1,
		VisibilityTimeoutSeconds: 7200,
	}
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Redis:               RedisConfig{Addr: "localhost:6379"},
		Log:                 LogConfig{Level: "info", Pretty: true},
		ResultsDir:          "/var/lib/iris/results",
		EngineBinary:        "caracal",
		MaxProbingRate:      1000,
		RateLimitingMethod:  "auto",
		MinTTL:              1,
		WatchRefreshSeconds: 1,
		HeartbeatSeconds:    5,
		PresenceTTLSeconds:  15,
		QueuePollSeconds:    1,
	}
}

// RoundTimeout returns the per-round wall-clock timeout.
func (c *WorkerConfig) RoundTimeout() time.Duration {
	return time.Duration(c.RoundTimeoutSeconds) * time.Second
}

// QueuePoll returns the queue polling interval.
func (c *WorkerConfig) QueuePoll() time.Duration {
	return time.Duration(c.QueuePollSeconds) * time.Second
}

// VisibilityTimeout returns the queue redelivery timeout.
func (c *WorkerConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// MaxRoundsFor returns the configured round cap for a tool, defaulting to 1
// for unknown tools.
func (c *WorkerConfig) MaxRoundsFor(tool string) int {
	if n, ok := c.MaxRounds[tool]; ok {
		return n
	}
	return 1
}

// WatchRefresh returns the watcher polling interval.
func (c *AgentConfig) WatchRefresh() time.Duration {
	return time.Duration(c.WatchRefreshSeconds) * time.Second
}

// Heartbeat returns the presence refresh interval.
func (c *AgentConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// PresenceTTL returns the presence key expiration.
func (c *AgentConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

// QueuePoll returns the round request polling interval.
func (c *AgentConfig) QueuePoll() time.Duration {
	return time.Duration(c.QueuePollSeconds) * time.Second
}

// Validate checks the worker configuration for inconsistencies.
func (c *WorkerConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.RoundRetries < 0 {
		return fmt.Errorf("round_retries must not be negative, got %d", c.RoundRetries)
	}
	if c.RoundTimeoutSeconds <= 0 {
		return fmt.Errorf("round_timeout_seconds must be positive, got %d", c.RoundTimeoutSeconds)
	}
	for tool, n := range c.MaxRounds {
		if n <= 0 {
			return fmt.Errorf("max_rounds for tool %q must be positive, got %d", tool, n)
		}
	}
	return nil
}

// Validate checks the agent configuration for inconsistencies.
func (c *AgentConfig) Validate() error {
	if c.MaxProbingRate <= 0 {
		return fmt.Errorf("max_probing_rate must be positive, got %d", c.MaxProbingRate)
	}
	switch c.RateLimitingMethod {
	case "auto", "active", "sleep", "none":
	default:
		return fmt.Errorf("unknown rate_limiting_method %q", c.RateLimitingMethod)
	}
	if c.WatchRefreshSeconds <= 0 {
		return fmt.Errorf("watch_refresh_seconds must be positive, got %d", c.WatchRefreshSeconds)
	}
	if c.MinTTL < 1 || c.MinTTL > 255 {
		return fmt.Errorf("min_ttl must be within [1, 255], got %d", c.MinTTL)
	}
	return nil
}
