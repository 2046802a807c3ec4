package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LoadWorkerConfig loads the worker configuration from an optional YAML file,
// then applies environment overrides. An empty path loads defaults only.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := DefaultWorkerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read worker config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse worker config: %w", err)
		}
	}

	applyEnvString("IRIS_REDIS_ADDR", &cfg.Redis.Addr)
	applyEnvString("IRIS_REDIS_PASSWORD", &cfg.Redis.Password)
	applyEnvString("IRIS_LOG_LEVEL", &cfg.Log.Level)
	applyEnvString("IRIS_STORAGE_PATH", &cfg.StoragePath)
	applyEnvString("IRIS_DATABASE_NAME", &cfg.DatabaseName)
	applyEnvString("IRIS_RESULTS_DIR", &cfg.ResultsDir)
	if err := applyEnvInt("IRIS_WORKER_CONCURRENCY", &cfg.Concurrency); err != nil {
		return nil, err
	}
	if err := applyEnvInt("IRIS_WORKER_ROUND_RETRIES", &cfg.RoundRetries); err != nil {
		return nil, err
	}
	if err := applyEnvInt("IRIS_WORKER_ROUND_TIMEOUT", &cfg.RoundTimeoutSeconds); err != nil {
		return nil, err
	}
	if err := applyEnvInt("IRIS_WORKER_USER_QUOTA", &cfg.UserQuota); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	return cfg, nil
}

// LoadAgentConfig loads the agent configuration from an optional YAML file,
// then applies environment overrides. An empty path loads defaults only.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read agent config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse agent config: %w", err)
		}
	}

	applyEnvString("IRIS_REDIS_ADDR", &cfg.Redis.Addr)
	applyEnvString("IRIS_REDIS_PASSWORD", &cfg.Redis.Password)
	applyEnvString("IRIS_LOG_LEVEL", &cfg.Log.Level)
	applyEnvString("IRIS_AGENT_UUID", &cfg.UUID)
	applyEnvString("IRIS_RESULTS_DIR", &cfg.ResultsDir)
	applyEnvString("IRIS_AGENT_ENGINE_BINARY", &cfg.EngineBinary)
	applyEnvString("IRIS_AGENT_RATE_LIMITING_METHOD", &cfg.RateLimitingMethod)
	applyEnvString("IRIS_AGENT_EXCLUDE_PATH", &cfg.ExcludePath)
	if err := applyEnvInt("IRIS_AGENT_MAX_PROBING_RATE", &cfg.MaxProbingRate); err != nil {
		return nil, err
	}
	if err := applyEnvInt("IRIS_AGENT_WATCH_REFRESH", &cfg.WatchRefreshSeconds); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	return cfg, nil
}

func applyEnvString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyEnvInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dst = n
	return nil
}
