package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration loading.
var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")
)

// ValidationError wraps a validation failure with its location.
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

// Error returns the formatted message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: field '%s': %v", e.Section, e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(section, field, reason string) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: fmt.Errorf("%s: %w", reason, ErrValidationFailed)}
}

// ExpandEnv expands ${VAR} and $VAR references in raw file content using the
// process environment. Missing variables expand to the empty string;
// validation catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}

// Load reads the optional YAML file at path over the defaults. An empty
// path returns the validated defaults; a missing file is an error because
// an explicitly named file that does not exist is a deployment mistake.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w: %v", path, ErrInvalidYAML, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section, returning the first violation with a
// precise reason.
func (c *Config) Validate() error {
	if c.ShortTerm.MaxMessages <= 0 {
		return invalid("short_term", "max_messages", "must be positive")
	}
	if c.ShortTerm.MaxTokens <= 0 {
		return invalid("short_term", "max_tokens", "must be positive")
	}
	if c.Consolidation.ThresholdTokens <= 0 {
		return invalid("consolidation", "threshold_tokens", "must be positive")
	}
	if c.Consolidation.Interval <= 0 {
		return invalid("consolidation", "interval", "must be positive")
	}
	if c.Consolidation.StepTimeout <= 0 {
		return invalid("consolidation", "step_timeout", "must be positive")
	}
	if c.Consolidation.MaxSummaryTokens <= 0 {
		return invalid("consolidation", "max_summary_tokens", "must be positive")
	}
	if c.Consolidation.Retention < 0 {
		return invalid("consolidation", "retention", "must not be negative")
	}
	if c.Agent.StepTimeout <= 0 {
		return invalid("agent", "step_timeout", "must be positive")
	}
	if c.Agent.RequestTimeout <= 0 {
		return invalid("agent", "request_timeout", "must be positive")
	}
	if c.Agent.PoolTarget <= 0 {
		return invalid("agent", "pool_target", "must be positive")
	}
	if c.Agent.PoolCap < c.Agent.PoolTarget {
		return invalid("agent", "pool_cap", "must be at least pool_target")
	}
	if c.Supervisor.HealthInterval <= 0 {
		return invalid("supervisor", "health_interval", "must be positive")
	}
	if c.Supervisor.ZombieThreshold <= 0 {
		return invalid("supervisor", "zombie_threshold", "must be positive")
	}
	if c.Supervisor.GracefulShutdown <= 0 {
		return invalid("supervisor", "graceful_shutdown", "must be positive")
	}
	if c.Mailbox.Capacity <= 0 {
		return invalid("mailbox", "capacity", "must be positive")
	}
	if c.Mailbox.SendTimeout <= 0 {
		return invalid("mailbox", "send_timeout", "must be positive")
	}
	if c.Vector.EmbeddingDim <= 0 {
		return invalid("vector", "embedding_dim", "must be positive")
	}
	switch c.Vector.Metric {
	case "cosine", "l2", "euclidean", "ip", "dot":
	default:
		return invalid("vector", "metric", fmt.Sprintf("unknown metric %q", c.Vector.Metric))
	}
	if c.Storage.SummaryPath == "" {
		return invalid("storage", "summary_path", "must not be empty")
	}
	return nil
}
