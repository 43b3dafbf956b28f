// Package config holds the runtime configuration tree: YAML-sourced structs
// with built-in defaults, shell-style environment expansion, and validation
// that rejects bad values with precise reasons at startup.
package config

import (
	"time"
)

// Config is the umbrella configuration object returned by Load and used
// throughout the runtime.
type Config struct {
	ShortTerm     ShortTermConfig     `yaml:"short_term"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Agent         AgentConfig         `yaml:"agent"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Mailbox       MailboxConfig       `yaml:"mailbox"`
	Vector        VectorConfig        `yaml:"vector"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
}

// ShortTermConfig bounds the in-process conversation buffer.
type ShortTermConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxTokens   int `yaml:"max_tokens"`
}

// ConsolidationConfig drives the background consolidator.
type ConsolidationConfig struct {
	ThresholdTokens  int           `yaml:"threshold_tokens"`
	Interval         time.Duration `yaml:"interval"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	MaxSummaryTokens int           `yaml:"max_summary_tokens"`
	Retention        int           `yaml:"retention"`
}

// AgentConfig tunes individual actors and the request path.
type AgentConfig struct {
	StepTimeout    time.Duration `yaml:"step_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolTarget     int           `yaml:"pool_target"`
	PoolCap        int           `yaml:"pool_cap"`
	ContextRecent  int           `yaml:"context_recent"`
	ContextHits    int           `yaml:"context_hits"`
}

// SupervisorConfig tunes liveness tracking and shutdown.
type SupervisorConfig struct {
	HealthInterval   time.Duration `yaml:"health_interval"`
	ZombieThreshold  time.Duration `yaml:"zombie_threshold"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// MailboxConfig bounds per-agent queues.
type MailboxConfig struct {
	Capacity    int           `yaml:"capacity"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// VectorConfig describes the long-term index.
type VectorConfig struct {
	EmbeddingDim int    `yaml:"embedding_dim"`
	Metric       string `yaml:"metric"`
	DSN          string `yaml:"dsn"`
	Collection   string `yaml:"collection"`
}

// AuthConfig controls credential enforcement. Require=false is "open" mode.
type AuthConfig struct {
	Require bool `yaml:"require"`
}

// StorageConfig names the persistent backing paths.
type StorageConfig struct {
	SummaryPath string `yaml:"summary_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ShortTerm: ShortTermConfig{
			MaxMessages: 64,
			MaxTokens:   8192,
		},
		Consolidation: ConsolidationConfig{
			ThresholdTokens:  8192,
			Interval:         30 * time.Second,
			StepTimeout:      120 * time.Second,
			MaxSummaryTokens: 512,
		},
		Agent: AgentConfig{
			StepTimeout:    60 * time.Second,
			RequestTimeout: 30 * time.Second,
			PoolTarget:     2,
			PoolCap:        8,
			ContextRecent:  10,
			ContextHits:    2,
		},
		Supervisor: SupervisorConfig{
			HealthInterval:   10 * time.Second,
			ZombieThreshold:  60 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Mailbox: MailboxConfig{
			Capacity:    32,
			SendTimeout: 5 * time.Second,
		},
		Vector: VectorConfig{
			EmbeddingDim: 1536,
			Metric:       "cosine",
			Collection:   "sentinel_summaries",
		},
		Auth: AuthConfig{
			Require: true,
		},
		Storage: StorageConfig{
			SummaryPath: "./data/summaries.db",
		},
	}
}
