// Package config loads worker configuration: defaults, then an optional TOML
// file, then SUBCULT_-prefixed environment variables layered on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full worker configuration. Workers are long-running processes
// configured entirely through this; there are no per-feature CLI flags.
type Config struct {
	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	LLM struct {
		APIKey            string   `koanf:"api_key"`
		Models            []string `koanf:"models"`     // ordered fallback ladder
		HeadGroup         int      `koanf:"head_group"` // leading models tried as one batch
		Temperature       float64  `koanf:"temperature"`
		MaxTokens         int      `koanf:"max_tokens"`
		MaxRetries        int      `koanf:"max_retries"`
		RetryDelaySeconds int      `koanf:"retry_delay_seconds"`
		RequestsPerMinute int      `koanf:"requests_per_minute"`
		RouteTTLSeconds   int      `koanf:"route_ttl_seconds"`

		// Routes overrides the model ladder per role (e.g. "distill",
		// "roundtable"). Roles without an entry use Models.
		Routes map[string][]string `koanf:"routes"`
	} `koanf:"llm"`

	Worker struct {
		ID                  string `koanf:"id"`
		PollIntervalSeconds int    `koanf:"poll_interval_seconds"`
		GraceSeconds        int    `koanf:"grace_seconds"`
		SessionTimeoutMin   int    `koanf:"session_timeout_minutes"`
	} `koanf:"worker"`

	Limits struct {
		DailyProposals  int     `koanf:"daily_proposals"`
		ActiveMissions  int     `koanf:"active_missions"`
		DailySteps      int     `koanf:"daily_steps"`
		DailyDrafts     int     `koanf:"daily_drafts"`
		MemoryCap       int     `koanf:"memory_cap"`
		MinConfidence   float64 `koanf:"min_confidence"`
		MemoryMaxLength int     `koanf:"memory_max_length"`
		DriftLogCap     int     `koanf:"drift_log_cap"`
	} `koanf:"limits"`

	Gate struct {
		AutoApprove bool     `koanf:"auto_approve"`
		AllowKinds  []string `koanf:"allow_kinds"`
	} `koanf:"gate"`

	Reaction struct {
		CooldownMinutes int `koanf:"cooldown_minutes"`
		DrainBatch      int `koanf:"drain_batch"`
	} `koanf:"reaction"`

	Sandbox struct {
		Root           string `koanf:"root"`
		TimeoutSeconds int    `koanf:"timeout_seconds"`
		MaxOutputBytes int    `koanf:"max_output_bytes"`
		MaxRounds      int    `koanf:"max_rounds"`
	} `koanf:"sandbox"`

	Logging struct {
		Level  string `koanf:"level"`
		Pretty bool   `koanf:"pretty"`
	} `koanf:"logging"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"llm.models":                   []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro"},
		"llm.head_group":               2,
		"llm.temperature":              0.7,
		"llm.max_tokens":               2048,
		"llm.max_retries":              3,
		"llm.retry_delay_seconds":      5,
		"llm.requests_per_minute":      30,
		"llm.route_ttl_seconds":        60,
		"worker.poll_interval_seconds": 15,
		"worker.grace_seconds":         30,
		"worker.session_timeout_minutes": 20,
		"limits.daily_proposals":       10,
		"limits.active_missions":       12,
		"limits.daily_steps":           40,
		"limits.daily_drafts":          6,
		"limits.memory_cap":            120,
		"limits.min_confidence":        0.3,
		"limits.memory_max_length":     500,
		"limits.drift_log_cap":         20,
		"gate.auto_approve":            true,
		"gate.allow_kinds":             []string{"log_event", "research", "synthesize"},
		"reaction.cooldown_minutes":    180,
		"reaction.drain_batch":         5,
		"sandbox.root":                 "./corpdata",
		"sandbox.timeout_seconds":      120,
		"sandbox.max_output_bytes":     65536,
		"sandbox.max_rounds":           8,
		"logging.level":                "info",
		"logging.pretty":               false,
	}
}

// Load reads configuration from defaults, an optional TOML file, and the
// environment. Pass an empty path to probe the default locations.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	} else {
		for _, path := range []string{"./corpdata/subcult.toml", "./subcult.toml"} {
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// SUBCULT_DATABASE__URL -> database.url ("__" separates nesting levels so
	// keys like api_key survive).
	if err := k.Load(env.Provider("SUBCULT_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "SUBCULT_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Worker.ID == "" {
		host, _ := os.Hostname()
		cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return &cfg, nil
}

// Validate checks required values. The process exits fatally when this fails
// at startup; nothing should run with a partial configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("database.url is required (SUBCULT_DATABASE__URL)")
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required (SUBCULT_LLM__API_KEY)")
	}
	if len(c.LLM.Models) == 0 {
		return fmt.Errorf("llm.models must list at least one model")
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("worker.poll_interval_seconds must be positive")
	}
	if c.Limits.MemoryCap <= 0 {
		return fmt.Errorf("limits.memory_cap must be positive")
	}
	return nil
}

// PollInterval returns the scheduler sweep interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// Grace returns the shutdown grace window for in-flight work.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Worker.GraceSeconds) * time.Second
}

// SessionTimeout bounds one claimed conversation or agent run.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Worker.SessionTimeoutMin) * time.Minute
}

// RouteTTL is how long per-role model routes are cached in-process.
func (c *Config) RouteTTL() time.Duration {
	return time.Duration(c.LLM.RouteTTLSeconds) * time.Second
}
