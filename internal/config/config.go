package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"rlmkernel/internal/logging"
)

// Config holds all orchestrator configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM    LLMConfig    `yaml:"llm"`
	Router RouterConfig `yaml:"router"`

	Memory      MemoryConfig      `yaml:"memory"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Activation  ActivationConfig  `yaml:"activation"`

	Logging LoggingConfig `yaml:"logging"`

	// ModeProfiles maps a Mode to its resource budget.
	ModeProfiles map[Mode]ModeProfile `yaml:"mode_profiles" json:"mode_profiles"`

	CoreLimits CoreLimits `yaml:"core_limits" json:"core_limits"`
}

// MemoryConfig configures the hypergraph memory store.
type MemoryConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
	// PromotionAccessThreshold / PromotionConfidenceThreshold gate promote
	// eligibility for task/session tier nodes.
	PromotionAccessThreshold     int     `yaml:"promotion_access_threshold" json:"promotion_access_threshold"`
	PromotionConfidenceThreshold float64 `yaml:"promotion_confidence_threshold" json:"promotion_confidence_threshold"`
	IncludeArchiveInSearch       bool    `yaml:"include_archive_in_search" json:"include_archive_in_search"`
}

// InterpreterConfig configures the sandboxed interpreter pool.
type InterpreterConfig struct {
	WorkerPath             string `yaml:"worker_path" json:"worker_path"`
	MaxPoolSize            int    `yaml:"max_pool_size" json:"max_pool_size"`
	MaxExecutionsPerHandle int    `yaml:"max_executions_per_handle" json:"max_executions_per_handle"`
	IdleTimeoutSec         int    `yaml:"idle_timeout_sec" json:"idle_timeout_sec"`
}

// ActivationConfig carries the complexity-signal weights and activation
// cutoff as policy, not code (spec Open Question 1).
type ActivationConfig struct {
	Weights          map[string]float64 `yaml:"weights" json:"weights"`
	ActivationCutoff float64             `yaml:"activation_cutoff" json:"activation_cutoff"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "rlmkernel",
		Version: "0.1.0",

		LLM: LLMConfig{
			Provider: "genai",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},
		Router: DefaultRouterConfig(),

		Memory: MemoryConfig{
			DatabasePath:                 "data/memory.db",
			PromotionAccessThreshold:     3,
			PromotionConfidenceThreshold: 0.6,
			IncludeArchiveInSearch:       false,
		},

		Interpreter: InterpreterConfig{
			WorkerPath:             "rlm-worker",
			MaxPoolSize:            4,
			MaxExecutionsPerHandle: 50,
			IdleTimeoutSec:         300,
		},

		Activation: ActivationConfig{
			Weights: map[string]float64{
				"multi_file_scope":    0.3,
				"architecture_intent": 0.3,
				"user_thoroughness":   0.2,
				"speed_only":          -0.4,
				"exhaustive_search":   0.3,
			},
			ActivationCutoff: 0.35,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},

		ModeProfiles: map[Mode]ModeProfile{
			ModeMicro:    applyModeDefaults(ModeProfile{CostCapUSD: 0.01, MaxDepth: 0, MaxCalls: 1, WallTimeoutSec: 15, MaxChildren: 0, MaxFanout: 1}),
			ModeFast:     applyModeDefaults(ModeProfile{CostCapUSD: 0.05, MaxDepth: 1, MaxCalls: 5, WallTimeoutSec: 30, MaxChildren: 2, MaxFanout: 2}),
			ModeBalanced: applyModeDefaults(ModeProfile{CostCapUSD: 0.25, MaxDepth: 2, MaxCalls: 20, WallTimeoutSec: 120, MaxChildren: 5, MaxFanout: 3}),
			ModeThorough: applyModeDefaults(ModeProfile{CostCapUSD: 1.0, MaxDepth: 3, MaxCalls: 60, WallTimeoutSec: 300, MaxChildren: 8, MaxFanout: 4}),
		},

		CoreLimits: CoreLimits{
			MaxConcurrentInterpreters: 4,
			MaxConcurrentAPICalls:     8,
			MaxSessionDurationMin:     120,
			MaxFactsInMemory:          250000,
			MaxAbsoluteDepth:          6,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults (with
// environment overrides applied) if the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.Get(logging.CategoryBoot).Debug("loading config from %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Get(logging.CategoryBoot).Info("config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	logging.Get(logging.CategoryBoot).Info("config loaded: provider=%s model=%s", cfg.LLM.Provider, cfg.LLM.Model)
	return cfg, nil
}

// Save persists the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "genai"
		}
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("ZAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "zai"
	}
	if path := os.Getenv("RLM_DB"); path != "" {
		c.Memory.DatabasePath = path
	}
	if path := os.Getenv("RLM_WORKER_PATH"); path != "" {
		c.Interpreter.WorkerPath = path
	}
}

// GetLLMTimeout returns the default provider timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetModeProfile returns the profile for a mode, falling back to Balanced.
func (c *Config) GetModeProfile(mode Mode) ModeProfile {
	if profile, ok := c.ModeProfiles[mode]; ok {
		return profile
	}
	return c.ModeProfiles[ModeBalanced]
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY, GENAI_API_KEY, or ZAI_API_KEY)")
	}
	return c.ValidateCoreLimits()
}
