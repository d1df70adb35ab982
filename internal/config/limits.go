package config

import "fmt"

// CoreLimits enforces system-wide resource constraints independent of any
// single mode's budget.
type CoreLimits struct {
	MaxConcurrentInterpreters int `yaml:"max_concurrent_interpreters" json:"max_concurrent_interpreters"`
	MaxConcurrentAPICalls     int `yaml:"max_concurrent_api_calls" json:"max_concurrent_api_calls"`
	MaxSessionDurationMin     int `yaml:"max_session_duration_min" json:"max_session_duration_min"`
	MaxFactsInMemory          int `yaml:"max_facts_in_memory" json:"max_facts_in_memory"`
	MaxAbsoluteDepth          int `yaml:"max_absolute_depth" json:"max_absolute_depth"`
}

// ValidateCoreLimits checks that core limits are within acceptable ranges.
func (c *Config) ValidateCoreLimits() error {
	if c.CoreLimits.MaxConcurrentInterpreters < 1 {
		return fmt.Errorf("max_concurrent_interpreters must be >= 1")
	}
	if c.CoreLimits.MaxConcurrentAPICalls < 1 {
		return fmt.Errorf("max_concurrent_api_calls must be >= 1")
	}
	if c.CoreLimits.MaxFactsInMemory < 100 {
		return fmt.Errorf("max_facts_in_memory must be >= 100")
	}
	if c.CoreLimits.MaxAbsoluteDepth < 0 {
		return fmt.Errorf("max_absolute_depth must be >= 0")
	}
	return nil
}

// EnforceCoreLimits returns the limits as a flat map for callers that want
// to log or export them without reaching into the struct.
func (c *Config) EnforceCoreLimits() map[string]int {
	return map[string]int{
		"max_concurrent_interpreters": c.CoreLimits.MaxConcurrentInterpreters,
		"max_concurrent_api_calls":    c.CoreLimits.MaxConcurrentAPICalls,
		"max_facts_in_memory":         c.CoreLimits.MaxFactsInMemory,
		"max_absolute_depth":          c.CoreLimits.MaxAbsoluteDepth,
		"max_session_duration_min":    c.CoreLimits.MaxSessionDurationMin,
	}
}
