package config

import "time"

// Timeouts names every independent timeout scope of the concurrency model:
// a model call, an interpreter execute, a handshake, a child run, and the
// whole run. No component of this module reads these values: the
// interpreter pool uses its own fixed 10s handshake and 5s shutdown grace,
// and GenAIClient uses its own retry count.
type Timeouts struct {
	// ModelCallTimeout bounds a single LLM request (including HTTP, TLS,
	// full response read).
	ModelCallTimeout time.Duration `json:"model_call_timeout"`

	// BatchCallTimeout bounds an entire batch of concurrent model calls.
	BatchCallTimeout time.Duration `json:"batch_call_timeout"`

	// RetryBackoffBase / RetryBackoffMax / MaxRetries govern the LLM
	// client's exponential backoff on transient provider errors.
	RetryBackoffBase time.Duration `json:"retry_backoff_base"`
	RetryBackoffMax  time.Duration `json:"retry_backoff_max"`
	MaxRetries       int           `json:"max_retries"`
	RateLimitDelay   time.Duration `json:"rate_limit_delay"`

	// InterpreterHandshakeTimeout bounds waiting for a spawned subprocess's
	// "ready" line.
	InterpreterHandshakeTimeout time.Duration `json:"interpreter_handshake_timeout"`

	// InterpreterExecuteTimeout bounds a single execute round trip,
	// excluding time spent suspended on deferred operations (those are
	// bounded by ModelCallTimeout/BatchCallTimeout instead).
	InterpreterExecuteTimeout time.Duration `json:"interpreter_execute_timeout"`

	// InterpreterShutdownGrace is how long shutdown waits before the
	// subprocess is killed forcefully.
	InterpreterShutdownGrace time.Duration `json:"interpreter_shutdown_grace"`

	// ChildRunTimeout bounds a single recursive run_child invocation.
	ChildRunTimeout time.Duration `json:"child_run_timeout"`

	// WholeRunTimeout bounds an entire orchestrator.Run call, root to final.
	WholeRunTimeout time.Duration `json:"whole_run_timeout"`
}

// DefaultTimeouts are calibrated for a mixed Gemini-class provider: simple
// calls return in seconds, but a Thorough-mode root call with large context
// can run for minutes.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ModelCallTimeout:            2 * time.Minute,
		BatchCallTimeout:            3 * time.Minute,
		RetryBackoffBase:            500 * time.Millisecond,
		RetryBackoffMax:             10 * time.Second,
		MaxRetries:                  3,
		RateLimitDelay:              200 * time.Millisecond,
		InterpreterHandshakeTimeout: 5 * time.Second,
		InterpreterExecuteTimeout:   30 * time.Second,
		InterpreterShutdownGrace:    3 * time.Second,
		ChildRunTimeout:             3 * time.Minute,
		WholeRunTimeout:             10 * time.Minute,
	}
}

var globalTimeouts = DefaultTimeouts()

// GetTimeouts returns the process-wide timeout configuration.
func GetTimeouts() Timeouts { return globalTimeouts }

// SetTimeouts overrides the process-wide timeout configuration. Call early
// in application startup.
func SetTimeouts(t Timeouts) { globalTimeouts = t }
