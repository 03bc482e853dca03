package orchestrator

import (
	"fmt"
	"time"
)

// BackoffPolicy selects how retry delays grow.
type BackoffPolicy string

const (
	BackoffFixed       BackoffPolicy = "fixed"
	BackoffExponential BackoffPolicy = "exponential"
)

// BackoffConfig shapes the delay between attempts of a failed task.
type BackoffConfig struct {
	Policy     BackoffPolicy
	Base       time.Duration
	Multiplier float64
	Max        time.Duration

	// Jitter is the +/- fraction applied to each delay (0.2 = ±20%).
	Jitter float64
}

// DefaultBackoffConfig is exponential with jitter: 1s, 2s, 4s ... capped at 60s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Policy:     BackoffExponential,
		Base:       time.Second,
		Multiplier: 2,
		Max:        60 * time.Second,
		Jitter:     0.2,
	}
}

// Validate rejects nonsensical backoff settings.
func (b BackoffConfig) Validate() error {
	switch b.Policy {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff policy %q", b.Policy)
	}
	if b.Base < 0 || b.Max < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if b.Policy == BackoffExponential && b.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", b.Multiplier)
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1), got %v", b.Jitter)
	}
	return nil
}

// Config holds orchestrator configuration.
type Config struct {
	// MaxParallelism limits concurrent attempts across all workflows (0 = unlimited)
	MaxParallelism int

	// PerAgentConcurrency limits concurrent attempts against one agent (0 = unlimited)
	PerAgentConcurrency int

	// DefaultMaxAttempts applies to tasks without max_attempts
	DefaultMaxAttempts int

	// DefaultTimeout applies to tasks without timeout_seconds (0 = none)
	DefaultTimeout time.Duration

	Backoff BackoffConfig

	// EmitLifecycle fails the workflow with workflow_failed on gate
	// rejection or when a terminal task failure leaves no way forward.
	EmitLifecycle bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelism:      0,
		PerAgentConcurrency: 0,
		DefaultMaxAttempts:  3,
		DefaultTimeout:      5 * time.Minute,
		Backoff:             DefaultBackoffConfig(),
		EmitLifecycle:       true,
	}
}

// Validate checks limits and backoff.
func (c *Config) Validate() error {
	if c.MaxParallelism < 0 || c.PerAgentConcurrency < 0 {
		return fmt.Errorf("concurrency limits must not be negative")
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("default max attempts must be >= 1, got %d", c.DefaultMaxAttempts)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout must not be negative")
	}
	return c.Backoff.Validate()
}
