package run

import (
	"time"

	"github.com/skeinworks/skein/run/state"
	"github.com/skeinworks/skein/run/tool"
)

// Option configures an Engine at construction time.
type Option func(*config) error

type config struct {
	maxSteps           int
	maxConcurrent      int
	queueDepth         int
	defaultNodeTimeout time.Duration
	wallClockBudget    time.Duration
	schema             state.Schema
	retry              tool.RetryPolicy
	metrics            *Metrics
	checkpointLabeler  func(step int) string
}

func defaultConfig() config {
	return config{
		maxSteps:           200,
		maxConcurrent:      8,
		queueDepth:         1024,
		defaultNodeTimeout: 30 * time.Second,
		schema:             state.DefaultSchema(),
		retry:              tool.RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// WithMaxSteps bounds a run's step count, guarding against routing loops
// with no exit. Zero disables the limit.
func WithMaxSteps(n int) Option {
	return func(cfg *config) error {
		cfg.maxSteps = n
		return nil
	}
}

// WithMaxConcurrent bounds how many branches of one step execute at the
// same time. Each running branch holds a clone of the pre-step snapshot,
// so memory scales with this value.
func WithMaxConcurrent(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			n = 1
		}
		cfg.maxConcurrent = n
		return nil
	}
}

// WithQueueDepth caps the frontier size. Fan-outs that would exceed it
// fail the run rather than grow memory without bound.
func WithQueueDepth(n int) Option {
	return func(cfg *config) error {
		cfg.queueDepth = n
		return nil
	}
}

// WithDefaultNodeTimeout bounds each node execution unless the node's
// policy overrides it. Zero means no per-node deadline.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		cfg.defaultNodeTimeout = d
		return nil
	}
}

// WithRunWallClockBudget bounds a whole run's duration. Zero means no
// budget.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *config) error {
		cfg.wallClockBudget = d
		return nil
	}
}

// WithSchema replaces the state schema governing blackboard merges.
func WithSchema(s state.Schema) Option {
	return func(cfg *config) error {
		cfg.schema = s
		return nil
	}
}

// WithToolRetry sets the default retry policy for tool invocations made
// through node run contexts.
func WithToolRetry(rp tool.RetryPolicy) Option {
	return func(cfg *config) error {
		if err := rp.Validate(); err != nil {
			return err
		}
		cfg.retry = rp
		return nil
	}
}

// WithMetrics attaches Prometheus metrics updated during execution.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) error {
		cfg.metrics = m
		return nil
	}
}

// WithCheckpointLabels derives a save-point label for each step. Return
// "" to leave a step unlabeled. Useful for marking review gates.
func WithCheckpointLabels(fn func(step int) string) Option {
	return func(cfg *config) error {
		cfg.checkpointLabeler = fn
		return nil
	}
}
