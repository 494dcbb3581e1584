package cellrun

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HandlerParams describes the run a fallback sink is created for.
type HandlerParams struct {
	Path      string
	ProjectID string
	RunID     string
	Cells     []Cell
}

// FallbackSink receives the output of a run nobody is attached to.
//
// Contract:
//   - Process is called in delivery order with messages that already went
//     through coalescing, limiting and run_id stamping.
//   - Done is called exactly once, last.
type FallbackSink interface {
	Process(msg OutputMessage) error
	Done() error
}

// OutputHandler creates the fallback sink for one run. It is called at most
// once per run and must return an error wrapping ErrPathMismatch for paths it
// does not own.
type OutputHandler func(ctx context.Context, p HandlerParams) (FallbackSink, error)

// Config configures a Server.
type Config struct {
	// Run executes cells. Required.
	Run RunFunc

	// OutputHandler creates fallback sinks. When nil, output of detached runs
	// is logged and discarded.
	OutputHandler OutputHandler

	// Status answers kernel status probes. When nil, the status is derived
	// from the runs active on the path.
	Status StatusFunc

	// DefaultLimit applies to requests without a limit. 0 means no limit.
	DefaultLimit int

	// MaxLimit caps requested limits. 0 means no cap.
	MaxLimit int

	Coalesce CoalesceConfig

	// MaxConcurrentRuns bounds runs executing at once. 0 means unlimited.
	MaxConcurrentRuns int

	// TargetIdleTTL is how long per-target state outlives its last run.
	TargetIdleTTL time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Run == nil {
		return errors.New("run executor is required")
	}
	if c.DefaultLimit < 0 {
		return fmt.Errorf("default limit must be >= 0, got %d", c.DefaultLimit)
	}
	if c.MaxLimit < 0 {
		return fmt.Errorf("max limit must be >= 0, got %d", c.MaxLimit)
	}
	if c.MaxLimit > 0 && c.DefaultLimit > c.MaxLimit {
		return fmt.Errorf("default limit %d exceeds max limit %d", c.DefaultLimit, c.MaxLimit)
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max concurrent runs must be >= 0, got %d", c.MaxConcurrentRuns)
	}
	if c.Coalesce.Interval < 0 || c.Coalesce.MaxBytes < 0 {
		return errors.New("coalesce thresholds must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Coalesce.applyDefaults()
	if c.TargetIdleTTL <= 0 {
		c.TargetIdleTTL = DefaultTargetIdleTTL
	}
}

// effectiveLimit resolves the limit for a request.
func (c *Config) effectiveLimit(requested int) int {
	limit := requested
	if limit == 0 {
		limit = c.DefaultLimit
	}
	if c.MaxLimit > 0 && (limit == 0 || limit > c.MaxLimit) {
		limit = c.MaxLimit
	}
	return limit
}
