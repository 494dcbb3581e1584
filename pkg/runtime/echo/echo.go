// Package echo provides a deterministic executor. It backs the CLI echo
// runtime and the protocol tests.
package echo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

// RaisePrefix makes a cell fail: the rest of its input is the error message.
const RaisePrefix = "raise "

// Config shapes the output of every cell.
type Config struct {
	// Chunks is the number of output messages per cell. With 0, a cell
	// emits a single {output: input} message; otherwise it emits
	// {output: k} for k in [0, Chunks).
	Chunks int

	// Delay is slept before every emitted message.
	Delay time.Duration

	// Stream emits stdout stream fragments instead of output values. Each
	// fragment carries "<input>:<k>\n".
	Stream bool
}

// New returns a RunFunc that runs cells with cfg.
func New(cfg Config) cellrun.RunFunc {
	return cellrun.PerCell(func(ctx context.Context, _ cellrun.ExecRequest, cell cellrun.Cell, emit func(cellrun.OutputMessage) bool) error {
		if msg, ok := strings.CutPrefix(cell.Input, RaisePrefix); ok {
			return &cellrun.RunError{Message: msg}
		}
		n := cfg.Chunks
		if n <= 0 {
			n = 1
		}
		for k := range n {
			if cfg.Delay > 0 {
				select {
				case <-time.After(cfg.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !emit(message(cfg, cell, k)) {
				return nil
			}
		}
		return nil
	})
}

func message(cfg Config, cell cellrun.Cell, k int) cellrun.OutputMessage {
	if cfg.Stream {
		return cellrun.StreamMessage(cell.ID, "stdout", Fragment(cell.Input, k))
	}
	if cfg.Chunks <= 0 {
		return cellrun.OutputMessage{ID: cell.ID, Output: cell.Input}
	}
	return cellrun.OutputMessage{ID: cell.ID, Output: k}
}

// Fragment is the text of the k-th stream fragment for input.
func Fragment(input string, k int) string {
	return fmt.Sprintf("%s:%d\n", input, k)
}
