package cellrun

import (
	"context"
	"fmt"
	"iter"
)

// ExecRequest is what an executor receives for one accepted run.
type ExecRequest struct {
	Path      string
	ProjectID string
	RunID     string
	Cells     []Cell
}

// RunFunc is the Run Executor Adapter. It returns a lazy, ordered, finite
// sequence of output. Consuming the sequence drives production. A non-nil
// error terminates the sequence; values yielded with it are ignored.
//
// Executors do not need to stamp run_id; the server does.
type RunFunc func(ctx context.Context, req ExecRequest) iter.Seq2[OutputMessage, error]

// CellFunc executes one cell. emit delivers one message and returns false
// once the consumer has stopped; it must be called from the goroutine running
// the CellFunc. Messages emitted without an ID are attributed to the cell.
type CellFunc func(ctx context.Context, req ExecRequest, cell Cell, emit func(OutputMessage) bool) error

// StatusFunc answers the kernel status probe for a path.
type StatusFunc func(ctx context.Context, path string) (KernelStatus, error)

// PerCell adapts a per-cell executor into a RunFunc that runs the cells in
// order and wraps each one in cell_start and cell_done markers. A cell error
// ends the run; later cells do not execute.
func PerCell(fn CellFunc) RunFunc {
	return func(ctx context.Context, req ExecRequest) iter.Seq2[OutputMessage, error] {
		return func(yield func(OutputMessage, error) bool) {
			for _, cell := range req.Cells {
				if !yield(LifecycleMessage(LifecycleCellStart, cell.ID), nil) {
					return
				}
				stopped := false
				emit := func(msg OutputMessage) bool {
					if stopped {
						return false
					}
					if msg.ID == "" {
						msg.ID = cell.ID
					}
					if !yield(msg, nil) {
						stopped = true
					}
					return !stopped
				}
				err := fn(ctx, req, cell, emit)
				if stopped {
					return
				}
				if err != nil {
					yield(OutputMessage{}, err)
					return
				}
				if !yield(LifecycleMessage(LifecycleCellDone, cell.ID), nil) {
					return
				}
			}
		}
	}
}

type pumpItem struct {
	msg OutputMessage
	err error
}

// pump starts the executor and pulls its sequence to exhaustion into out,
// then closes out. Executor panics are reported as failures.
func pump(start func() iter.Seq2[OutputMessage, error], out chan<- pumpItem) {
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			out <- pumpItem{err: fmt.Errorf("executor panic: %v", r)}
		}
	}()
	seq := start()
	if seq == nil {
		return
	}
	for msg, err := range seq {
		out <- pumpItem{msg: msg, err: err}
		if err != nil {
			return
		}
	}
}
