// Package streamio turns process output into cell stream messages.
package streamio

import (
	"fmt"
	"io"
	"sync"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

// Stream names used for process output.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

type chunk struct {
	name string
	text string
}

// Pipe collects writes from process output copiers and hands them to the
// goroutine executing the cell. Writers may be used concurrently. Close must
// be called once every writer is done.
type Pipe struct {
	ch   chan chunk
	once sync.Once
}

// NewPipe creates a Pipe.
func NewPipe() *Pipe {
	return &Pipe{ch: make(chan chunk, 64)}
}

// Writer returns an io.Writer producing fragments of the named stream.
func (p *Pipe) Writer(name string) io.Writer {
	return &streamWriter{p: p, name: name}
}

// Close ends the stream of fragments.
func (p *Pipe) Close() {
	p.once.Do(func() { close(p.ch) })
}

// Drain emits every fragment as a stream message for cell id until the pipe
// is closed. Once emit refuses a message the rest is discarded, so writers
// never block on a consumer that went away.
func (p *Pipe) Drain(id string, emit func(cellrun.OutputMessage) bool) {
	open := true
	for c := range p.ch {
		if open && !emit(cellrun.StreamMessage(id, c.name, c.text)) {
			open = false
		}
	}
}

type streamWriter struct {
	p    *Pipe
	name string
}

func (w *streamWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	w.p.ch <- chunk{name: w.name, text: string(b)}
	return len(b), nil
}

// ExitMessage is the error-shaped message emitted for a cell whose process
// exited with a non-zero code.
func ExitMessage(id string, code int) cellrun.OutputMessage {
	return cellrun.OutputMessage{
		ID:      id,
		MsgType: cellrun.MsgTypeError,
		Content: map[string]any{
			"ename":     "ExitError",
			"evalue":    fmt.Sprintf("exit status %d", code),
			"exit_code": code,
		},
	}
}

// ExitError is the run failure for a cell that exited with code.
func ExitError(id string, code int) error {
	return &cellrun.RunError{Message: fmt.Sprintf("cell %s: exit status %d", id, code)}
}
