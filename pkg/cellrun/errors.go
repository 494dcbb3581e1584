package cellrun

import "errors"

// Sentinel errors for error classification.
var (
	// ErrInvalidRequest indicates a RunRequest that failed validation.
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrDetached indicates that the client attachment is gone.
	ErrDetached = errors.New("client detached")

	// ErrSuperseded ends the client stream of a run replaced by a newer run
	// for the same target.
	ErrSuperseded = errors.New("run superseded")

	// ErrServerClosed is returned for requests submitted after shutdown began.
	ErrServerClosed = errors.New("server closed")

	// ErrBackpressure is returned by a receiver whose delivery queue is full.
	// The server treats it as a disconnect.
	ErrBackpressure = errors.New("delivery queue full")

	// ErrPathMismatch is returned by output handlers asked to record output
	// for a path they do not own.
	ErrPathMismatch = errors.New("output handler path mismatch")
)

// RunError carries an executor failure across a transport boundary.
// Error returns the original message verbatim.
type RunError struct {
	Message string
}

func (e *RunError) Error() string { return e.Message }
