package serve

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

// Methods served over /rpc/ws (client to server).
const (
	MethodCellRun      = "cell/run"
	MethodKernelStatus = "kernel/status"
	MethodServerStats  = "server/stats"
)

// Notifications sent over /rpc/ws (server to client).
const (
	NotifyCellOutput = "cell/output"
	NotifyCellEnd    = "cell/end"
)

// End error kinds carried by cell/end.
const (
	EndKindExecutor   = "executor"
	EndKindSuperseded = "superseded"
	EndKindDetached   = "detached"
	EndKindInvalid    = "invalid"
	EndKindClosed     = "closed"
)

// Notification represents a server-sent JSON-RPC notification
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// NewNotification marshals params into a notification envelope.
func NewNotification(method string, params interface{}) (Notification, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return Notification{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// KernelStatusParams are the params of kernel/status.
type KernelStatusParams struct {
	Path string `json:"path"`
}

// CellOutputParams carry one delivered batch.
type CellOutputParams struct {
	RunID string                  `json:"run_id"`
	Batch []cellrun.OutputMessage `json:"batch"`
}

// CellEndParams end a run's stream. Error is nil on normal completion.
type CellEndParams struct {
	RunID string    `json:"run_id"`
	Error *EndError `json:"error,omitempty"`
}

// EndError describes why a run's stream ended abnormally.
type EndError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// endErrorFrom classifies a terminal run error for the wire.
func endErrorFrom(err error) *EndError {
	if err == nil {
		return nil
	}
	kind := EndKindExecutor
	switch {
	case errors.Is(err, cellrun.ErrSuperseded):
		kind = EndKindSuperseded
	case errors.Is(err, cellrun.ErrDetached):
		kind = EndKindDetached
	case errors.Is(err, cellrun.ErrInvalidRequest):
		kind = EndKindInvalid
	case errors.Is(err, cellrun.ErrServerClosed):
		kind = EndKindClosed
	}
	return &EndError{Kind: kind, Message: err.Error()}
}

// Err turns a wire end error back into the error a local run would have
// ended with. Executor messages are preserved verbatim.
func (e *EndError) Err() error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case EndKindSuperseded:
		return cellrun.ErrSuperseded
	case EndKindDetached:
		return cellrun.ErrDetached
	case EndKindInvalid:
		return &remoteError{msg: e.Message, kind: cellrun.ErrInvalidRequest}
	case EndKindClosed:
		return &remoteError{msg: e.Message, kind: cellrun.ErrServerClosed}
	default:
		return &cellrun.RunError{Message: e.Message}
	}
}
