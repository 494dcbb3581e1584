package serve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

// JSON-RPC 2.0 specification types
// See: https://www.jsonrpc.org/specification

// JSONRPCRequest represents a JSON-RPC 2.0 request object
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response object
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JSONRPCError) Error() string { return e.Message }

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	// ErrCodeServerClosed is returned for runs submitted during shutdown.
	ErrCodeServerClosed = -32001
	// ErrCodeDetached is returned for runs submitted on a detached connection.
	ErrCodeDetached = -32002
)

// Standard error messages
const (
	ErrMsgParseError     = "Parse error"
	ErrMsgInvalidRequest = "Invalid Request"
	ErrMsgMethodNotFound = "Method not found"
	ErrMsgInvalidParams  = "Invalid params"
	ErrMsgInternalError  = "Internal error"
)

// NewJSONRPCError creates a new JSON-RPC error with the given code and message
func NewJSONRPCError(code int, message string) *JSONRPCError {
	return &JSONRPCError{
		Code:    code,
		Message: message,
	}
}

// rpcErrorFrom maps a protocol error to a JSON-RPC error. The message is
// carried verbatim.
func rpcErrorFrom(err error) *JSONRPCError {
	var rpcErr *JSONRPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, cellrun.ErrInvalidRequest):
		return NewJSONRPCError(ErrCodeInvalidParams, err.Error())
	case errors.Is(err, cellrun.ErrServerClosed):
		return NewJSONRPCError(ErrCodeServerClosed, err.Error())
	case errors.Is(err, cellrun.ErrDetached):
		return NewJSONRPCError(ErrCodeDetached, err.Error())
	default:
		return NewJSONRPCError(ErrCodeInternalError, err.Error())
	}
}

// errFromRPC is the inverse of rpcErrorFrom on the client side.
func errFromRPC(e *JSONRPCError) error {
	switch e.Code {
	case ErrCodeInvalidParams:
		return &remoteError{msg: e.Message, kind: cellrun.ErrInvalidRequest}
	case ErrCodeServerClosed:
		return &remoteError{msg: e.Message, kind: cellrun.ErrServerClosed}
	case ErrCodeDetached:
		return &remoteError{msg: e.Message, kind: cellrun.ErrDetached}
	default:
		return e
	}
}

// remoteError keeps the server's message verbatim while matching the local
// sentinel with errors.Is.
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

// MethodHandler is a function that handles a JSON-RPC method call
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError)

// MethodRegistry holds registered JSON-RPC methods
type MethodRegistry struct {
	methods map[string]MethodHandler
}

// NewMethodRegistry creates a new method registry
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		methods: make(map[string]MethodHandler),
	}
}

// RegisterMethod registers a new method handler
func (r *MethodRegistry) RegisterMethod(name string, handler MethodHandler) {
	r.methods[name] = handler
}

// Dispatch calls the appropriate method handler based on the method name
func (r *MethodRegistry) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *JSONRPCError) {
	handler, ok := r.methods[method]
	if !ok {
		return nil, NewJSONRPCError(ErrCodeMethodNotFound, ErrMsgMethodNotFound)
	}
	return handler(ctx, params)
}

// ValidateJSONRPCRequest validates a JSON-RPC request envelope
func ValidateJSONRPCRequest(req *JSONRPCRequest) *JSONRPCError {
	if req.JSONRPC != "2.0" {
		return NewJSONRPCError(ErrCodeInvalidRequest, "jsonrpc version must be '2.0'")
	}
	if req.Method == "" {
		return NewJSONRPCError(ErrCodeInvalidRequest, "method is required")
	}
	return nil
}

// ParseJSONRPCRequest parses a JSON-RPC request from a byte slice
func ParseJSONRPCRequest(data []byte) (*JSONRPCRequest, *JSONRPCError) {
	var req JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, NewJSONRPCError(ErrCodeParseError, ErrMsgParseError)
	}
	if validationErr := ValidateJSONRPCRequest(&req); validationErr != nil {
		return nil, validationErr
	}
	return &req, nil
}

// NewJSONRPCResponse builds a response envelope. A result that cannot be
// marshaled becomes an internal error.
func NewJSONRPCResponse(id interface{}, result interface{}, rpcErr *JSONRPCError) JSONRPCResponse {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
	}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	rawResult, err := json.Marshal(result)
	if err != nil {
		resp.Error = NewJSONRPCError(ErrCodeInternalError, ErrMsgInternalError)
		return resp
	}
	resp.Result = json.RawMessage(rawResult)
	return resp
}

// WriteJSONRPCResponse writes a JSON-RPC response to the HTTP response writer
func WriteJSONRPCResponse(w http.ResponseWriter, id interface{}, result interface{}, rpcErr *JSONRPCError) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(NewJSONRPCResponse(id, result, rpcErr)); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// ReadJSONRPCRequest reads and parses a JSON-RPC request from an HTTP request
func ReadJSONRPCRequest(r *http.Request) (*JSONRPCRequest, *JSONRPCError) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, NewJSONRPCError(ErrCodeParseError, "failed to read request body")
	}
	defer r.Body.Close()

	if len(body) == 0 {
		return nil, NewJSONRPCError(ErrCodeInvalidRequest, "empty request body")
	}
	return ParseJSONRPCRequest(body)
}
