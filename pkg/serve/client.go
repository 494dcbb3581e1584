package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/holon-run/cellstream/pkg/cellrun"
	cslog "github.com/holon-run/cellstream/pkg/log"
)

// Dialer returns a cellrun.Dialer that connects to a /rpc/ws endpoint.
func Dialer(url string) cellrun.Dialer {
	return func(ctx context.Context, recv cellrun.Receiver) (cellrun.Transport, error) {
		dialer := websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		t := &remoteTransport{
			conn:    conn,
			recv:    recv,
			pending: make(map[int64]chan JSONRPCResponse),
			runs:    make(map[string]struct{}),
			done:    make(chan struct{}),
		}
		go t.readLoop()
		return t, nil
	}
}

// remoteTransport is the client side of a /rpc/ws connection.
type remoteTransport struct {
	conn      *websocket.Conn
	recv      cellrun.Receiver
	requestID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan JSONRPCResponse
	runs    map[string]struct{}
	closed  bool
	done    chan struct{}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// inbound is anything the server sends: a response or a notification.
type inbound struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *JSONRPCError   `json:"error,omitempty"`
}

// Submit sends cell/run. Without WaitForAck it returns once the request is
// written and a rejection is reported through the receiver's End.
func (t *remoteTransport) Submit(ctx context.Context, req cellrun.RunRequest) (cellrun.RunAck, error) {
	if req.RunID == "" {
		req.RunID = cellrun.NewRunID()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return cellrun.RunAck{}, cellrun.ErrDetached
	}
	t.runs[req.RunID] = struct{}{}
	t.mu.Unlock()

	reply, err := t.send(MethodCellRun, req)
	if err != nil {
		t.forget(req.RunID)
		return cellrun.RunAck{}, err
	}

	if !req.WaitForAck {
		go func() {
			var ack cellrun.RunAck
			if err := t.await(context.Background(), reply, &ack); err != nil {
				if t.forget(req.RunID) {
					_ = t.recv.End(req.RunID, err)
				}
			}
		}()
		return cellrun.RunAck{RunID: req.RunID}, nil
	}

	var ack cellrun.RunAck
	if err := t.await(ctx, reply, &ack); err != nil {
		t.forget(req.RunID)
		return cellrun.RunAck{RunID: req.RunID}, err
	}
	return ack, nil
}

// KernelStatus sends kernel/status.
func (t *remoteTransport) KernelStatus(ctx context.Context, path string) (cellrun.KernelStatus, error) {
	var status cellrun.KernelStatus
	reply, err := t.send(MethodKernelStatus, KernelStatusParams{Path: path})
	if err != nil {
		return status, err
	}
	err = t.await(ctx, reply, &status)
	return status, err
}

// Close closes the connection. Runs still streaming end with ErrDetached.
func (t *remoteTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	err := t.conn.Close()
	t.fail()
	return err
}

func (t *remoteTransport) send(method string, params interface{}) (chan JSONRPCResponse, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	id := t.requestID.Add(1)
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: paramsJSON})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reply := make(chan JSONRPCResponse, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, cellrun.ErrDetached
	}
	t.pending[id] = reply
	t.mu.Unlock()

	t.writeMu.Lock()
	err = t.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err == nil {
		err = t.conn.WriteMessage(websocket.TextMessage, data)
	}
	t.writeMu.Unlock()
	if err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	return reply, nil
}

func (t *remoteTransport) await(ctx context.Context, reply chan JSONRPCResponse, result interface{}) error {
	select {
	case resp := <-reply:
		if resp.Error != nil {
			return errFromRPC(resp.Error)
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
		return nil
	case <-t.done:
		return cellrun.ErrDetached
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget removes runID from the open runs and reports whether it was open.
func (t *remoteTransport) forget(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[runID]
	delete(t.runs, runID)
	return ok
}

func (t *remoteTransport) readLoop() {
	defer t.fail()
	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cslog.Debug("connection lost", "error", err)
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			cslog.Warn("failed to decode server message", "error", err)
			continue
		}
		if msg.Method != "" {
			t.handleNotification(msg.Method, msg.Params)
			continue
		}
		if msg.ID == nil {
			if msg.Error != nil {
				cslog.Warn("server rejected request", "code", msg.Error.Code, "message", msg.Error.Message)
			}
			continue
		}
		t.mu.Lock()
		reply, ok := t.pending[*msg.ID]
		delete(t.pending, *msg.ID)
		t.mu.Unlock()
		if ok {
			reply <- JSONRPCResponse{JSONRPC: "2.0", ID: *msg.ID, Result: msg.Result, Error: msg.Error}
		}
	}
}

func (t *remoteTransport) handleNotification(method string, params json.RawMessage) {
	switch method {
	case NotifyCellOutput:
		var p CellOutputParams
		if err := json.Unmarshal(params, &p); err != nil {
			cslog.Warn("failed to decode cell/output", "error", err)
			return
		}
		if err := t.recv.Deliver(p.RunID, p.Batch); err != nil {
			cslog.Debug("receiver refused output", "run_id", p.RunID, "error", err)
		}
	case NotifyCellEnd:
		var p CellEndParams
		if err := json.Unmarshal(params, &p); err != nil {
			cslog.Warn("failed to decode cell/end", "error", err)
			return
		}
		t.forget(p.RunID)
		_ = t.recv.End(p.RunID, p.Error.Err())
	default:
		cslog.Debug("ignoring notification", "method", method)
	}
}

// fail marks the transport closed and ends every open run with ErrDetached.
func (t *remoteTransport) fail() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.done)
	runs := make([]string, 0, len(t.runs))
	for runID := range t.runs {
		runs = append(runs, runID)
	}
	t.runs = make(map[string]struct{})
	t.pending = make(map[int64]chan JSONRPCResponse)
	t.mu.Unlock()

	for _, runID := range runs {
		_ = t.recv.End(runID, cellrun.ErrDetached)
	}
}

// Call performs one JSON-RPC request against a POST /rpc endpoint.
func Call(ctx context.Context, url, method string, params interface{}, result interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: paramsJSON})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return errFromRPC(rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}
