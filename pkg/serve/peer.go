package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/holon-run/cellstream/pkg/cellrun"
	cslog "github.com/holon-run/cellstream/pkg/log"
)

// peer is the server side of one /rpc/ws connection. It is the Receiver of
// the connection's attachment: notifications are queued without blocking and
// written by a single writer goroutine.
type peer struct {
	id           string
	conn         *websocket.Conn
	att          *cellrun.Attachment
	send         chan []byte
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id string, conn *websocket.Conn, queueSize int, writeTimeout time.Duration) *peer {
	return &peer{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, queueSize),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// Deliver implements cellrun.Receiver.
func (p *peer) Deliver(runID string, batch []cellrun.OutputMessage) error {
	return p.notify(NotifyCellOutput, CellOutputParams{RunID: runID, Batch: batch})
}

// End implements cellrun.Receiver.
func (p *peer) End(runID string, err error) error {
	return p.notify(NotifyCellEnd, CellEndParams{RunID: runID, Error: endErrorFrom(err)})
}

func (p *peer) notify(method string, params interface{}) error {
	n, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return p.enqueue(data)
}

// enqueue never blocks. A full queue is reported as backpressure, which the
// attachment treats as a lost connection.
func (p *peer) enqueue(data []byte) error {
	select {
	case <-p.done:
		return cellrun.ErrDetached
	default:
	}
	select {
	case p.send <- data:
		return nil
	default:
		traceTransport("backpressure", map[string]interface{}{"peer": p.id, "queued": len(p.send)})
		return cellrun.ErrBackpressure
	}
}

func (p *peer) respond(id interface{}, result interface{}, rpcErr *JSONRPCError) {
	data, err := json.Marshal(NewJSONRPCResponse(id, result, rpcErr))
	if err != nil {
		cslog.Error("failed to marshal response", "peer", p.id, "error", err)
		return
	}
	if err := p.enqueue(data); err != nil {
		cslog.Warn("failed to queue response", "peer", p.id, "error", err)
		p.close()
	}
}

// close stops the writer, detaches the attachment and closes the socket.
// Frames still queued at that point were accepted by Deliver but never
// written; they are counted and reported, not redelivered.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.att != nil {
			p.att.Detach()
		}
		_ = p.conn.Close()
		dropped := p.discardQueued()
		if dropped > 0 {
			cslog.Warn("dropped queued notifications on close", "peer", p.id, "frames", dropped)
		}
		traceTransport("peer_closed", map[string]interface{}{"peer": p.id, "dropped": dropped})
	})
}

// discardQueued empties the send queue and returns how many frames it held.
func (p *peer) discardQueued() int {
	n := 0
	for {
		select {
		case <-p.send:
			n++
		default:
			return n
		}
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
				p.close()
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cslog.Debug("websocket write failed", "peer", p.id, "error", err)
				p.close()
				return
			}
		}
	}
}

// readLoop handles requests in arrival order. cell/run waits for the ack so
// that runs from one connection become current in submission order.
func (p *peer) readLoop(ctx context.Context, registry *MethodRegistry) {
	defer p.close()
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cslog.Debug("websocket read failed", "peer", p.id, "error", err)
			}
			return
		}
		if len(message) == 0 {
			continue
		}

		req, rpcErr := ParseJSONRPCRequest(message)
		if rpcErr != nil {
			p.respond(nil, nil, rpcErr)
			continue
		}
		traceTransport("request", map[string]interface{}{"peer": p.id, "method": req.Method})

		result, rpcErr := registry.Dispatch(ctx, req.Method, req.Params)
		if req.ID == nil {
			continue
		}
		p.respond(req.ID, result, rpcErr)
	}
}

// registry builds the per-connection method table.
func (p *peer) registry(srv *cellrun.Server) *MethodRegistry {
	reg := NewMethodRegistry()
	reg.RegisterMethod(MethodCellRun, func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		var req cellrun.RunRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, ErrMsgInvalidParams)
		}
		req.WaitForAck = true
		ack, err := p.att.Submit(ctx, req)
		if err != nil {
			return nil, rpcErrorFrom(err)
		}
		return ack, nil
	})
	registerShared(reg, srv)
	return reg
}

// registerShared adds the methods served on both /rpc and /rpc/ws.
func registerShared(reg *MethodRegistry, srv *cellrun.Server) {
	reg.RegisterMethod(MethodKernelStatus, func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		var p KernelStatusParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, ErrMsgInvalidParams)
		}
		if p.Path == "" {
			return nil, NewJSONRPCError(ErrCodeInvalidParams, "path is required")
		}
		status, err := srv.KernelStatus(ctx, p.Path)
		if err != nil {
			return nil, rpcErrorFrom(err)
		}
		return status, nil
	})
	reg.RegisterMethod(MethodServerStats, func(ctx context.Context, params json.RawMessage) (interface{}, *JSONRPCError) {
		return srv.Stats(), nil
	})
}
