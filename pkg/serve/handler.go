package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/holon-run/cellstream/pkg/cellrun"
	cslog "github.com/holon-run/cellstream/pkg/log"
)

const (
	// DefaultSendQueueSize bounds the notifications queued per connection.
	DefaultSendQueueSize = 256
	// DefaultWriteTimeout bounds one websocket write.
	DefaultWriteTimeout = 10 * time.Second
)

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration
}

// Handler serves the cellrun protocol over HTTP and WebSocket.
type Handler struct {
	srv      *cellrun.Server
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	rpc      *MethodRegistry
	mux      *http.ServeMux
	ctx      context.Context
	cancel   context.CancelFunc
	peers    atomic.Uint64
}

// NewHandler creates the HTTP handler for srv.
func NewHandler(srv *cellrun.Server, cfg HandlerConfig) *Handler {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		srv: srv,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rpc:    NewMethodRegistry(),
		mux:    http.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
	}
	registerShared(h.rpc, srv)

	h.mux.HandleFunc("/rpc/ws", h.handleWebSocket)
	h.mux.HandleFunc("/rpc", h.handleRPC)
	h.mux.HandleFunc("/health", h.handleHealth)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Close cancels in-flight requests of open connections.
func (h *Handler) Close() {
	h.cancel()
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		cslog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := newPeer(fmt.Sprintf("peer-%d", h.peers.Add(1)), conn, h.cfg.SendQueueSize, h.cfg.WriteTimeout)
	p.att = h.srv.Attach(p)
	cslog.Debug("websocket connected", "peer", p.id, "remote", r.RemoteAddr)
	traceTransport("peer_connected", map[string]interface{}{"peer": p.id, "remote": r.RemoteAddr})

	go p.writeLoop()
	p.readLoop(h.ctx, p.registry(h.srv))
	cslog.Debug("websocket disconnected", "peer", p.id)
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, rpcErr := ReadJSONRPCRequest(r)
	if rpcErr != nil {
		WriteJSONRPCResponse(w, nil, nil, rpcErr)
		return
	}
	result, rpcErr := h.rpc.Dispatch(r.Context(), req.Method, req.Params)
	WriteJSONRPCResponse(w, req.ID, result, rpcErr)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
