package serve

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cslog "github.com/holon-run/cellstream/pkg/log"
)

// TraceEnvKey names the file transport events are appended to as NDJSON.
const TraceEnvKey = "CELLSTREAM_TRACE_FILE"

type transportTracer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	reported bool
	seq      atomic.Uint64
}

func newTransportTracerFromEnv() *transportTracer {
	path := strings.TrimSpace(os.Getenv(TraceEnvKey))
	if path == "" {
		return &transportTracer{}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		cslog.Warn("failed to open transport trace file", "path", path, "error", err)
		return &transportTracer{}
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &transportTracer{file: f, enc: enc}
}

func (t *transportTracer) enabled() bool {
	return t != nil && t.enc != nil
}

func (t *transportTracer) trace(kind string, fields map[string]interface{}) {
	if !t.enabled() {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["component"] = "transport"
	entry["kind"] = kind
	entry["seq"] = t.seq.Add(1)
	for k, v := range fields {
		entry[k] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.Encode(entry); err != nil && !t.reported {
		t.reported = true
		cslog.Warn("failed to write transport trace", "error", err)
	}
}

var (
	traceOnce sync.Once
	traceInst *transportTracer
)

func traceTransport(kind string, fields map[string]interface{}) {
	traceOnce.Do(func() {
		traceInst = newTransportTracerFromEnv()
	})
	traceInst.trace(kind, fields)
}
