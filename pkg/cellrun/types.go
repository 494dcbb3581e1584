package cellrun

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lifecycle tags carried by structural messages.
const (
	LifecycleRunStart  = "run_start"
	LifecycleCellStart = "cell_start"
	LifecycleCellDone  = "cell_done"
	LifecycleRunDone   = "run_done"
)

// Message types the pipeline interprets. Any other msg_type is opaque data.
const (
	MsgTypeStream = "stream"
	MsgTypeError  = "error"
)

// Cell is one unit of executable input. ID correlates output with its cell and
// only has to be unique within one submitted batch.
type Cell struct {
	ID    string `json:"id"`
	Input string `json:"input"`
}

// RunRequest identifies one logical execution attempt against a target.
type RunRequest struct {
	Path       string `json:"path"`
	ProjectID  string `json:"project_id"`
	Cells      []Cell `json:"cells"`
	RunID      string `json:"run_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	WaitForAck bool   `json:"wait_for_ack,omitempty"`
}

// RunAck is returned once the server has made a run current for its target.
type RunAck struct {
	RunID      string    `json:"run_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// OutputMessage is one unit of run output. Exactly one of a data payload
// (MsgType/Content/Output), a Lifecycle tag, or a MoreOutput/Done marker is
// meaningful per message.
type OutputMessage struct {
	ID         string         `json:"id,omitempty"`
	RunID      string         `json:"run_id"`
	MsgType    string         `json:"msg_type,omitempty"`
	Content    map[string]any `json:"content,omitempty"`
	Output     any            `json:"output,omitempty"`
	Lifecycle  string         `json:"lifecycle,omitempty"`
	MoreOutput bool           `json:"more_output,omitempty"`
	Done       bool           `json:"done,omitempty"`
}

// KernelStatus is the answer of the status probe for a path.
type KernelStatus struct {
	BackendState string `json:"backend_state"`
	KernelState  string `json:"kernel_state"`
}

// IsLifecycle reports whether m is a structural marker.
func (m OutputMessage) IsLifecycle() bool { return m.Lifecycle != "" }

// IsData reports whether m carries output that counts against a limit.
func (m OutputMessage) IsData() bool {
	return m.Lifecycle == "" && !m.MoreOutput && !m.Done
}

// StreamName returns content.name for stream messages.
func (m OutputMessage) StreamName() (string, bool) {
	if m.MsgType != MsgTypeStream || m.Lifecycle != "" {
		return "", false
	}
	name, ok := m.Content["name"].(string)
	return name, ok
}

// StreamText returns content.text, or "" when m is not a text stream message.
func (m OutputMessage) StreamText() string {
	text, _ := m.Content["text"].(string)
	return text
}

// StreamMessage builds a stream fragment for a cell.
func StreamMessage(id, name, text string) OutputMessage {
	return OutputMessage{
		ID:      id,
		MsgType: MsgTypeStream,
		Content: map[string]any{"name": name, "text": text},
	}
}

// LifecycleMessage builds a structural marker. id is empty for run-level tags.
func LifecycleMessage(kind, id string) OutputMessage {
	return OutputMessage{ID: id, Lifecycle: kind}
}

// ErrorMessage builds the error-shaped terminal message recorded on a fallback
// sink when an executor fails.
func ErrorMessage(id string, err error) OutputMessage {
	return OutputMessage{
		ID:      id,
		MsgType: MsgTypeError,
		Content: map[string]any{
			"ename":  "RunError",
			"evalue": err.Error(),
		},
	}
}

// NewRunID generates a run identifier.
func NewRunID() string { return uuid.NewString() }

type targetKey struct {
	projectID string
	path      string
}

func (k targetKey) String() string {
	if k.projectID == "" {
		return k.path
	}
	return k.projectID + ":" + k.path
}

// normalize validates r and fills defaults. limits are applied by the server.
func (r RunRequest) normalize() (RunRequest, error) {
	r.Path = strings.TrimSpace(r.Path)
	if r.Path == "" {
		return r, fmt.Errorf("%w: path is required", ErrInvalidRequest)
	}
	if r.RunID == "" {
		r.RunID = NewRunID()
	}
	if r.Limit < 0 {
		return r, fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(r.Cells))
	for idx, cell := range r.Cells {
		if strings.TrimSpace(cell.ID) == "" {
			return r, fmt.Errorf("%w: cells[%d].id is required", ErrInvalidRequest, idx)
		}
		if _, dup := seen[cell.ID]; dup {
			return r, fmt.Errorf("%w: duplicate cell id %q", ErrInvalidRequest, cell.ID)
		}
		seen[cell.ID] = struct{}{}
	}
	return r, nil
}

func (r RunRequest) target() targetKey {
	return targetKey{projectID: r.ProjectID, path: r.Path}
}
