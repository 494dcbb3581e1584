package fallback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

// Recorder keeps fallback output in memory, keyed by run_id.
type Recorder struct {
	mu    sync.Mutex
	runs  map[string]*Recording
	order []string
}

// Recording is the fallback output of one run.
type Recording struct {
	Params   cellrun.HandlerParams
	Messages []cellrun.OutputMessage
	Dones    int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{runs: make(map[string]*Recording)}
}

// Handler returns an OutputHandler recording into r. Paths outside prefix are
// rejected.
func (r *Recorder) Handler(prefix string) cellrun.OutputHandler {
	return func(ctx context.Context, p cellrun.HandlerParams) (cellrun.FallbackSink, error) {
		if prefix != "" && !strings.HasPrefix(p.Path, prefix) {
			return nil, fmt.Errorf("%w: %q is outside %q", cellrun.ErrPathMismatch, p.Path, prefix)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.runs[p.RunID]; !ok {
			r.runs[p.RunID] = &Recording{Params: p}
			r.order = append(r.order, p.RunID)
		}
		return &recorderSink{r: r, runID: p.RunID}, nil
	}
}

// Get returns a copy of the recording for runID.
func (r *Recorder) Get(runID string) (Recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.runs[runID]
	if !ok {
		return Recording{}, false
	}
	cp := *rec
	cp.Messages = append([]cellrun.OutputMessage(nil), rec.Messages...)
	return cp, true
}

// RunIDs lists recorded runs in the order their sinks were created.
func (r *Recorder) RunIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type recorderSink struct {
	r     *Recorder
	runID string
}

func (s *recorderSink) Process(msg cellrun.OutputMessage) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	rec := s.r.runs[s.runID]
	rec.Messages = append(rec.Messages, msg)
	return nil
}

func (s *recorderSink) Done() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.runs[s.runID].Dones++
	return nil
}
