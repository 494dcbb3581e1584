package cellrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
)

// ClientConfig holds the defaults a Client applies to its runs.
type ClientConfig struct {
	Path      string
	ProjectID string
}

// RunOptions tune a single Client.Run call. Empty fields fall back to the
// client defaults.
type RunOptions struct {
	RunID      string
	Path       string
	ProjectID  string
	Limit      int
	WaitForAck bool
}

// Client submits cells and exposes each run as an ordered stream of batches.
type Client struct {
	cfg       ClientConfig
	transport Transport
	streams   *streamSet
}

// NewClient dials a server through dial.
func NewClient(ctx context.Context, dial Dialer, cfg ClientConfig) (*Client, error) {
	if dial == nil {
		return nil, errors.New("dialer is required")
	}
	streams := &streamSet{runs: make(map[string]*RunStream)}
	transport, err := dial(ctx, streams)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Client{cfg: cfg, transport: transport, streams: streams}, nil
}

// Run submits cells. The returned stream buffers every batch from the start
// of the run, so it may be consumed at any later time.
func (c *Client) Run(ctx context.Context, cells []Cell, opts RunOptions) (*RunStream, error) {
	req := RunRequest{
		Path:       firstNonEmpty(opts.Path, c.cfg.Path),
		ProjectID:  firstNonEmpty(opts.ProjectID, c.cfg.ProjectID),
		Cells:      cells,
		RunID:      opts.RunID,
		Limit:      opts.Limit,
		WaitForAck: opts.WaitForAck,
	}
	if req.RunID == "" {
		req.RunID = NewRunID()
	}

	rs, err := c.streams.open(req.RunID)
	if err != nil {
		return nil, err
	}
	if _, err := c.transport.Submit(ctx, req); err != nil {
		c.streams.drop(req.RunID)
		return nil, err
	}
	return rs, nil
}

// KernelStatus asks the server for the status of path. An empty path uses
// the client default.
func (c *Client) KernelStatus(ctx context.Context, path string) (KernelStatus, error) {
	return c.transport.KernelStatus(ctx, firstNonEmpty(path, c.cfg.Path))
}

// Close detaches the client. Runs still in flight continue on the server and
// deliver the rest of their output to fallback sinks. Pending streams end with
// ErrDetached after their buffered batches.
func (c *Client) Close() error {
	c.streams.close()
	return c.transport.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// streamSet is the client's Receiver. It routes deliveries to run streams.
type streamSet struct {
	mu     sync.Mutex
	runs   map[string]*RunStream
	closed bool
}

func (s *streamSet) open(runID string) (*RunStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDetached
	}
	if _, dup := s.runs[runID]; dup {
		return nil, fmt.Errorf("%w: run_id %q is already in use", ErrInvalidRequest, runID)
	}
	rs := &RunStream{runID: runID, notify: make(chan struct{}, 1)}
	s.runs[runID] = rs
	return rs, nil
}

func (s *streamSet) drop(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

func (s *streamSet) Deliver(runID string, batch []OutputMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDetached
	}
	rs, ok := s.runs[runID]
	if !ok {
		return nil
	}
	rs.push(batch)
	return nil
}

func (s *streamSet) End(runID string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDetached
	}
	rs, ok := s.runs[runID]
	if !ok {
		return nil
	}
	delete(s.runs, runID)
	rs.end(err)
	return nil
}

func (s *streamSet) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, rs := range s.runs {
		rs.end(ErrDetached)
		delete(s.runs, id)
	}
}

// RunStream is the ordered sequence of batches of one run.
type RunStream struct {
	runID  string
	notify chan struct{}

	mu      sync.Mutex
	batches [][]OutputMessage
	ended   bool
	err     error
}

// RunID returns the run identifier.
func (r *RunStream) RunID() string { return r.runID }

func (r *RunStream) push(batch []OutputMessage) {
	r.mu.Lock()
	if !r.ended {
		r.batches = append(r.batches, batch)
	}
	r.mu.Unlock()
	r.wake()
}

func (r *RunStream) end(err error) {
	r.mu.Lock()
	if !r.ended {
		r.ended = true
		r.err = err
	}
	r.mu.Unlock()
	r.wake()
}

func (r *RunStream) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Next returns the next batch. It returns io.EOF once the run completed
// normally, and the run's error verbatim once it failed.
func (r *RunStream) Next(ctx context.Context) ([]OutputMessage, error) {
	for {
		r.mu.Lock()
		if len(r.batches) > 0 {
			batch := r.batches[0]
			r.batches[0] = nil
			r.batches = r.batches[1:]
			r.mu.Unlock()
			return batch, nil
		}
		if r.ended {
			err := r.err
			r.mu.Unlock()
			if err == nil {
				return nil, io.EOF
			}
			return nil, err
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// All iterates the remaining batches. Iteration stops after a non-nil error;
// normal completion yields no error.
func (r *RunStream) All(ctx context.Context) iter.Seq2[[]OutputMessage, error] {
	return func(yield func([]OutputMessage, error) bool) {
		for {
			batch, err := r.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(batch, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains the stream and returns every message in order.
func (r *RunStream) Collect(ctx context.Context) ([]OutputMessage, error) {
	var out []OutputMessage
	for batch, err := range r.All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	return out, nil
}
