package cellrun

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	cslog "github.com/holon-run/cellstream/pkg/log"
)

const pumpBuffer = 16

// Stats is a snapshot of server counters.
type Stats struct {
	Accepted   int64 `json:"accepted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Superseded int64 `json:"superseded"`
	Failovers  int64 `json:"failovers"`
	Active     int64 `json:"active"`
}

// Server accepts RunRequests and drives each accepted run through
// coalescing, limiting and run identity filtering to its attachment or to a
// fallback sink.
type Server struct {
	cfg     Config
	targets *targetRegistry
	sem     chan struct{}

	// executors run under ctx; detaching a client never cancels them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*runState
	closed bool
	wg     sync.WaitGroup

	accepted   atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	superseded atomic.Int64
	failovers  atomic.Int64
}

// NewServer validates cfg and creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		targets: newTargetRegistry(cfg.TargetIdleTTL),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*runState),
	}
	if cfg.MaxConcurrentRuns > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrentRuns)
	}
	return s, nil
}

type runState struct {
	req RunRequest
	att *Attachment

	superseded chan struct{}
	once       sync.Once
}

func (rs *runState) supersede() {
	rs.once.Do(func() { close(rs.superseded) })
}

// prepare validates req and resolves its limit.
func (s *Server) prepare(req RunRequest) (RunRequest, error) {
	req, err := req.normalize()
	if err != nil {
		return req, err
	}
	req.Limit = s.cfg.effectiveLimit(req.Limit)
	return req, nil
}

// accept makes req current for its target and starts its run goroutine.
func (s *Server) accept(att *Attachment, req RunRequest) (RunAck, error) {
	rs := &runState{req: req, att: att, superseded: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return RunAck{}, ErrServerClosed
	}
	if _, dup := s.runs[req.RunID]; dup {
		s.mu.Unlock()
		return RunAck{}, fmt.Errorf("%w: run_id %q is already running", ErrInvalidRequest, req.RunID)
	}
	s.runs[req.RunID] = rs
	s.wg.Add(1)
	s.mu.Unlock()

	prev, err := s.targets.begin(req.target(), req.RunID)
	if err != nil {
		s.mu.Lock()
		delete(s.runs, req.RunID)
		s.mu.Unlock()
		s.wg.Done()
		return RunAck{}, err
	}
	if prev != "" {
		s.mu.Lock()
		if old := s.runs[prev]; old != nil {
			old.supersede()
		}
		s.mu.Unlock()
	}

	s.accepted.Add(1)
	cslog.Debug("run accepted", "run_id", req.RunID, "target", req.target().String(), "cells", len(req.Cells), "superseded", prev)
	go s.drive(rs)
	return RunAck{RunID: req.RunID, AcceptedAt: time.Now()}, nil
}

func (s *Server) drive(rs *runState) {
	defer s.wg.Done()
	defer s.retire(rs)

	if s.sem != nil {
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
	}

	exec := ExecRequest{
		Path:      rs.req.Path,
		ProjectID: rs.req.ProjectID,
		RunID:     rs.req.RunID,
		Cells:     rs.req.Cells,
	}
	items := make(chan pumpItem, pumpBuffer)
	go pump(func() iter.Seq2[OutputMessage, error] { return s.cfg.Run(s.ctx, exec) }, items)

	d := &delivery{
		srv:  s,
		rs:   rs,
		co:   NewCoalescer(s.cfg.Coalesce),
		lim:  NewLimiter(rs.req.Limit),
		mode: modeClient,
	}
	if rs.att == nil {
		d.mode = modeFallback
	}

	ticker := time.NewTicker(s.cfg.Coalesce.Interval)
	defer ticker.Stop()

	d.send([]OutputMessage{LifecycleMessage(LifecycleRunStart, "")})

	var runErr error
	superseded := rs.superseded
loop:
	for {
		select {
		case it, ok := <-items:
			if !ok {
				break loop
			}
			if it.err != nil {
				runErr = it.err
				break loop
			}
			if it.msg.Lifecycle == LifecycleCellStart {
				d.cell = it.msg.ID
			}
			d.send(d.co.Push(it.msg))
		case now := <-ticker.C:
			if d.co.Due(now) {
				d.send(d.co.Flush())
			}
		case <-superseded:
			superseded = nil
			d.supersede()
		}
	}
	d.finish(runErr)
}

func (s *Server) retire(rs *runState) {
	s.targets.end(rs.req.target(), rs.req.RunID)
	s.mu.Lock()
	delete(s.runs, rs.req.RunID)
	s.mu.Unlock()
}

type deliveryMode int

const (
	modeClient deliveryMode = iota
	modeFallback
	modeDiscard
)

// delivery is the per-run routing state. It is owned by the run goroutine.
type delivery struct {
	srv  *Server
	rs   *runState
	co   *Coalescer
	lim  *Limiter
	mode deliveryMode
	cell string

	sink       FallbackSink
	sinkFailed bool
}

// send limits and stamps batch, then routes it.
func (d *delivery) send(batch []OutputMessage) {
	out := make([]OutputMessage, 0, len(batch))
	for _, msg := range batch {
		msg, ok := d.lim.Apply(msg)
		if !ok {
			continue
		}
		msg.RunID = d.rs.req.RunID
		out = append(out, msg)
	}
	if len(out) == 0 {
		return
	}
	d.route(out)
}

func (d *delivery) route(batch []OutputMessage) {
	switch d.mode {
	case modeClient:
		req := d.rs.req
		current, err := d.srv.targets.deliverIfCurrent(req.target(), req.RunID, func() error {
			return d.rs.att.deliver(req.RunID, batch)
		})
		switch {
		case err != nil:
			d.failover(err)
			d.toSink(batch)
		case !current:
			d.supersede()
			if d.mode == modeFallback {
				d.toSink(batch)
			}
		}
	case modeFallback:
		d.toSink(batch)
	}
}

// failover moves delivery from the attachment to the fallback sink.
func (d *delivery) failover(cause error) {
	d.mode = modeFallback
	d.srv.failovers.Add(1)
	if errors.Is(cause, ErrDetached) {
		cslog.Debug("client detached, failing over", "run_id", d.rs.req.RunID)
		return
	}
	cslog.Warn("delivery failed, failing over", "run_id", d.rs.req.RunID, "error", cause)
}

// supersede ends the client stream of a run that is no longer current. A run
// already draining to its own sink keeps doing so, and so does a run whose
// client detached before it had anything more to deliver.
func (d *delivery) supersede() {
	if d.mode != modeClient {
		return
	}
	d.srv.superseded.Add(1)
	if d.rs.att.isDetached() {
		d.failover(ErrDetached)
		return
	}
	d.mode = modeDiscard
	cslog.Debug("run superseded", "run_id", d.rs.req.RunID)
	_ = d.rs.att.end(d.rs.req.RunID, ErrSuperseded)
}

func (d *delivery) toSink(batch []OutputMessage) {
	sink := d.ensureSink()
	if sink == nil {
		return
	}
	for _, msg := range batch {
		if err := sink.Process(msg); err != nil {
			cslog.Warn("fallback sink rejected message", "run_id", d.rs.req.RunID, "error", err)
		}
	}
}

func (d *delivery) ensureSink() FallbackSink {
	if d.sink != nil || d.sinkFailed {
		return d.sink
	}
	req := d.rs.req
	if d.srv.cfg.OutputHandler == nil {
		d.sinkFailed = true
		cslog.Warn("no output handler, discarding output", "run_id", req.RunID, "path", req.Path)
		return nil
	}
	sink, err := d.srv.cfg.OutputHandler(d.srv.ctx, HandlerParams{
		Path:      req.Path,
		ProjectID: req.ProjectID,
		RunID:     req.RunID,
		Cells:     req.Cells,
	})
	if err != nil {
		d.sinkFailed = true
		cslog.Error("output handler failed, discarding output", "run_id", req.RunID, "path", req.Path, "error", err)
		return nil
	}
	d.sink = sink
	return sink
}

// finish flushes the tail of the run and emits its single terminal signal.
func (d *delivery) finish(runErr error) {
	tail := d.co.Flush()
	if runErr == nil {
		tail = append(tail, LifecycleMessage(LifecycleRunDone, ""))
	}
	d.send(tail)

	if runErr != nil {
		d.srv.failed.Add(1)
		cslog.Info("run failed", "run_id", d.rs.req.RunID, "error", runErr)
	} else {
		d.srv.completed.Add(1)
	}

	if d.mode == modeClient {
		err := d.rs.att.end(d.rs.req.RunID, runErr)
		if err == nil {
			return
		}
		d.failover(err)
	}
	if d.mode != modeFallback {
		return
	}
	if runErr != nil {
		d.toSink([]OutputMessage{d.stamp(ErrorMessage(d.cell, runErr))})
	}
	if sink := d.ensureSink(); sink != nil {
		if err := sink.Done(); err != nil {
			cslog.Warn("fallback sink done failed", "run_id", d.rs.req.RunID, "error", err)
		}
	}
}

func (d *delivery) stamp(msg OutputMessage) OutputMessage {
	msg.RunID = d.rs.req.RunID
	return msg
}

// KernelStatus answers the status probe for path.
func (s *Server) KernelStatus(ctx context.Context, path string) (KernelStatus, error) {
	if s.cfg.Status != nil {
		return s.cfg.Status(ctx, path)
	}
	state := "idle"
	s.mu.Lock()
	for _, rs := range s.runs {
		if rs.req.Path == path {
			state = "busy"
			break
		}
	}
	s.mu.Unlock()
	return KernelStatus{BackendState: "running", KernelState: state}, nil
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := int64(len(s.runs))
	s.mu.Unlock()
	return Stats{
		Accepted:   s.accepted.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
		Superseded: s.superseded.Load(),
		Failovers:  s.failovers.Load(),
		Active:     active,
	}
}

// Shutdown stops accepting runs and waits for active runs to finish. When ctx
// expires first, running executors are cancelled and ctx.Err is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		<-drained
	}
	s.cancel()
	s.targets.close()
	return err
}
