package cellrun

import (
	"context"
	"sync"

	cslog "github.com/holon-run/cellstream/pkg/log"
)

// Receiver is the consuming side of one client connection.
//
// Contract:
//   - Deliver and End are called concurrently by different runs and must be
//     safe for concurrent use.
//   - A non-nil error from either method means the connection can no longer
//     take output. The attachment detaches and the run fails over.
//   - End is called at most once per run_id. err is nil on normal completion,
//     the executor error verbatim on failure, or ErrSuperseded.
type Receiver interface {
	Deliver(runID string, batch []OutputMessage) error
	End(runID string, err error) error
}

// Transport is what a Client talks to. An *Attachment is the in-process
// Transport; pkg/serve provides a WebSocket one.
type Transport interface {
	Submit(ctx context.Context, req RunRequest) (RunAck, error)
	KernelStatus(ctx context.Context, path string) (KernelStatus, error)
	Close() error
}

// Dialer connects a Receiver to a server.
type Dialer func(ctx context.Context, r Receiver) (Transport, error)

// Attachment is the capability one connection holds on the server. It moves
// from attached to detached exactly once, either through Detach or because a
// delivery to its Receiver failed. Runs it submitted keep executing after
// detach and route their output to fallback sinks.
type Attachment struct {
	srv  *Server
	recv Receiver

	mu       sync.Mutex
	queue    []submission
	draining bool
	detached chan struct{}
	once     sync.Once
}

type submission struct {
	req   RunRequest
	reply chan submitResult
}

type submitResult struct {
	ack RunAck
	err error
}

// Attach creates an attachment for recv.
func (s *Server) Attach(recv Receiver) *Attachment {
	return &Attachment{
		srv:      s,
		recv:     recv,
		detached: make(chan struct{}),
	}
}

// Dialer returns an in-process Dialer for s.
func (s *Server) Dialer() Dialer {
	return func(ctx context.Context, r Receiver) (Transport, error) {
		return s.Attach(r), nil
	}
}

// Submit validates req and queues it for acceptance. Submissions from one
// attachment are accepted in call order. With req.WaitForAck, Submit returns
// once the run is current for its target; otherwise it returns right after
// validation and an acceptance failure is reported through Receiver.End.
func (a *Attachment) Submit(ctx context.Context, req RunRequest) (RunAck, error) {
	req, err := a.srv.prepare(req)
	if err != nil {
		return RunAck{}, err
	}

	sub := submission{req: req}
	if req.WaitForAck {
		sub.reply = make(chan submitResult, 1)
	}

	a.mu.Lock()
	if a.isDetached() {
		a.mu.Unlock()
		return RunAck{}, ErrDetached
	}
	a.queue = append(a.queue, sub)
	if !a.draining {
		a.draining = true
		go a.drain()
	}
	a.mu.Unlock()

	if sub.reply == nil {
		return RunAck{RunID: req.RunID}, nil
	}
	select {
	case res := <-sub.reply:
		return res.ack, res.err
	case <-ctx.Done():
		return RunAck{RunID: req.RunID}, ctx.Err()
	}
}

func (a *Attachment) drain() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.draining = false
			a.mu.Unlock()
			return
		}
		sub := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		ack, err := a.srv.accept(a, sub.req)
		if sub.reply != nil {
			sub.reply <- submitResult{ack: ack, err: err}
			continue
		}
		if err != nil {
			cslog.Warn("run not accepted", "run_id", sub.req.RunID, "error", err)
			_ = a.end(sub.req.RunID, err)
		}
	}
}

// KernelStatus proxies the server's status probe.
func (a *Attachment) KernelStatus(ctx context.Context, path string) (KernelStatus, error) {
	return a.srv.KernelStatus(ctx, path)
}

// Detach moves the attachment to detached. It is idempotent.
func (a *Attachment) Detach() {
	a.once.Do(func() {
		close(a.detached)
	})
}

// Close detaches. It implements Transport.
func (a *Attachment) Close() error {
	a.Detach()
	return nil
}

// Detached is closed once the attachment is detached.
func (a *Attachment) Detached() <-chan struct{} { return a.detached }

func (a *Attachment) isDetached() bool {
	select {
	case <-a.detached:
		return true
	default:
		return false
	}
}

func (a *Attachment) deliver(runID string, batch []OutputMessage) error {
	if a.isDetached() {
		return ErrDetached
	}
	if err := a.recv.Deliver(runID, batch); err != nil {
		a.Detach()
		return err
	}
	return nil
}

func (a *Attachment) end(runID string, runErr error) error {
	if a.isDetached() {
		return ErrDetached
	}
	if err := a.recv.End(runID, runErr); err != nil {
		a.Detach()
		return err
	}
	return nil
}
