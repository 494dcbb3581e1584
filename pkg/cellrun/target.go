package cellrun

import (
	"sync"
	"time"
)

// DefaultTargetIdleTTL is how long an idle target actor lingers before it
// retires.
const DefaultTargetIdleTTL = time.Minute

// targetState is owned by exactly one target actor goroutine.
type targetState struct {
	current string
	active  map[string]struct{}
}

type targetOp func(st *targetState)

type targetActor struct {
	key  targetKey
	mbox chan targetOp
	done chan struct{}
}

// targetRegistry hands out one actor per (project_id, path). The actor is the
// only writer of that target's current run_id; everything else sends it ops.
type targetRegistry struct {
	idleTTL time.Duration

	mu     sync.Mutex
	actors map[targetKey]*targetActor
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

func newTargetRegistry(idleTTL time.Duration) *targetRegistry {
	if idleTTL <= 0 {
		idleTTL = DefaultTargetIdleTTL
	}
	return &targetRegistry{
		idleTTL: idleTTL,
		actors:  make(map[targetKey]*targetActor),
		stop:    make(chan struct{}),
	}
}

func (r *targetRegistry) actor(key targetKey) (*targetActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrServerClosed
	}
	if a, ok := r.actors[key]; ok {
		return a, nil
	}
	a := &targetActor{
		key:  key,
		mbox: make(chan targetOp),
		done: make(chan struct{}),
	}
	r.actors[key] = a
	r.wg.Add(1)
	go r.loop(a)
	return a, nil
}

// call runs op inside the actor for key and waits for it to finish.
func (r *targetRegistry) call(key targetKey, op targetOp) error {
	for {
		a, err := r.actor(key)
		if err != nil {
			return err
		}
		finished := make(chan struct{})
		select {
		case a.mbox <- func(st *targetState) { op(st); close(finished) }:
			<-finished
			return nil
		case <-a.done:
			// retired between lookup and send
		}
	}
}

func (r *targetRegistry) loop(a *targetActor) {
	defer r.wg.Done()
	st := &targetState{active: make(map[string]struct{})}
	idle := time.NewTimer(r.idleTTL)
	defer idle.Stop()

	for {
		select {
		case op := <-a.mbox:
			op(st)
			idle.Reset(r.idleTTL)
		case <-idle.C:
			if len(st.active) > 0 {
				idle.Reset(r.idleTTL)
				continue
			}
			r.mu.Lock()
			if r.actors[a.key] == a {
				delete(r.actors, a.key)
			}
			close(a.done)
			r.mu.Unlock()
			return
		case <-r.stop:
			close(a.done)
			return
		}
	}
}

// begin makes runID current for key and returns the run it replaced, if that
// run is still producing.
func (r *targetRegistry) begin(key targetKey, runID string) (string, error) {
	var prev string
	err := r.call(key, func(st *targetState) {
		if _, ok := st.active[st.current]; ok && st.current != runID {
			prev = st.current
		}
		st.current = runID
		st.active[runID] = struct{}{}
	})
	return prev, err
}

// end records that runID stopped producing.
func (r *targetRegistry) end(key targetKey, runID string) {
	_ = r.call(key, func(st *targetState) {
		delete(st.active, runID)
	})
}

// deliverIfCurrent runs fn inside the actor when runID is current, so a
// concurrent begin cannot interleave with the delivery. It reports whether
// runID was current.
func (r *targetRegistry) deliverIfCurrent(key targetKey, runID string, fn func() error) (bool, error) {
	var current bool
	var ferr error
	err := r.call(key, func(st *targetState) {
		if st.current != runID {
			return
		}
		current = true
		ferr = fn()
	})
	if err != nil {
		return false, err
	}
	return current, ferr
}

func (r *targetRegistry) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.stop)
	r.mu.Unlock()
	r.wg.Wait()
}
