package serve

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

func TestPeer_EnqueueBackpressure(t *testing.T) {
	p := &peer{id: "p", send: make(chan []byte, 1), done: make(chan struct{})}

	if err := p.Deliver("r1", []cellrun.OutputMessage{{ID: "a", Output: 1}}); err != nil {
		t.Fatalf("first Deliver() error = %v", err)
	}
	if err := p.Deliver("r1", []cellrun.OutputMessage{{ID: "a", Output: 2}}); !errors.Is(err, cellrun.ErrBackpressure) {
		t.Fatalf("second Deliver() error = %v, want ErrBackpressure", err)
	}

	var n Notification
	if err := json.Unmarshal(<-p.send, &n); err != nil {
		t.Fatalf("queued notification is not JSON: %v", err)
	}
	if n.Method != NotifyCellOutput {
		t.Errorf("Method = %s, want %s", n.Method, NotifyCellOutput)
	}
	var params CellOutputParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.RunID != "r1" || len(params.Batch) != 1 {
		t.Errorf("params = %+v", params)
	}
}

func TestPeer_EnqueueAfterCloseIsDetached(t *testing.T) {
	p := &peer{id: "p", send: make(chan []byte, 4), done: make(chan struct{})}
	close(p.done)
	if err := p.End("r1", nil); !errors.Is(err, cellrun.ErrDetached) {
		t.Errorf("End() error = %v, want ErrDetached", err)
	}
}

func TestPeer_EndCarriesErrorKind(t *testing.T) {
	p := &peer{id: "p", send: make(chan []byte, 1), done: make(chan struct{})}
	if err := p.End("r1", cellrun.ErrSuperseded); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	var n Notification
	if err := json.Unmarshal(<-p.send, &n); err != nil {
		t.Fatal(err)
	}
	var params CellEndParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		t.Fatal(err)
	}
	if params.Error == nil || params.Error.Kind != EndKindSuperseded {
		t.Errorf("Error = %+v, want superseded", params.Error)
	}
}

func TestPeer_DiscardQueued(t *testing.T) {
	p := &peer{id: "p", send: make(chan []byte, 4), done: make(chan struct{})}
	for i := range 3 {
		if err := p.Deliver("r1", []cellrun.OutputMessage{{ID: "a", Output: i}}); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}
	if got := p.discardQueued(); got != 3 {
		t.Errorf("discardQueued() = %d, want 3", got)
	}
	if len(p.send) != 0 {
		t.Errorf("queue length = %d after discard, want 0", len(p.send))
	}
	if got := p.discardQueued(); got != 0 {
		t.Errorf("second discardQueued() = %d, want 0", got)
	}
}
