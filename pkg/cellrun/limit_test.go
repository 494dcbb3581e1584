package cellrun

import "testing"

func TestLimiter(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		data       int
		wantData   int
		wantMarker bool
	}{
		{name: "no limit", limit: 0, data: 50, wantData: 50},
		{name: "under limit", limit: 5, data: 3, wantData: 3},
		{name: "at limit", limit: 5, data: 5, wantData: 5},
		{name: "over limit", limit: 5, data: 40, wantData: 5, wantMarker: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(tt.limit)
			var data, markers int
			for i := range tt.data {
				msg, ok := l.Apply(OutputMessage{ID: "c", Output: i})
				if !ok {
					continue
				}
				if msg.MoreOutput {
					markers++
					continue
				}
				data++
			}
			if data != tt.wantData {
				t.Errorf("data messages = %d, want %d", data, tt.wantData)
			}
			wantMarkers := 0
			if tt.wantMarker {
				wantMarkers = 1
			}
			if markers != wantMarkers {
				t.Errorf("more_output markers = %d, want %d", markers, wantMarkers)
			}
		})
	}
}

func TestLimiter_LifecyclePassesWhenCapped(t *testing.T) {
	l := NewLimiter(1)
	l.Apply(OutputMessage{ID: "c", Output: 0})
	l.Apply(OutputMessage{ID: "c", Output: 1})
	if !l.Capped("c") {
		t.Fatal("Capped(c) = false, want true")
	}
	msg, ok := l.Apply(LifecycleMessage(LifecycleCellDone, "c"))
	if !ok || msg.Lifecycle != LifecycleCellDone {
		t.Errorf("Apply(cell_done) = %+v, %v; want passthrough", msg, ok)
	}
}

func TestLimiter_CountsPerCell(t *testing.T) {
	l := NewLimiter(1)
	if _, ok := l.Apply(OutputMessage{ID: "a", Output: 0}); !ok {
		t.Fatal("first message for a dropped")
	}
	msg, _ := l.Apply(OutputMessage{ID: "a", Output: 1})
	if !msg.MoreOutput {
		t.Fatal("second message for a should be the more_output marker")
	}
	msg, ok := l.Apply(OutputMessage{ID: "b", Output: 0})
	if !ok || msg.MoreOutput {
		t.Errorf("first message for b = %+v, %v; want passthrough", msg, ok)
	}
}
