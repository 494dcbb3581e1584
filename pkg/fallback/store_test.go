package fallback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

func writeRun(t *testing.T, s *Store, params cellrun.HandlerParams, msgs []cellrun.OutputMessage) string {
	t.Helper()
	sink, err := s.Handler("")(context.Background(), params)
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	for _, m := range msgs {
		if err := sink.Process(m); err != nil {
			t.Fatalf("Process() error = %v", err)
		}
	}
	if err := sink.Done(); err != nil {
		t.Fatalf("Done() error = %v", err)
	}
	return s.RunFile(params.Path, params.RunID)
}

func sampleMessages(runID string) []cellrun.OutputMessage {
	return []cellrun.OutputMessage{
		{RunID: runID, Lifecycle: cellrun.LifecycleRunStart},
		{RunID: runID, ID: "c", MsgType: cellrun.MsgTypeStream, Content: map[string]any{"name": "stdout", "text": "<hi & bye>\n"}},
		{RunID: runID, ID: "c", MoreOutput: true},
		{RunID: runID, Lifecycle: cellrun.LifecycleRunDone},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			s := &Store{Dir: t.TempDir(), Compress: compress}
			params := cellrun.HandlerParams{Path: "/work/nb.py", RunID: "run-1"}
			file := writeRun(t, s, params, sampleMessages("run-1"))

			if compress != strings.HasSuffix(file, ".zst") {
				t.Errorf("file %s has wrong suffix", file)
			}
			msgs, done, err := ReadRun(file)
			if err != nil {
				t.Fatalf("ReadRun() error = %v", err)
			}
			if !done {
				t.Error("done marker missing")
			}
			if len(msgs) != 4 {
				t.Fatalf("messages = %d, want 4", len(msgs))
			}
			if msgs[1].StreamText() != "<hi & bye>\n" {
				t.Errorf("text = %q", msgs[1].StreamText())
			}
			if !msgs[2].MoreOutput {
				t.Error("more_output marker lost")
			}
		})
	}
}

func TestStore_PlainFileIsNDJSON(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	file := writeRun(t, s, cellrun.HandlerParams{Path: "nb.py", RunID: "r"}, sampleMessages("r"))

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want 5", len(lines))
	}
	if lines[4] != `{"run_id":"r","done":true}` {
		t.Errorf("done line = %s", lines[4])
	}
	if !strings.Contains(lines[1], "<hi & bye>") {
		t.Errorf("html escaped: %s", lines[1])
	}
}

func TestStore_HandlerRejectsForeignPath(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	_, err := s.Handler("/work/")(context.Background(), cellrun.HandlerParams{Path: "/etc/passwd", RunID: "r"})
	if !errors.Is(err, cellrun.ErrPathMismatch) {
		t.Errorf("Handler() error = %v, want ErrPathMismatch", err)
	}
}

func TestStore_RunFileStaysInsideDir(t *testing.T) {
	s := &Store{Dir: "/data"}
	tests := []struct {
		path string
		want string
	}{
		{path: "/work/nb.py", want: "/data/work_nb.py/r.ndjson"},
		{path: "../../etc", want: "/data/.._.._etc/r.ndjson"},
		{path: "/", want: "/data/_/r.ndjson"},
		{path: "..", want: "/data/_/r.ndjson"},
	}
	for _, tt := range tests {
		got := s.RunFile(tt.path, "r")
		if got != filepath.FromSlash(tt.want) {
			t.Errorf("RunFile(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestSink_ProcessAfterDone(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	sink, err := s.Handler("")(context.Background(), cellrun.HandlerParams{Path: "nb.py", RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Done(); err != nil {
		t.Fatal(err)
	}
	if err := sink.Process(cellrun.OutputMessage{RunID: "r"}); err == nil {
		t.Error("Process() after Done() expected error")
	}
	if err := sink.Done(); err != nil {
		t.Errorf("second Done() error = %v", err)
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	sink, err := rec.Handler("/work/")(context.Background(), cellrun.HandlerParams{Path: "/work/nb.py", RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	sink.Process(cellrun.OutputMessage{RunID: "r", Output: 1})
	sink.Done()

	got, ok := rec.Get("r")
	if !ok {
		t.Fatal("recording missing")
	}
	if len(got.Messages) != 1 || got.Dones != 1 {
		t.Errorf("recording = %+v", got)
	}
	if ids := rec.RunIDs(); len(ids) != 1 || ids[0] != "r" {
		t.Errorf("RunIDs() = %v", ids)
	}

	if _, err := rec.Handler("/work/")(context.Background(), cellrun.HandlerParams{Path: "/tmp/x"}); !errors.Is(err, cellrun.ErrPathMismatch) {
		t.Errorf("error = %v, want ErrPathMismatch", err)
	}
}
