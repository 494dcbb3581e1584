package shell

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

func collect(t *testing.T, run cellrun.RunFunc, req cellrun.ExecRequest) ([]cellrun.OutputMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var msgs []cellrun.OutputMessage
	for msg, err := range run(ctx, req) {
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func streamText(msgs []cellrun.OutputMessage, id, name string) string {
	var b strings.Builder
	for _, m := range msgs {
		if n, ok := m.StreamName(); ok && n == name && m.ID == id {
			b.WriteString(m.StreamText())
		}
	}
	return b.String()
}

func TestRuntime_RunsCellsInOrder(t *testing.T) {
	rt, err := NewRuntime(Config{Env: map[string]string{"GREETING": "hello"}})
	if err != nil {
		t.Skipf("Skipping: %v", err)
	}
	req := cellrun.ExecRequest{
		Path:  "/nb.sh",
		RunID: "run-1",
		Cells: []cellrun.Cell{
			{ID: "a", Input: `echo "$GREETING $CELLSTREAM_CELL_ID"`},
			{ID: "b", Input: `echo oops >&2; echo "$CELLSTREAM_RUN_ID"`},
		},
	}

	msgs, err := collect(t, rt.Run(), req)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if got := streamText(msgs, "a", "stdout"); got != "hello a\n" {
		t.Errorf("cell a stdout = %q, want %q", got, "hello a\n")
	}
	if got := streamText(msgs, "b", "stdout"); got != "run-1\n" {
		t.Errorf("cell b stdout = %q, want %q", got, "run-1\n")
	}
	if got := streamText(msgs, "b", "stderr"); got != "oops\n" {
		t.Errorf("cell b stderr = %q, want %q", got, "oops\n")
	}

	var lifecycle []string
	for _, m := range msgs {
		if m.IsLifecycle() {
			lifecycle = append(lifecycle, m.Lifecycle+":"+m.ID)
		}
	}
	want := "cell_start:a,cell_done:a,cell_start:b,cell_done:b"
	if strings.Join(lifecycle, ",") != want {
		t.Errorf("lifecycle = %v, want %s", lifecycle, want)
	}
}

func TestRuntime_NonZeroExitFailsRun(t *testing.T) {
	rt, err := NewRuntime(Config{})
	if err != nil {
		t.Skipf("Skipping: %v", err)
	}
	req := cellrun.ExecRequest{
		Path: "/nb.sh",
		Cells: []cellrun.Cell{
			{ID: "a", Input: "echo before; exit 7"},
			{ID: "b", Input: "echo never"},
		},
	}

	msgs, err := collect(t, rt.Run(), req)
	if err == nil {
		t.Fatal("expected run error")
	}
	if err.Error() != "cell a: exit status 7" {
		t.Errorf("error = %q, want %q", err.Error(), "cell a: exit status 7")
	}
	if got := streamText(msgs, "a", "stdout"); got != "before\n" {
		t.Errorf("stdout = %q, want before", got)
	}
	last := msgs[len(msgs)-1]
	if last.MsgType != cellrun.MsgTypeError || last.Content["exit_code"] != 7 {
		t.Errorf("last message = %+v, want exit error", last)
	}
	for _, m := range msgs {
		if m.ID == "b" {
			t.Fatalf("cell b ran after failure: %+v", m)
		}
	}
}

func TestNewRuntime_MissingShell(t *testing.T) {
	if _, err := NewRuntime(Config{Shell: "definitely-not-a-shell-xyz"}); err == nil {
		t.Error("NewRuntime() expected error for a missing shell")
	}
}
