package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/holon-run/cellstream/pkg/cellrun"
	"github.com/holon-run/cellstream/pkg/config"
	"github.com/holon-run/cellstream/pkg/fallback"
	"github.com/holon-run/cellstream/pkg/preflight"
	"github.com/holon-run/cellstream/pkg/serve"
)

func TestParseCells(t *testing.T) {
	cells, err := parseCells([]string{"a=print(1)", "x = 1", "b=k=v"})
	if err != nil {
		t.Fatalf("parseCells() error = %v", err)
	}
	want := []cellrun.Cell{
		{ID: "a", Input: "print(1)"},
		{ID: "c2", Input: "x = 1"},
		{ID: "b", Input: "k=v"},
	}
	if len(cells) != len(want) {
		t.Fatalf("len = %d, want %d", len(cells), len(want))
	}
	for i := range want {
		if cells[i] != want[i] {
			t.Errorf("cells[%d] = %+v, want %+v", i, cells[i], want[i])
		}
	}

	if _, err := parseCells(nil); err == nil {
		t.Error("parseCells(nil) expected error")
	}
	if _, err := parseCells([]string{"=x"}); err == nil {
		t.Error("parseCells(=x) expected error for empty id")
	}
}

func TestPrintStream_LocalEchoServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.Default()
	srv, closeRuntime, err := newServer(ctx, cfg, fallback.NewRecorder().Handler(""), preflight.Config{})
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	defer closeRuntime()
	defer srv.Shutdown(ctx)

	client, err := cellrun.NewClient(ctx, srv.Dialer(), cellrun.ClientConfig{Path: "nb.py"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	stream, err := client.Run(ctx, []cellrun.Cell{{ID: "a", Input: "hi"}}, cellrun.RunOptions{RunID: "run-1"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var out bytes.Buffer
	if err := printStream(ctx, &out, stream); err != nil {
		t.Fatalf("printStream() error = %v", err)
	}

	var outputs []any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var params serve.CellOutputParams
		if err := json.Unmarshal([]byte(line), &params); err != nil {
			t.Fatalf("line is not JSON: %q", line)
		}
		if params.RunID != "run-1" {
			t.Errorf("run_id = %q, want run-1", params.RunID)
		}
		for _, m := range params.Batch {
			if m.IsData() {
				outputs = append(outputs, m.Output)
			}
		}
	}
	if len(outputs) != 1 || outputs[0] != "hi" {
		t.Errorf("outputs = %v, want [hi]", outputs)
	}
}

func TestPrintStream_RunFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv, closeRuntime, err := newServer(ctx, config.Default(), nil, preflight.Config{})
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	defer closeRuntime()
	defer srv.Shutdown(ctx)

	client, err := cellrun.NewClient(ctx, srv.Dialer(), cellrun.ClientConfig{Path: "nb.py"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Close()

	stream, err := client.Run(ctx, []cellrun.Cell{{ID: "a", Input: "raise ValueError: bad"}}, cellrun.RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	err = printStream(ctx, &bytes.Buffer{}, stream)
	if err == nil || err.Error() != "ValueError: bad" {
		t.Errorf("printStream() error = %v, want %q", err, "ValueError: bad")
	}
}
