package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/holon-run/cellstream/pkg/cellrun"
	"github.com/holon-run/cellstream/pkg/config"
	"github.com/holon-run/cellstream/pkg/fallback"
	cslog "github.com/holon-run/cellstream/pkg/log"
	"github.com/holon-run/cellstream/pkg/preflight"
	"github.com/holon-run/cellstream/pkg/serve"
)

var (
	runURL        string
	runLocal      bool
	runConfigPath string
	runRuntime    string
	runPath       string
	runProject    string
	runCells      []string
	runLimit      int
	runID         string
	runWaitAck    bool
	runLogLevel   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit cells and print their output",
	Long: `Submit a batch of cells and print every delivered batch as one NDJSON line.

Cells are given as id=input. A cell without "id=" gets the id cN, where N is
its position. The command exits non-zero when the run fails.

Examples:
  cellstream run --url ws://127.0.0.1:8765/rpc/ws --path nb.py --cell a='echo hi'
  cellstream run --local --runtime echo --path nb.py --cell a=1 --cell b=2`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if runLocal == (runURL != "") {
			return errors.New("exactly one of --url or --local is required")
		}
		if strings.TrimSpace(runPath) == "" {
			return errors.New("--path is required")
		}
		cells, err := parseCells(runCells)
		if err != nil {
			return err
		}

		cfg, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}
		if runRuntime != "" {
			cfg.Runtime = runRuntime
		}
		cfg.Log.Level = runLogLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}
		defer cslog.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dial := serve.Dialer(runURL)
		if runLocal {
			rec := fallback.NewRecorder()
			srv, closeRuntime, err := newServer(ctx, cfg, rec.Handler(""), preflight.Config{Quiet: true})
			if err != nil {
				return err
			}
			defer closeRuntime()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			dial = srv.Dialer()
		}

		client, err := cellrun.NewClient(ctx, dial, cellrun.ClientConfig{Path: runPath, ProjectID: runProject})
		if err != nil {
			return err
		}
		defer client.Close()

		stream, err := client.Run(ctx, cells, cellrun.RunOptions{
			RunID:      runID,
			Limit:      runLimit,
			WaitForAck: runWaitAck,
		})
		if err != nil {
			return err
		}
		return printStream(ctx, cmd.OutOrStdout(), stream)
	},
}

// printStream writes each batch as {"run_id":...,"batch":[...]} until the run
// ends, and returns the run error unwrapped so it prints verbatim.
func printStream(ctx context.Context, w io.Writer, stream *cellrun.RunStream) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for batch, err := range stream.All(ctx) {
		if err != nil {
			return err
		}
		if err := enc.Encode(serve.CellOutputParams{RunID: stream.RunID(), Batch: batch}); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
	return nil
}

// parseCells turns id=input flags into cells.
func parseCells(specs []string) ([]cellrun.Cell, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one --cell is required")
	}
	cells := make([]cellrun.Cell, 0, len(specs))
	for i, spec := range specs {
		id, input, ok := strings.Cut(spec, "=")
		if !ok || strings.ContainsAny(id, " \t\n") {
			id, input = fmt.Sprintf("c%d", i+1), spec
		}
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("cell %d: empty id in %q", i+1, spec)
		}
		cells = append(cells, cellrun.Cell{ID: id, Input: input})
	}
	return cells, nil
}

func init() {
	runCmd.Flags().StringVar(&runURL, "url", "", "WebSocket URL of a server, e.g. ws://127.0.0.1:8765/rpc/ws")
	runCmd.Flags().BoolVar(&runLocal, "local", false, "Run against an in-process server")
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to cellstream.yaml (with --local)")
	runCmd.Flags().StringVar(&runRuntime, "runtime", "", "Runtime for --local: echo, shell, docker")
	runCmd.Flags().StringVarP(&runPath, "path", "p", "", "Target path the cells belong to")
	runCmd.Flags().StringVar(&runProject, "project", "", "Project id")
	runCmd.Flags().StringArrayVar(&runCells, "cell", nil, "Cell as id=input (repeatable)")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "Per-cell output limit (0 = server default)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run id (generated when empty)")
	runCmd.Flags().BoolVar(&runWaitAck, "wait-ack", false, "Wait until the run is accepted before streaming")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "minimal", "Log level: debug, info, progress, minimal, warn, error")
	rootCmd.AddCommand(runCmd)
}
