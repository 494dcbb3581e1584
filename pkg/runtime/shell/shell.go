// Package shell executes cells with a local shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/holon-run/cellstream/pkg/cellrun"
	cslog "github.com/holon-run/cellstream/pkg/log"
	"github.com/holon-run/cellstream/pkg/runtime/streamio"
)

const DefaultShell = "sh"

// Config configures the shell runtime.
type Config struct {
	// Shell is the interpreter invoked as `<Shell> -c <input>`.
	Shell string

	// Dir is the working directory. Empty means the server's.
	Dir string

	// Env is added to the server environment.
	Env map[string]string
}

// Runtime runs every cell as a separate shell process.
type Runtime struct {
	cfg Config
}

// NewRuntime creates a shell runtime.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if _, err := exec.LookPath(cfg.Shell); err != nil {
		return nil, fmt.Errorf("shell %q not found: %w", cfg.Shell, err)
	}
	return &Runtime{cfg: cfg}, nil
}

// Run returns the RunFunc executing cells in order.
func (r *Runtime) Run() cellrun.RunFunc {
	return cellrun.PerCell(r.runCell)
}

func (r *Runtime) runCell(ctx context.Context, req cellrun.ExecRequest, cell cellrun.Cell, emit func(cellrun.OutputMessage) bool) error {
	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", cell.Input)
	cmd.Dir = r.cfg.Dir
	cmd.Env = append(os.Environ(), cellEnv(r.cfg.Env, req, cell)...)

	pipe := streamio.NewPipe()
	cmd.Stdout = pipe.Writer(streamio.Stdout)
	cmd.Stderr = pipe.Writer(streamio.Stderr)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start cell %s: %w", cell.ID, err)
	}
	cslog.Debug("cell started", "run_id", req.RunID, "cell", cell.ID, "pid", cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		pipe.Close()
	}()
	pipe.Drain(cell.ID, emit)

	err := <-waitErr
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		emit(streamio.ExitMessage(cell.ID, exitErr.ExitCode()))
		return streamio.ExitError(cell.ID, exitErr.ExitCode())
	}
	if err != nil {
		return fmt.Errorf("cell %s: %w", cell.ID, err)
	}
	return nil
}

// cellEnv returns KEY=VALUE pairs describing the cell to its process.
func cellEnv(extra map[string]string, req cellrun.ExecRequest, cell cellrun.Cell) []string {
	env := make([]string, 0, len(extra)+4)
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return append(env,
		"CELLSTREAM_PATH="+req.Path,
		"CELLSTREAM_PROJECT_ID="+req.ProjectID,
		"CELLSTREAM_RUN_ID="+req.RunID,
		"CELLSTREAM_CELL_ID="+cell.ID,
	)
}
