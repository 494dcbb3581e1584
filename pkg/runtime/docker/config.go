package docker

import (
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

const (
	DefaultImage          = "python:3.12-slim"
	ContainerWorkspaceDir = "/workspace"

	labelRunID  = "cellstream.run_id"
	labelCellID = "cellstream.cell_id"
	labelPath   = "cellstream.path"
)

// DefaultShell runs the cell input as a shell script.
var DefaultShell = []string{"sh", "-c"}

// Config configures the docker runtime.
type Config struct {
	// Image every cell runs in.
	Image string

	// Shell is the command prefix; the cell input is appended as the last
	// argument.
	Shell []string

	// Workspace is a host directory bind-mounted at /workspace. Optional.
	Workspace string

	// ReadOnly mounts the workspace read-only.
	ReadOnly bool

	// Env is passed to every container.
	Env map[string]string

	// Pull pulls the image once before the first cell.
	Pull bool
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if len(c.Shell) == 0 {
		c.Shell = DefaultShell
	}
}

// Pure helper functions for container configuration assembly

// BuildCellCommand returns the container command for a cell.
func BuildCellCommand(shell []string, cell cellrun.Cell) []string {
	cmd := make([]string, 0, len(shell)+1)
	cmd = append(cmd, shell...)
	return append(cmd, cell.Input)
}

// BuildContainerEnv assembles KEY=VALUE pairs in a stable order.
func BuildContainerEnv(userEnv map[string]string, req cellrun.ExecRequest, cell cellrun.Cell) []string {
	keys := make([]string, 0, len(userEnv))
	for k := range userEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+4)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, userEnv[k]))
	}
	return append(env,
		"CELLSTREAM_PATH="+req.Path,
		"CELLSTREAM_PROJECT_ID="+req.ProjectID,
		"CELLSTREAM_RUN_ID="+req.RunID,
		"CELLSTREAM_CELL_ID="+cell.ID,
	)
}

// BuildContainerConfig assembles the container configuration for a cell.
func BuildContainerConfig(cfg Config, req cellrun.ExecRequest, cell cellrun.Cell) *container.Config {
	c := &container.Config{
		Image: cfg.Image,
		Cmd:   BuildCellCommand(cfg.Shell, cell),
		Env:   BuildContainerEnv(cfg.Env, req, cell),
		Tty:   false,
		Labels: map[string]string{
			labelRunID:  req.RunID,
			labelCellID: cell.ID,
			labelPath:   req.Path,
		},
	}
	if cfg.Workspace != "" {
		c.WorkingDir = ContainerWorkspaceDir
	}
	return c
}

// BuildHostConfig assembles the host configuration.
func BuildHostConfig(cfg Config) *container.HostConfig {
	hc := &container.HostConfig{}
	if cfg.Workspace != "" {
		hc.Mounts = []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   cfg.Workspace,
				Target:   ContainerWorkspaceDir,
				ReadOnly: cfg.ReadOnly,
			},
		}
	}
	return hc
}
