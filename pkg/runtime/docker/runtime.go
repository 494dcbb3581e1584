package docker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/holon-run/cellstream/pkg/cellrun"
	cslog "github.com/holon-run/cellstream/pkg/log"
	"github.com/holon-run/cellstream/pkg/runtime/streamio"
)

// Runtime runs every cell in its own container.
type Runtime struct {
	cli *client.Client
	cfg Config

	pullOnce sync.Once
}

// NewRuntime connects to the docker daemon from the environment.
func NewRuntime(cfg Config) (*Runtime, error) {
	cfg.applyDefaults()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Runtime{cli: cli, cfg: cfg}, nil
}

// Ping checks that the daemon answers.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return nil
}

// Close releases the docker client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Run returns the RunFunc executing cells in order.
func (r *Runtime) Run() cellrun.RunFunc {
	return cellrun.PerCell(r.runCell)
}

func (r *Runtime) ensureImage(ctx context.Context) {
	if !r.cfg.Pull {
		return
	}
	r.pullOnce.Do(func() {
		cslog.Progress("pulling image", "image", r.cfg.Image)
		reader, err := r.cli.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
		if err != nil {
			cslog.Warn("failed to pull image", "image", r.cfg.Image, "error", err)
			return
		}
		defer reader.Close()
		_, _ = io.Copy(io.Discard, reader)
	})
}

func (r *Runtime) runCell(ctx context.Context, req cellrun.ExecRequest, cell cellrun.Cell, emit func(cellrun.OutputMessage) bool) error {
	r.ensureImage(ctx)

	resp, err := r.cli.ContainerCreate(ctx,
		BuildContainerConfig(r.cfg, req, cell),
		BuildHostConfig(r.cfg),
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// the run context may be cancelled already
		if err := r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			cslog.Warn("failed to remove container", "container", resp.ID, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	cslog.Debug("cell container started", "run_id", req.RunID, "cell", cell.ID, "container", resp.ID)

	out, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach container logs: %w", err)
	}
	defer out.Close()

	pipe := streamio.NewPipe()
	go func() {
		defer pipe.Close()
		if _, err := stdcopy.StdCopy(pipe.Writer(streamio.Stdout), pipe.Writer(streamio.Stderr), out); err != nil {
			cslog.Debug("container log stream ended", "container", resp.ID, "error", err)
		}
	}()
	pipe.Drain(cell.ID, emit)

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("container wait error: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			code := int(status.StatusCode)
			emit(streamio.ExitMessage(cell.ID, code))
			return streamio.ExitError(cell.ID, code)
		}
	}
	return nil
}
