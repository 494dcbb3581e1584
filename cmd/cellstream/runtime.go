package main

import (
	"context"
	"fmt"

	"github.com/holon-run/cellstream/pkg/cellrun"
	"github.com/holon-run/cellstream/pkg/config"
	"github.com/holon-run/cellstream/pkg/fallback"
	cslog "github.com/holon-run/cellstream/pkg/log"
	"github.com/holon-run/cellstream/pkg/preflight"
	"github.com/holon-run/cellstream/pkg/runtime/docker"
	"github.com/holon-run/cellstream/pkg/runtime/echo"
	"github.com/holon-run/cellstream/pkg/runtime/shell"
)

// executor is the runtime selected by cfg.Runtime.
type executor struct {
	run   cellrun.RunFunc
	close func() error
	// checks are the environment checks the runtime needs.
	checks preflight.Config
}

func buildExecutor(cfg config.Config) (*executor, error) {
	noop := func() error { return nil }
	switch cfg.Runtime {
	case config.RuntimeEcho:
		return &executor{
			run: echo.New(echo.Config{
				Chunks: cfg.Echo.Chunks,
				Delay:  cfg.Echo.Delay.Duration,
				Stream: cfg.Echo.Stream,
			}),
			close: noop,
		}, nil
	case config.RuntimeShell:
		sh := cfg.Shell.Path
		if sh == "" {
			sh = shell.DefaultShell
		}
		rt, err := shell.NewRuntime(shell.Config{Shell: sh, Dir: cfg.Shell.Dir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize shell runtime: %w", err)
		}
		return &executor{run: rt.Run(), close: noop, checks: preflight.Config{Shell: sh}}, nil
	case config.RuntimeDocker:
		rt, err := docker.NewRuntime(docker.Config{
			Image:     cfg.Docker.Image,
			Workspace: cfg.Docker.Workspace,
			Pull:      cfg.Docker.Pull,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize docker runtime: %w", err)
		}
		return &executor{run: rt.Run(), close: rt.Close, checks: preflight.Config{Docker: rt}}, nil
	default:
		return nil, fmt.Errorf("unsupported runtime %q", cfg.Runtime)
	}
}

// buildOutputHandler maps the fallback section to an OutputHandler. nil
// means fallback output is discarded.
func buildOutputHandler(cfg config.Config) cellrun.OutputHandler {
	if cfg.Fallback.Dir == "" {
		return nil
	}
	store := &fallback.Store{Dir: cfg.Fallback.Dir, Compress: cfg.Fallback.Compress}
	return store.Handler(cfg.Fallback.Prefix)
}

// newServer assembles a cellrun.Server from cfg after the preflight checks
// pass. checks carries the caller's checks; the runtime adds its own.
func newServer(ctx context.Context, cfg config.Config, handler cellrun.OutputHandler, checks preflight.Config) (*cellrun.Server, func() error, error) {
	exe, err := buildExecutor(cfg)
	if err != nil {
		return nil, nil, err
	}
	checks.Shell = exe.checks.Shell
	checks.Docker = exe.checks.Docker
	if err := preflight.NewChecker(checks).Run(ctx); err != nil {
		_ = exe.close()
		return nil, nil, err
	}

	serverCfg := cfg.ServerConfig()
	serverCfg.Run = exe.run
	serverCfg.OutputHandler = handler
	srv, err := cellrun.NewServer(serverCfg)
	if err != nil {
		_ = exe.close()
		return nil, nil, err
	}
	return srv, exe.close, nil
}

func initLogging(cfg config.Config) error {
	level, err := cslog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if err := cslog.Init(cslog.Config{Level: level, Format: cfg.Log.Format}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
