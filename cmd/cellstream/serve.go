package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holon-run/cellstream/pkg/config"
	cslog "github.com/holon-run/cellstream/pkg/log"
	"github.com/holon-run/cellstream/pkg/preflight"
	"github.com/holon-run/cellstream/pkg/serve"
)

var (
	serveConfigPath string
	serveListen     string
	serveRuntime    string
	serveLogLevel   string
	serveFallback   string

	serveSkipPreflight bool
)

const serveShutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the cell protocol over HTTP and WebSocket",
	Long: `Start a cellstream server.

Clients connect to /rpc/ws and submit runs with cell/run. Output streams back
as cell/output notifications and every run ends with cell/end. When a client
disconnects, its runs keep executing and their output goes to the fallback
directory.

Examples:
  cellstream serve --runtime shell --listen 127.0.0.1:8765
  cellstream serve --config cellstream.yaml`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(serveConfigPath)
		if err != nil {
			return err
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		if serveRuntime != "" {
			cfg.Runtime = serveRuntime
		}
		if serveLogLevel != "" {
			cfg.Log.Level = serveLogLevel
		}
		if serveFallback != "" {
			cfg.Fallback.Dir = serveFallback
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := initLogging(cfg); err != nil {
			return err
		}
		defer cslog.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func runServer(ctx context.Context, cfg config.Config) error {
	srv, closeRuntime, err := newServer(ctx, cfg, buildOutputHandler(cfg), preflight.Config{
		Skip:          serveSkipPreflight,
		Listen:        cfg.Listen,
		CheckFallback: true,
		FallbackDir:   cfg.Fallback.Dir,
	})
	if err != nil {
		return err
	}
	defer closeRuntime()

	handler := serve.NewHandler(srv, cfg.HandlerConfig())
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	cslog.Info("serve started", "listen", ln.Addr().String(), "runtime", cfg.Runtime, "fallback_dir", cfg.Fallback.Dir)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	cslog.Info("serve shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		cslog.Warn("http shutdown incomplete", "error", err)
	}
	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	stats := srv.Stats()
	cslog.Info("serve stopped", "accepted", stats.Accepted, "completed", stats.Completed, "failed", stats.Failed, "failovers", stats.Failovers)
	return nil
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to cellstream.yaml")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default "+config.DefaultListen+")")
	serveCmd.Flags().StringVar(&serveRuntime, "runtime", "", "Runtime: echo, shell, docker")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, progress, minimal, warn, error")
	serveCmd.Flags().StringVar(&serveFallback, "fallback-dir", "", "Directory for output of detached runs")
	serveCmd.Flags().BoolVar(&serveSkipPreflight, "skip-preflight", false, "Skip environment checks at startup")
	rootCmd.AddCommand(serveCmd)
}
