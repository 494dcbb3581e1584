// Package preflight validates the environment of `cellstream serve` before it
// starts accepting runs.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	cslog "github.com/holon-run/cellstream/pkg/log"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a critical failure that prevents startup
	LevelError CheckLevel = iota
	// LevelWarn indicates a problem that does not block startup
	LevelWarn
	// LevelInfo indicates informational output
	LevelInfo
)

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Error   error
}

// Check represents a single preflight check
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Config selects the checks to run.
type Config struct {
	// Skip skips all preflight checks
	Skip bool
	// Quiet suppresses info-level messages
	Quiet bool
	// Listen is the serve address. Checked when set.
	Listen string
	// Shell is the interpreter of the shell runtime. Empty when the shell
	// runtime is not used.
	Shell string
	// Docker is pinged when set.
	Docker Pinger
	// CheckFallback enables the fallback dir check. FallbackDir must then be
	// a writable directory; empty means fallback output is discarded, which
	// is reported as a warning.
	CheckFallback bool
	FallbackDir   string
}

// Pinger is the part of the docker runtime the daemon check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks  []Check
	skipped bool
	quiet   bool
}

// NewChecker creates a checker for cfg.
func NewChecker(cfg Config) *Checker {
	c := &Checker{
		skipped: cfg.Skip,
		quiet:   cfg.Quiet,
	}
	if cfg.Listen != "" {
		c.checks = append(c.checks, &ListenCheck{Addr: cfg.Listen})
	}
	if cfg.Shell != "" {
		c.checks = append(c.checks, &ShellCheck{Shell: cfg.Shell})
	}
	if cfg.Docker != nil {
		c.checks = append(c.checks, &DockerCheck{Client: cfg.Docker})
	}
	if cfg.CheckFallback {
		c.checks = append(c.checks, &FallbackDirCheck{Path: cfg.FallbackDir})
	}
	return c
}

// Run executes all checks and returns an error if any critical check fails.
func (c *Checker) Run(ctx context.Context) error {
	if c.skipped {
		cslog.Info("preflight checks skipped")
		return nil
	}

	var errs []string
	for _, check := range c.checks {
		result := check.Run(ctx)
		switch result.Level {
		case LevelError:
			cslog.Error("preflight check failed", "check", result.Name, "message", result.Message)
			msg := fmt.Sprintf("%s: %s", result.Name, result.Message)
			if result.Error != nil {
				msg = fmt.Sprintf("%s (%v)", msg, result.Error)
			}
			errs = append(errs, msg)
		case LevelWarn:
			cslog.Warn("preflight check warning", "check", result.Name, "message", result.Message)
		case LevelInfo:
			if !c.quiet {
				cslog.Debug("preflight check", "check", result.Name, "message", result.Message)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ListenCheck validates the serve address.
type ListenCheck struct {
	Addr string
}

func (c *ListenCheck) Name() string { return "listen" }

func (c *ListenCheck) Run(ctx context.Context) CheckResult {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("invalid listen address %q; expected host:port", c.Addr),
			Error:   err,
		}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "listen address " + c.Addr}
}

// ShellCheck checks that the shell runtime's interpreter exists.
type ShellCheck struct {
	Shell string
}

func (c *ShellCheck) Name() string { return "shell" }

func (c *ShellCheck) Run(ctx context.Context) CheckResult {
	path, err := exec.LookPath(c.Shell)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("%s not found in PATH", c.Shell),
			Error:   err,
		}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "using " + path}
}

// DockerCheck checks that the docker daemon is reachable
type DockerCheck struct {
	Client Pinger
}

func (c *DockerCheck) Name() string { return "docker" }

func (c *DockerCheck) Run(ctx context.Context) CheckResult {
	if err := c.Client.Ping(ctx); err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: "docker daemon is not running or not accessible",
			Error:   err,
		}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "docker daemon is reachable"}
}

// FallbackDirCheck checks that the fallback directory exists, or can be
// created, and is writable.
type FallbackDirCheck struct {
	Path string
}

func (c *FallbackDirCheck) Name() string { return "fallback" }

func (c *FallbackDirCheck) Run(ctx context.Context) CheckResult {
	if c.Path == "" {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: "no fallback dir configured; output of detached runs is discarded",
		}
	}

	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("failed to resolve fallback dir: %s", c.Path),
			Error:   err,
		}
	}

	info, err := os.Stat(absPath)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(absPath, 0755); err != nil {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelError,
				Message: fmt.Sprintf("cannot create fallback dir: %s", absPath),
				Error:   err,
			}
		}
	case err != nil:
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("cannot access fallback dir: %s", absPath),
			Error:   err,
		}
	case !info.IsDir():
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("fallback dir is not a directory: %s", absPath),
		}
	}

	testFile := filepath.Join(absPath, fmt.Sprintf(".cellstream-write-test-%d", os.Getpid()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("fallback dir is not writable: %s", absPath),
			Error:   err,
		}
	}
	f.Close()
	_ = os.Remove(testFile)

	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: "fallback dir is writable: " + absPath}
}
