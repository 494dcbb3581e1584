package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestListenCheck(t *testing.T) {
	if r := (&ListenCheck{Addr: "127.0.0.1:8765"}).Run(context.Background()); r.Level != LevelInfo {
		t.Errorf("valid addr level = %v, message = %s", r.Level, r.Message)
	}
	if r := (&ListenCheck{Addr: "8765"}).Run(context.Background()); r.Level != LevelError {
		t.Errorf("invalid addr level = %v, want error", r.Level)
	}
}

func TestShellCheck(t *testing.T) {
	if r := (&ShellCheck{Shell: "definitely-not-a-shell-xyz"}).Run(context.Background()); r.Level != LevelError {
		t.Errorf("missing shell level = %v, want error", r.Level)
	}
}

func TestDockerCheck(t *testing.T) {
	if r := (&DockerCheck{Client: fakePinger{}}).Run(context.Background()); r.Level != LevelInfo {
		t.Errorf("reachable daemon level = %v", r.Level)
	}
	r := (&DockerCheck{Client: fakePinger{err: errors.New("connection refused")}}).Run(context.Background())
	if r.Level != LevelError || r.Error == nil {
		t.Errorf("unreachable daemon result = %+v", r)
	}
}

func TestFallbackDirCheck(t *testing.T) {
	t.Run("empty warns", func(t *testing.T) {
		if r := (&FallbackDirCheck{}).Run(context.Background()); r.Level != LevelWarn {
			t.Errorf("level = %v, want warn", r.Level)
		}
	})

	t.Run("missing dir is created", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		if r := (&FallbackDirCheck{Path: dir}).Run(context.Background()); r.Level != LevelInfo {
			t.Fatalf("level = %v, message = %s", r.Level, r.Message)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("dir not created: %v", err)
		}
	})

	t.Run("file is rejected", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f")
		if err := os.WriteFile(file, nil, 0644); err != nil {
			t.Fatal(err)
		}
		if r := (&FallbackDirCheck{Path: file}).Run(context.Background()); r.Level != LevelError {
			t.Errorf("level = %v, want error", r.Level)
		}
	})
}

func TestChecker(t *testing.T) {
	checker := NewChecker(Config{
		Quiet:         true,
		Listen:        "nope",
		Docker:        fakePinger{err: errors.New("down")},
		CheckFallback: true,
		FallbackDir:   t.TempDir(),
	})
	err := checker.Run(context.Background())
	if err == nil {
		t.Fatal("Run() expected error")
	}
	for _, want := range []string{"listen:", "docker:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestCheckerSkip(t *testing.T) {
	checker := NewChecker(Config{Skip: true, Listen: "nope"})
	if err := checker.Run(context.Background()); err != nil {
		t.Errorf("Run() with Skip error = %v", err)
	}
}
