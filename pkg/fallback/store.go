// Package fallback records the output of runs that no client is attached to.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/holon-run/cellstream/pkg/cellrun"
	cslog "github.com/holon-run/cellstream/pkg/log"
)

const (
	ext         = ".ndjson"
	extCompress = ".ndjson.zst"
)

// Store writes one NDJSON file per run under Dir.
type Store struct {
	Dir      string
	Compress bool
}

// Handler returns an OutputHandler creating file sinks. Paths that do not
// start with prefix are rejected; an empty prefix accepts every path.
func (s *Store) Handler(prefix string) cellrun.OutputHandler {
	return func(ctx context.Context, p cellrun.HandlerParams) (cellrun.FallbackSink, error) {
		if prefix != "" && !strings.HasPrefix(p.Path, prefix) {
			return nil, fmt.Errorf("%w: %q is outside %q", cellrun.ErrPathMismatch, p.Path, prefix)
		}
		return s.open(p)
	}
}

// RunFile returns the file a run with the given path and id is recorded in.
func (s *Store) RunFile(path, runID string) string {
	name := runID + ext
	if s.Compress {
		name = runID + extCompress
	}
	return filepath.Join(s.Dir, sanitize(path), name)
}

func (s *Store) open(p cellrun.HandlerParams) (*fileSink, error) {
	file := s.RunFile(p.Path, p.RunID)
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, fmt.Errorf("failed to create fallback dir: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback file %q: %w", file, err)
	}

	sink := &fileSink{file: f, runID: p.RunID, path: file}
	var w io.Writer = f
	if s.Compress {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		sink.zw = zw
		w = zw
	}
	sink.enc = json.NewEncoder(w)
	sink.enc.SetEscapeHTML(false)
	cslog.Debug("fallback sink opened", "run_id", p.RunID, "file", file)
	return sink, nil
}

// sanitize maps a target path to a single relative directory name.
func sanitize(path string) string {
	path = strings.Trim(filepath.ToSlash(path), "/")
	if path == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "." || name == ".." {
		return "_"
	}
	return name
}

type fileSink struct {
	mu    sync.Mutex
	file  *os.File
	zw    *zstd.Encoder
	enc   *json.Encoder
	runID string
	path  string
	done  bool
}

func (s *fileSink) Process(msg cellrun.OutputMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("fallback sink for run %s is closed", s.runID)
	}
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to write fallback entry: %w", err)
	}
	return nil
}

func (s *fileSink) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	err := s.enc.Encode(cellrun.OutputMessage{RunID: s.runID, Done: true})
	if s.zw != nil {
		if cerr := s.zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to close fallback file %q: %w", s.path, err)
	}
	return nil
}
