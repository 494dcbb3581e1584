package fallback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/holon-run/cellstream/pkg/cellrun"
)

// ReadRun reads back a recorded run. Compressed files are detected by their
// .zst suffix. done reports whether the terminal marker was recorded.
func ReadRun(file string) (msgs []cellrun.OutputMessage, done bool, err error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open fallback file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(file, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg cellrun.OutputMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return msgs, done, fmt.Errorf("failed to parse fallback entry: %w", err)
		}
		if msg.Done {
			done = true
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return msgs, done, fmt.Errorf("failed to read fallback file: %w", err)
	}
	return msgs, done, nil
}
