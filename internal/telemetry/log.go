package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Log is a single append-only JSONL stream. Appends are atomic at record
// granularity: one marshaled line is written with a single write on an
// O_APPEND descriptor, so concurrent appenders from separate processes
// cannot interleave within a record.
type Log struct {
	mu   sync.Mutex
	path string
}

// OpenLog returns a Log for the given path. The file is created lazily on
// first append.
func OpenLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the underlying file path.
func (l *Log) Path() string {
	return l.path
}

// Append marshals v and appends it as one line.
func (l *Log) Append(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create telemetry dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append to %s: %w", l.path, err)
	}
	return nil
}

// maxLineBytes bounds a single record line. Prompts are truncated upstream,
// so this is generous.
const maxLineBytes = 1 << 20

// Scan calls fn for every well-formed line. Malformed lines (including a
// trailing partial line from a concurrent append) are skipped: a prefix of
// the stream is always a valid snapshot. A missing file yields no records
// and no error.
func (l *Log) Scan(fn func(line []byte) error) error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", l.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", l.path, err)
	}
	return nil
}
