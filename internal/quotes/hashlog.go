package quotes

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrPersistence wraps every quote log I/O failure.
var ErrPersistence = errors.New("quote log persistence")

// HashLog is the append-only set of quote digests already delivered. The file
// holds one digest per line and is read fully when opened.
type HashLog struct {
	mu           sync.Mutex
	path         string
	seen         map[string]struct{}
	needsNewline bool
}

// OpenHashLog loads the log at path. A missing file is an empty log.
func OpenHashLog(path string) (*HashLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: log path is required", ErrPersistence)
	}
	l := &HashLog{path: path, seen: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersistence, path, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l.seen[line] = struct{}{}
	}
	l.needsNewline = len(data) > 0 && !bytes.HasSuffix(data, []byte("\n"))
	return l, nil
}

// Contains reports whether digest was recorded.
func (l *HashLog) Contains(digest string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[digest]
	return ok
}

// Len returns the number of distinct recorded digests.
func (l *HashLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Claim appends digest unless it or any alias is already recorded. It returns
// false without writing when the content was used before. The line is synced
// to disk before Claim returns true.
func (l *HashLog) Claim(digest string, aliases ...string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[digest]; ok {
		return false, nil
	}
	for _, a := range aliases {
		if _, ok := l.seen[a]; ok {
			return false, nil
		}
	}

	if err := l.append(digest); err != nil {
		return false, err
	}
	l.seen[digest] = struct{}{}
	return true, nil
}

func (l *HashLog) append(digest string) error {
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create dir: %v", ErrPersistence, err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrPersistence, l.path, err)
	}

	line := digest + "\n"
	if l.needsNewline {
		line = "\n" + line
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: append: %v", ErrPersistence, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync: %v", ErrPersistence, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrPersistence, err)
	}
	l.needsNewline = false
	return nil
}
