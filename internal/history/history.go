// Package history keeps an append-only command log per site and environment.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Path returns the history file for site.env under dir.
func Path(dir, site, env string) string {
	return filepath.Join(dir, site+"."+env)
}

// File appends one entry per line. The zero value is not usable.
type File struct {
	path string

	mu   sync.Mutex
	file *os.File
	bw   *bufio.Writer
}

// Open creates dir (0700) and opens the history file (0600) for appending.
func Open(dir, site, env string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	p := Path(dir, site, env)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return &File{path: p, file: f, bw: bufio.NewWriter(f)}, nil
}

// Path is the file being appended to.
func (h *File) Path() string { return h.path }

// Append records line. Blank lines are ignored and embedded newlines are
// folded so every entry stays on one line.
func (h *File) Append(line string) error {
	line = strings.TrimSpace(strings.ReplaceAll(line, "\n", " "))
	if line == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return os.ErrClosed
	}
	if _, err := h.bw.WriteString(line + "\n"); err != nil {
		return err
	}
	return h.bw.Flush()
}

// Close flushes and closes the file. Calling it twice is harmless.
func (h *File) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	flushErr := h.bw.Flush()
	closeErr := h.file.Close()
	h.file = nil
	return errors.Join(flushErr, closeErr)
}

// Load returns the entries of a history file, oldest first. A missing file
// has no entries.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}
