// Package registry looks up site ids in the local sites file: one "name,id"
// pair per line.
package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrNotFound indicates the registry file itself is missing.
	ErrNotFound = errors.New("site registry not found")
	// ErrSiteUnknown indicates the file has no entry for the requested site.
	ErrSiteUnknown = errors.New("unknown site")
)

// Entry is one registry line.
type Entry struct {
	Name string
	ID   string
}

// Registry is an in-memory copy of the sites file.
type Registry struct {
	Path    string
	Entries []Entry
}

// Load reads and parses the registry at path.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Registry{Path: path, Entries: entries}, nil
}

// Parse reads name,id lines. Blank lines and lines starting with # are
// skipped; the id may not contain further commas.
func Parse(r io.Reader) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, id, ok := strings.Cut(line, ",")
		name = strings.TrimSpace(name)
		id = strings.TrimSpace(id)
		if !ok || name == "" || id == "" || strings.Contains(id, ",") {
			return nil, fmt.Errorf("line %d: expected name,id", n)
		}
		out = append(out, Entry{Name: name, ID: id})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup returns the id for an exact name match.
func (r *Registry) Lookup(name string) (string, error) {
	for _, e := range r.Entries {
		if e.Name == name {
			return e.ID, nil
		}
	}
	return "", fmt.Errorf("%w %q in %s", ErrSiteUnknown, name, r.Path)
}

// ParseTarget splits a "site.env" argument. The environment is everything
// after the last dot so site names may themselves contain dots.
func ParseTarget(arg string) (site, env string, err error) {
	arg = strings.TrimSpace(arg)
	i := strings.LastIndex(arg, ".")
	if i <= 0 || i == len(arg)-1 {
		return "", "", fmt.Errorf("invalid target %q: expected <site>.<env>", arg)
	}
	return arg[:i], arg[i+1:], nil
}
