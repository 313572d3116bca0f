// Package storepath models the store-path identity rules used across the
// transfer engine: an absolute path under a fixed store root whose basename
// is a content-hash prefix followed by a name.
package storepath

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotAbsolute is returned when a path is not absolute.
	ErrNotAbsolute = errors.New("store path must be absolute")

	// ErrOutsideStore is returned when a path does not live under the configured store root.
	ErrOutsideStore = errors.New("path is not under the store root")

	// ErrMalformedBasename is returned when a basename has no hash-prefix separator.
	ErrMalformedBasename = errors.New("store path basename is malformed")
)

// Path is an opaque store path, compared by string equality.
type Path string

// String returns the path as a plain string.
func (p Path) String() string { return string(p) }

// Base returns the basename of the path (hash-prefix + "-" + name).
func (p Path) Base() string { return path.Base(string(p)) }

// HashPrefix returns the portion of the basename before the first "-".
func (p Path) HashPrefix() (string, error) {
	base := p.Base()

	prefix, _, ok := strings.Cut(base, "-")
	if !ok || prefix == "" {
		return "", fmt.Errorf("base=%q: %w", base, ErrMalformedBasename)
	}

	return prefix, nil
}

// Name returns the portion of the basename after the hash prefix, or "" if malformed.
func (p Path) Name() string {
	_, name, ok := strings.Cut(p.Base(), "-")
	if !ok {
		return ""
	}

	return name
}

// Root validates and joins store paths against a fixed store root (e.g. "/nix/store").
type Root struct {
	dir string
}

// NewRoot returns a Root rooted at dir. dir must be an absolute, clean path.
func NewRoot(dir string) (Root, error) {
	if !path.IsAbs(dir) {
		return Root{}, fmt.Errorf("dir=%q: %w", dir, ErrNotAbsolute)
	}

	return Root{dir: path.Clean(dir)}, nil
}

// Dir returns the store root directory.
func (r Root) Dir() string { return r.dir }

// Validate returns an error unless p is an absolute path directly under the store root.
func (r Root) Validate(p Path) error {
	s := string(p)

	if !path.IsAbs(s) {
		return fmt.Errorf("path=%q: %w", s, ErrNotAbsolute)
	}

	if path.Dir(s) != r.dir {
		return fmt.Errorf("path=%q root=%q: %w", s, r.dir, ErrOutsideStore)
	}

	if _, err := p.HashPrefix(); err != nil {
		return err
	}

	return nil
}

// Join returns the store path for the given basename.
func (r Root) Join(basename string) Path {
	return Path(path.Join(r.dir, basename))
}

// FromBasenames joins every basename onto the root, preserving order.
func (r Root) FromBasenames(basenames []string) []Path {
	paths := make([]Path, 0, len(basenames))
	for _, b := range basenames {
		paths = append(paths, r.Join(b))
	}

	return paths
}

// Dedup returns paths with duplicates removed, preserving first-seen order.
func Dedup(paths []Path) []Path {
	seen := make(map[Path]struct{}, len(paths))
	out := make([]Path, 0, len(paths))

	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}

		out = append(out, p)
	}

	return out
}

// WithoutSelf returns refs with any reference to self removed.
func WithoutSelf(self Path, refs []Path) []Path {
	out := make([]Path, 0, len(refs))

	for _, r := range refs {
		if r == self {
			continue
		}

		out = append(out, r)
	}

	return out
}
