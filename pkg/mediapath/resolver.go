// Package mediapath resolves stored audio references to readable local files
// across execution environments.
//
// Audio assets are produced on one host and consumed by worker processes
// under a different mount layout, so the path recorded with a run is often
// not directly readable. A [Resolver] tries an ordered list of candidate
// locations and returns the first that exists. Absence is always explicit:
// on failure the resolver returns [ErrNotFound], never a guessed path.
package mediapath

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no candidate location resolves to an existing
// file. It blocks extraction for the affected segment.
var ErrNotFound = errors.New("mediapath: no candidate path exists")

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithContainerBase sets the container-mount base directory tried with the
// stored path's basename (e.g. "/app/data/clips").
func WithContainerBase(dir string) Option {
	return func(r *Resolver) {
		r.containerBase = dir
	}
}

// WithRelativeBase sets the relative base directory tried with the stored
// path's basename (e.g. "data/clips").
func WithRelativeBase(dir string) Option {
	return func(r *Resolver) {
		r.relativeBase = dir
	}
}

// WithSearchBases sets the base directories substituted when the stored path
// carries a structural run-directory suffix. Each base is tried in order.
func WithSearchBases(dirs ...string) Option {
	return func(r *Resolver) {
		r.searchBases = append([]string(nil), dirs...)
	}
}

// suffixDepth is the number of trailing path elements that form the
// structural suffix substituted under each search base: the run directory
// and the file name.
const suffixDepth = 2

// Resolver maps stored audio references to local files. It is pure aside
// from filesystem existence checks and memoises successful resolutions per
// process, so it is cheap to call repeatedly for the same asset.
//
// Safe for concurrent use.
type Resolver struct {
	containerBase string
	relativeBase  string
	searchBases   []string

	// stat is swapped in tests; defaults to os.Stat.
	stat func(string) (fs.FileInfo, error)

	// hits memoises stored path → resolved path. Only successful
	// resolutions are cached: a missing file may appear later.
	hits sync.Map
}

// New returns a [Resolver] configured with the supplied options.
func New(opts ...Option) *Resolver {
	r := &Resolver{stat: os.Stat}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps storedPath to a readable local file. Candidates are tried in
// order, first existing wins:
//
//  1. storedPath as-is
//  2. container base + basename
//  3. relative base + basename
//  4. for paths with a structural run-directory suffix, each search base
//     with the suffix appended
//
// Returns [ErrNotFound] when nothing resolves.
func (r *Resolver) Resolve(ctx context.Context, storedPath string) (string, error) {
	if storedPath == "" {
		return "", fmt.Errorf("mediapath: resolve empty path: %w", ErrNotFound)
	}
	if cached, ok := r.hits.Load(storedPath); ok {
		return cached.(string), nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	for _, candidate := range r.candidates(storedPath) {
		info, err := r.stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		r.hits.Store(storedPath, candidate)
		return candidate, nil
	}
	return "", fmt.Errorf("mediapath: resolve %q: %w", storedPath, ErrNotFound)
}

// candidates returns the ordered candidate list for storedPath. Duplicates
// are removed while preserving order.
func (r *Resolver) candidates(storedPath string) []string {
	base := filepath.Base(storedPath)

	var out []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if p == "" {
			return
		}
		p = filepath.Clean(p)
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	add(storedPath)
	if r.containerBase != "" {
		add(filepath.Join(r.containerBase, base))
	}
	if r.relativeBase != "" {
		add(filepath.Join(r.relativeBase, base))
	}
	if suffix, ok := structuralSuffix(storedPath); ok {
		for _, sb := range r.searchBases {
			add(filepath.Join(sb, suffix))
		}
	}
	return out
}

// structuralSuffix extracts the trailing run-directory/file suffix from a
// stored path, e.g. "/hostA/data/clips/run-42/abc.wav" → "run-42/abc.wav".
// Returns false when the path has no directory structure to substitute.
func structuralSuffix(storedPath string) (string, bool) {
	// Stored references use forward slashes regardless of producing host.
	clean := path.Clean(strings.ReplaceAll(storedPath, "\\", "/"))
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) <= suffixDepth {
		return "", false
	}
	suffix := parts[len(parts)-suffixDepth:]
	for _, p := range suffix {
		if p == "" || p == "." || p == ".." {
			return "", false
		}
	}
	return path.Join(suffix...), true
}
