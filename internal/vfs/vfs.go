// Package vfs manipulates paths that may contain untrusted symlinks.
//
// A RestrictedPath names a location that has not yet been checked: its
// symlinks, if any, must either stay inside the path's root or point
// into the Nix store, in which case a Resolver is consulted to fetch
// the referenced store path and continue resolution there. Resolving
// a RestrictedPath yields a ResolvedPath, which is guaranteed to name
// an existing file or directory with no symlink components left.
// Neither type exposes its underlying string: the only way to use one
// is Open/Kind/ListFilesRecursively, so callers cannot accidentally
// bypass the checks by reaching for the raw path.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nix-community/nixdebuginfod/internal/cache"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
)

// MaxSymlinkDepth bounds how many symlinks Resolve will follow before
// giving up, guarding against loops.
const MaxSymlinkDepth = 20

// Resolver fetches the store artifact for a store path encountered
// as a symlink target during resolution. A nil RestrictedPath with a
// nil error means "confirmed absent"; Resolve then reports a miss
// rather than an error.
type Resolver func(ctx context.Context, sp storepath.StorePath) (*RestrictedPath, error)

// RestrictedPath is an absolute path, not yet checked, rooted at root:
// any symlink found while resolving inner must stay within root or
// point into the Nix store.
type RestrictedPath struct {
	root   string
	inner  string
	handle cache.Handle
}

// New creates a RestrictedPath rooted at itself. root must exist; if
// root is itself a symlink it is followed without restriction (only
// symlinks introduced by later Join calls are checked). handle pins
// the cache entry backing root for the lifetime of the returned value
// and everything derived from it; ownership passes to whichever
// RestrictedPath/ResolvedPath currently holds it, and it is released
// exactly once, either by an explicit Release on an abandoned path or
// by Resolve when it gives up or succeeds.
func New(root string, handle cache.Handle) (RestrictedPath, error) {
	canon, err := filepath.EvalSymlinks(root)
	if err != nil {
		return RestrictedPath{}, fmt.Errorf("resolving root %s: %w", root, err)
	}
	abs, err := filepath.Abs(canon)
	if err != nil {
		return RestrictedPath{}, fmt.Errorf("absolute path of root %s: %w", root, err)
	}
	return RestrictedPath{root: abs, inner: abs, handle: handle}, nil
}

// Join appends rest, keeping the same root. Unlike filepath.Join, it
// never lexically collapses ".." or "." — those are resolved
// component-by-component, with a lstat check at each step, by
// Resolve. An empty rest is a no-op.
func (p RestrictedPath) Join(rest string) RestrictedPath {
	if rest == "" {
		return p
	}
	return RestrictedPath{root: p.root, inner: joinRaw(p.inner, rest), handle: p.handle}
}

// Release abandons p without resolving it, releasing the cache entry
// it pinned. Call this on whichever branch of a conditional does not
// end up calling Resolve.
func (p RestrictedPath) Release() {
	p.handle.Release()
}

// ResolvedPath is an absolute path with every symlink resolved away.
// It is guaranteed to exist (as of the moment it was resolved).
type ResolvedPath struct {
	path   string
	handle cache.Handle
}

// Kind is the file type of a ResolvedPath.
type Kind int

const (
	// File is a regular file.
	File Kind = iota
	// Directory is, well, a directory.
	Directory
)

// Kind reports whether path is a file or a directory. Anything else
// (socket, device, fifo) is an error: there is no legitimate reason a
// debug-info or source tree would contain one.
func (p ResolvedPath) Kind() (Kind, error) {
	info, err := os.Lstat(p.path)
	if err != nil {
		return 0, fmt.Errorf("stat resolved path: %w", err)
	}
	switch {
	case info.Mode().IsRegular():
		return File, nil
	case info.IsDir():
		return Directory, nil
	default:
		return 0, fmt.Errorf("unexpected file type %s for resolved path", info.Mode())
	}
}

// Open opens the underlying file for reading.
func (p ResolvedPath) Open() (*os.File, error) {
	return os.Open(p.path)
}

// Release releases the cache entry this path pinned. Callers must
// call it exactly once when done with the path.
func (p ResolvedPath) Release() {
	p.handle.Release()
}

// Join appends a relative path to a directory ResolvedPath, returning
// a fresh RestrictedPath bound not to escape p.
func (p ResolvedPath) Join(rest string) (RestrictedPath, error) {
	restricted, err := New(p.path, p.handle)
	if err != nil {
		return RestrictedPath{}, err
	}
	return restricted.Join(rest), nil
}

// ListFilesRecursively returns the slash-separated relative paths of
// every regular file reachable from p, omitting symlinks and not
// following them. p must be a directory.
func (p ResolvedPath) ListFilesRecursively() ([]string, error) {
	var out []string
	err := filepath.WalkDir(p.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(p.path, path)
		if err != nil {
			return fmt.Errorf("child file %s should be relative to %s: %w", path, p.path, err)
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", p.path, err)
	}
	sort.Strings(out)
	return out, nil
}

// Resolve walks p's symlinks to completion. A nil ResolvedPath with a
// nil error means the target does not exist. Any symlink pointing
// outside root and not into the Nix store is an error; a symlink
// pointing into the store is resolved by fetching it through resolver
// and continuing resolution rooted at the fetched artifact.
func (p RestrictedPath) Resolve(ctx context.Context, resolver Resolver) (*ResolvedPath, error) {
	currentRoot := p.root
	toBeResolved := p.inner
	currentHandle := p.handle
	depth := 0

	fail := func(err error) (*ResolvedPath, error) {
		currentHandle.Release()
		return nil, err
	}
	notFound := func() (*ResolvedPath, error) {
		currentHandle.Release()
		return nil, nil
	}

symlinkLoop:
	for {
		if depth > MaxSymlinkDepth {
			return fail(fmt.Errorf("resolving %s: more than %d symlinks", p.inner, MaxSymlinkDepth))
		}
		relative, ok := stripPrefix(toBeResolved, currentRoot)
		if !ok {
			return fail(fmt.Errorf("%s escaped out of %s", p.inner, currentRoot))
		}
		segments := splitComponents(relative)
		resolvedPath := currentRoot

		for i, seg := range segments {
			if !isWithin(resolvedPath, currentRoot) {
				return fail(fmt.Errorf("%s escaped out of %s", p.inner, currentRoot))
			}

			switch seg {
			case ".":
				continue
			case "..":
				info, err := os.Lstat(resolvedPath)
				if err != nil {
					return fail(fmt.Errorf("lstat(%s) but this path was already successfully resolved: %w", resolvedPath, err))
				}
				if !info.IsDir() {
					return fail(fmt.Errorf("%s is not a directory but %s", resolvedPath, info.Mode()))
				}
				resolvedPath = parentOf(resolvedPath)
				continue
			default:
				resolvedPath = joinRaw(resolvedPath, seg)
			}

			info, err := os.Lstat(resolvedPath)
			if errors.Is(err, fs.ErrNotExist) {
				return notFound()
			}
			if err != nil {
				return fail(fmt.Errorf("lstat(%s): %w", resolvedPath, err))
			}
			if info.Mode()&fs.ModeSymlink == 0 {
				continue
			}

			target, err := os.Readlink(resolvedPath)
			if err != nil {
				return fail(fmt.Errorf("readlink(%s): %w", resolvedPath, err))
			}
			resolvedPath = parentOf(resolvedPath)
			next := resolvedPath
			if filepath.IsAbs(target) {
				next = target
			} else if target != "" {
				next = joinRaw(next, target)
			}
			if rest := strings.Join(segments[i+1:], "/"); rest != "" {
				next = joinRaw(next, rest)
			}
			toBeResolved = next
			depth++

			if isInStore(toBeResolved) {
				sp, err := storepath.Parse(toBeResolved)
				if err != nil {
					return fail(fmt.Errorf("%s resolves to malformed store path %s: %w", p.inner, toBeResolved, err))
				}
				fetched, err := resolver(ctx, sp)
				if err != nil {
					return fail(fmt.Errorf("fetching %s, the symlink target of %s: %w", sp, p.inner, err))
				}
				if fetched == nil {
					return notFound()
				}
				currentHandle.Release()
				currentHandle = fetched.handle
				currentRoot = fetched.root
				toBeResolved = joinRaw(fetched.root, sp.Relative())
			}
			continue symlinkLoop
		}

		if !isWithin(resolvedPath, currentRoot) {
			return fail(fmt.Errorf("%s escaped out of %s", p.inner, currentRoot))
		}
		return &ResolvedPath{path: resolvedPath, handle: currentHandle}, nil
	}
}

// ResolveInsideRoot is Resolve with a resolver that rejects any
// symlink pointing into the Nix store.
func (p RestrictedPath) ResolveInsideRoot(ctx context.Context) (*ResolvedPath, error) {
	return p.Resolve(ctx, func(_ context.Context, sp storepath.StorePath) (*RestrictedPath, error) {
		return nil, fmt.Errorf("not allowed to point to store path %s", sp)
	})
}

func joinRaw(base, suffix string) string {
	if suffix == "" {
		return base
	}
	if base == "" {
		return suffix
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(suffix, "/")
}

func parentOf(path string) string {
	idx := strings.LastIndex(strings.TrimSuffix(path, "/"), "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// stripPrefix reports whether path's components start with root's,
// returning the remaining slash-separated suffix.
func stripPrefix(path, root string) (string, bool) {
	if path == root {
		return "", true
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return path[len(prefix):], true
}

func isWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/")
}

func splitComponents(relative string) []string {
	if relative == "" {
		return nil
	}
	var out []string
	for _, seg := range strings.Split(relative, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func isInStore(path string) bool {
	dir := strings.TrimSuffix(storepath.Prefix, "/")
	return path == dir || strings.HasPrefix(path, dir+"/")
}
