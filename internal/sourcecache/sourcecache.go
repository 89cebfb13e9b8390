// Package sourcecache unpacks the single archive a build may ship its
// sources as (instead of a plain directory) into a directory tree,
// reusing the keyed artifact cache (package cache) verbatim: the
// archive's owning Build-ID is the key, and the "fetch" is "stream the
// archive through an unpacker".
package sourcecache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/mholt/archives"

	"github.com/nix-community/nixdebuginfod/internal/archive"
	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/cache"
	"github.com/nix-community/nixdebuginfod/internal/logging"
)

// Locator produces the archive backing a Build-ID's sources, if any.
// r is nil with a nil error when no such archive exists upstream
// (Get then reports a miss). name is the archive's filename, used
// only for format detection (its extension), not stored anywhere.
type Locator func(ctx context.Context, id buildid.BuildID) (r io.ReadCloser, name string, err error)

// Cache unpacks each Build-ID's source archive at most once, behind
// the same single-flight/expiry machinery every other artifact cache
// uses.
type Cache struct {
	c *cache.Cache
}

// ignoredMembers skips version-control metadata that occasionally
// rides along inside source tarballs and has no business appearing in
// a served source tree.
var ignoredMembers = compileIgnoreGlobs(".git/**", "**/.git/**", "**/.svn/**", "**/.hg/**")

func compileIgnoreGlobs(patterns ...string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		globs = append(globs, glob.MustCompile(p, '/'))
	}
	return globs
}

func ignored(name string) bool {
	for _, g := range ignoredMembers {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// New creates a source-archive cache rooted at root, unpacking
// archives located by locate on demand.
func New(root string, expiration time.Duration, locate Locator) (*Cache, error) {
	fetch := func(ctx context.Context, key string, into string) (cache.Presence, error) {
		id, err := buildid.Parse(key)
		if err != nil {
			return cache.NotFound, fmt.Errorf("sourcecache key %q is not a build-id: %w", key, err)
		}
		r, name, err := locate(ctx, id)
		if err != nil {
			return cache.NotFound, err
		}
		if r == nil {
			return cache.NotFound, nil
		}
		defer r.Close()

		if err := os.MkdirAll(into, 0o755); err != nil {
			return cache.NotFound, fmt.Errorf("creating %s: %w", into, err)
		}
		if err := unpack(ctx, r, name, into); err != nil {
			return cache.NotFound, fmt.Errorf("unpacking source archive for %s: %w", id, err)
		}
		return cache.Found, nil
	}

	c, err := cache.New("sources", root, expiration, fetch)
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get unpacks (or returns the already-unpacked) source tree for id.
func (c *Cache) Get(ctx context.Context, id buildid.BuildID) (path string, h cache.Handle, found bool, err error) {
	return c.c.Get(ctx, id)
}

// SpawnCleanup runs the underlying cache's periodic eviction until ctx
// is cancelled.
func (c *Cache) SpawnCleanup(ctx context.Context) {
	c.c.SpawnCleanup(ctx)
}

// unpack dispatches on name's suffix: NAR and its compressed variants
// go through our own from-scratch decoder (internal/archive), since a
// debuginfod server must run without a Nix installation to shell out
// to; everything else (tar, tar.gz, zip, ...) goes through the
// general-purpose archives library, which identifies the format from
// content rather than trusting the suffix.
func unpack(ctx context.Context, r io.Reader, name string, into string) error {
	if isNarName(name) {
		decompressed, err := archive.DecompressingReader(r, name)
		if err != nil {
			return err
		}
		return archive.UnpackNar(decompressed, into)
	}

	format, stream, err := archives.Identify(ctx, name, r)
	if err != nil {
		return fmt.Errorf("identifying archive format of %s: %w", name, err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("archive format %s (%s) does not support extraction", format.Name(), name)
	}
	return extractor.Extract(ctx, stream, func(ctx context.Context, f archives.FileInfo) error {
		return extractMember(into, f)
	})
}

func isNarName(name string) bool {
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".xz"), ".zst")
	base = strings.TrimSuffix(base, ".zstd")
	return strings.HasSuffix(base, ".nar")
}

// extractMember writes one archive member under into, refusing any
// member name or symlink target that would place content outside
// into: a malicious archive must not be able to write through the
// unpacked tree's own boundary before vfs ever gets a chance to check
// anything.
func extractMember(into string, f archives.FileInfo) error {
	name := filepath.ToSlash(f.NameInArchive)
	if ignored(name) {
		return nil
	}
	if strings.HasPrefix(name, "/") || strings.Contains(strings.Split(name, "/")[0], "..") || pathEscapes(name) {
		logging.L.Warn().WithField("member", name).WithMessage("skipping archive member with unsafe path").Write()
		return nil
	}
	target := filepath.Join(into, filepath.FromSlash(name))

	switch {
	case f.IsDir():
		return os.MkdirAll(target, 0o755)
	case f.LinkTarget != "":
		if filepath.IsAbs(f.LinkTarget) || pathEscapes(f.LinkTarget) {
			logging.L.Warn().WithField("member", name).WithMessage("skipping archive symlink with unsafe target").Write()
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(f.LinkTarget, target)
	case f.Mode().IsRegular():
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening archive member %s: %w", name, err)
		}
		defer src.Close()
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			return fmt.Errorf("creating %s: %w", target, err)
		}
		defer dst.Close()
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("writing %s: %w", target, err)
		}
		return nil
	default:
		// Devices, sockets, fifos: skip silently, same hygiene rule
		// vfs.ResolvedPath.Kind applies to resolved trees.
		return nil
	}
}

func pathEscapes(p string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
