// Package resolver answers the three debuginfod queries — debug
// output, executable, and source — by composing the build-id/store-path
// value types, the keyed artifact cache, the path-safety layer, the
// substituter multiplexer, the source-archive cache, and the fuzzy
// source-path selector.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/cache"
	"github.com/nix-community/nixdebuginfod/internal/logging"
	"github.com/nix-community/nixdebuginfod/internal/sourcecache"
	"github.com/nix-community/nixdebuginfod/internal/sourceselect"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
	"github.com/nix-community/nixdebuginfod/internal/vfs"
)

// ErrInvalidRequest marks an error as caused by malformed caller input
// — an unparsable store-path reference, for instance — rather than an
// internal failure, so the HTTP edge can map it to 422 instead of 500.
var ErrInvalidRequest = errors.New("invalid request")

// Resolver ties together the caches and the path-safety layer to serve
// debug-info, executable and source lookups by Build-ID.
type Resolver struct {
	debugOutputs   *cache.Cache
	storeArtifacts *storeArtifactCache
	sources        *sourcecache.Cache
}

// New builds a Resolver with three on-disk cache roots under
// cacheRoot (debuginfo/, store/, sources/), fetching through sub on a
// miss.
func New(cacheRoot string, expiration time.Duration, sub substituter.Substituter) (*Resolver, error) {
	r := &Resolver{}

	debugOutputs, err := cache.New("debuginfo", filepath.Join(cacheRoot, "debuginfo"), expiration,
		func(ctx context.Context, key string, into string) (cache.Presence, error) {
			id, err := buildid.Parse(key)
			if err != nil {
				return cache.NotFound, fmt.Errorf("debug-output cache key %q is not a build-id: %w", key, err)
			}
			return sub.BuildIDToDebugOutput(ctx, id, into)
		})
	if err != nil {
		return nil, err
	}
	r.debugOutputs = debugOutputs

	storeArtifacts, err := newStoreArtifactCache(filepath.Join(cacheRoot, "store"), expiration, sub)
	if err != nil {
		return nil, err
	}
	r.storeArtifacts = storeArtifacts

	sources, err := sourcecache.New(filepath.Join(cacheRoot, "sources"), expiration, r.locateSourceArchive)
	if err != nil {
		return nil, err
	}
	r.sources = sources

	return r, nil
}

// SpawnCleanup runs periodic eviction on all three underlying caches
// until ctx is cancelled.
func (r *Resolver) SpawnCleanup(ctx context.Context) {
	r.debugOutputs.SpawnCleanup(ctx)
	r.storeArtifacts.SpawnCleanup(ctx)
	r.sources.SpawnCleanup(ctx)
}

// DebugInfo resolves the separated debug-symbols file for id. A nil
// result with a nil error means the build-id is unknown to every
// substituter.
func (r *Resolver) DebugInfo(ctx context.Context, id buildid.BuildID) (*vfs.ResolvedPath, error) {
	root, handle, found, err := r.debugOutputs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching debug output for %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	restricted, err := vfs.New(root, handle)
	if err != nil {
		handle.Release()
		return nil, err
	}
	// No cross-artifact symlinks are expected here: the .debug entry
	// is the debug-output tree's own ELF file.
	return restricted.Join(id.InDebugOutput("debug")).ResolveInsideRoot(ctx)
}

// Executable resolves the original ELF executable or shared object for
// id. The debug output's .executable entry is typically a symlink
// into a different store artifact, so cross-artifact resolution is
// allowed.
func (r *Resolver) Executable(ctx context.Context, id buildid.BuildID) (*vfs.ResolvedPath, error) {
	root, handle, found, err := r.debugOutputs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching debug output for %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	restricted, err := vfs.New(root, handle)
	if err != nil {
		handle.Release()
		return nil, err
	}
	return restricted.Join(id.InDebugOutput("executable")).Resolve(ctx, r.resolveStorePath)
}

// Source resolves the source file best matching requestPath for id.
// requestPath is either a direct store-path reference
// ("nix/store/<hash>-<name>/...", no leading slash) or a compile-time
// path baked into debug info, matched fuzzily against the build's
// (possibly archived) source tree and its optional patched overlay.
func (r *Resolver) Source(ctx context.Context, id buildid.BuildID, requestPath string) (*vfs.ResolvedPath, error) {
	trimmed := strings.TrimPrefix(requestPath, "/")
	if strings.HasPrefix(trimmed, "nix/store/") {
		return r.sourceFromStoreReference(ctx, trimmed)
	}
	return r.sourceFromDebugOutput(ctx, id, requestPath)
}

func (r *Resolver) sourceFromStoreReference(ctx context.Context, trimmed string) (*vfs.ResolvedPath, error) {
	sp, err := storepath.Parse("/" + trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid store path reference %q: %w: %w", trimmed, ErrInvalidRequest, err)
	}
	sp = sp.Demangle()

	root, handle, found, err := r.storeArtifacts.Get(ctx, sp)
	if err != nil {
		return nil, fmt.Errorf("fetching store artifact %s: %w", sp, err)
	}
	if !found {
		return nil, nil
	}
	restricted, err := vfs.New(root, handle)
	if err != nil {
		handle.Release()
		return nil, err
	}
	return restricted.Join(sp.Relative()).Resolve(ctx, r.resolveStorePath)
}

func (r *Resolver) sourceFromDebugOutput(ctx context.Context, id buildid.BuildID, requestPath string) (*vfs.ResolvedPath, error) {
	root, handle, found, err := r.debugOutputs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching debug output for %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	restricted, err := vfs.New(root, handle)
	if err != nil {
		handle.Release()
		return nil, err
	}

	resolvedSource, err := restricted.Join(id.InDebugOutput("source")).Resolve(ctx, r.resolveStorePath)
	if err != nil {
		return nil, fmt.Errorf("resolving source entry for %s: %w", id, err)
	}
	if resolvedSource == nil {
		return nil, nil
	}

	// The overlay is resolved from its own, independent fetch of the
	// debug output rather than sharing restricted's handle: Resolve
	// releases whichever handle it started with once it crosses into a
	// different artifact (the common case, since .source is usually a
	// symlink into the store), so reusing restricted here would leave
	// the overlay walk — and its result, for as long as it's held —
	// pinning nothing.
	resolvedOverlay := r.resolveSourceOverlay(ctx, id)

	// release is called exactly once, at every exit from here on.
	// resolvedSource and resolvedOverlay each carry their own pin, so
	// either can be released independently of the other.
	release := func() {
		resolvedSource.Release()
		if resolvedOverlay != nil {
			resolvedOverlay.Release()
		}
	}

	kind, err := resolvedSource.Kind()
	if err != nil {
		release()
		return nil, err
	}

	var sourceDir *vfs.ResolvedPath
	switch kind {
	case vfs.Directory:
		sourceDir = resolvedSource
	default:
		archiveRoot, archiveHandle, archiveFound, err := r.sources.Get(ctx, id)
		if err != nil {
			release()
			return nil, fmt.Errorf("unpacking source archive for %s: %w", id, err)
		}
		if !archiveFound {
			release()
			return nil, nil
		}
		archiveRestricted, err := vfs.New(archiveRoot, archiveHandle)
		if err != nil {
			archiveHandle.Release()
			release()
			return nil, err
		}
		sourceDir, err = archiveRestricted.ResolveInsideRoot(ctx)
		if err != nil {
			release()
			return nil, err
		}
		if sourceDir == nil {
			release()
			return nil, nil
		}
	}

	var overlayDir sourceselect.WalkableDirectory = emptyWalkable{}
	if resolvedOverlay != nil {
		overlayDir = resolvedOverlay
	}

	match, err := sourceselect.GetFileForSource(sourceDir, overlayDir, requestPath)
	if err != nil {
		sourceDir.Release()
		release()
		return nil, err
	}
	if match == nil {
		sourceDir.Release()
		release()
		return nil, nil
	}

	var joined vfs.RestrictedPath
	switch match.Origin {
	case sourceselect.FromOverlay:
		joined, err = resolvedOverlay.Join(match.Path)
	default:
		joined, err = sourceDir.Join(match.Path)
	}
	if err != nil {
		sourceDir.Release()
		release()
		return nil, err
	}

	final, err := joined.Resolve(ctx, r.resolveStorePath)
	// joined took over the handle of the directory it was joined from,
	// and Resolve either passed it on to final or released it. Release
	// every other handle. sourceDir may be resolvedSource itself (the
	// Directory case) or a distinct unpacked-archive path.
	switch match.Origin {
	case sourceselect.FromOverlay:
		sourceDir.Release()
		resolvedSource.Release()
	default:
		if resolvedOverlay != nil {
			resolvedOverlay.Release()
		}
		if sourceDir != resolvedSource {
			resolvedSource.Release()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving matched source file for %s: %w", id, err)
	}
	return final, nil
}

// resolveSourceOverlay resolves id's .sourceoverlay entry from its own
// independent debug-output fetch, so the returned path carries its own
// live pin rather than one that may already have been released by a
// concurrent resolution of .source. A missing or unreadable overlay is
// not an error — it just means there is no overlay — so this logs and
// returns nil rather than propagating the failure.
func (r *Resolver) resolveSourceOverlay(ctx context.Context, id buildid.BuildID) *vfs.ResolvedPath {
	root, handle, found, err := r.debugOutputs.Get(ctx, id)
	if err != nil {
		logging.L.Debug().WithField("build_id", id.String()).WithField("error", err.Error()).
			WithMessage("failed to fetch debug output for source overlay lookup").Write()
		return nil
	}
	if !found {
		return nil
	}
	restricted, err := vfs.New(root, handle)
	if err != nil {
		handle.Release()
		return nil
	}

	resolvedOverlay, err := restricted.Join(id.InDebugOutput("sourceoverlay")).Resolve(ctx, r.resolveStorePath)
	if err != nil {
		// The original implementation instead reused the source tree
		// as its own overlay here, logging it as a temporary quirk;
		// this deliberately diverges and just treats it as no overlay.
		logging.L.Debug().WithField("build_id", id.String()).WithField("error", err.Error()).
			WithMessage("no usable source overlay, continuing without one").Write()
		return nil
	}
	return resolvedOverlay
}

// locateSourceArchive is the sourcecache.Locator backing r.sources: it
// independently re-resolves the debug output's .source entry (cheap
// on a cache hit) and opens it, since the source-archive cache must
// be able to unpack on a cold start with nothing else in hand but a
// build-id.
func (r *Resolver) locateSourceArchive(ctx context.Context, id buildid.BuildID) (io.ReadCloser, string, error) {
	root, handle, found, err := r.debugOutputs.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", nil
	}
	restricted, err := vfs.New(root, handle)
	if err != nil {
		handle.Release()
		return nil, "", err
	}

	resolved, err := restricted.Join(id.InDebugOutput("source")).Resolve(ctx, r.resolveStorePath)
	if err != nil {
		return nil, "", err
	}
	if resolved == nil {
		return nil, "", nil
	}
	kind, err := resolved.Kind()
	if err != nil {
		resolved.Release()
		return nil, "", err
	}
	if kind != vfs.File {
		resolved.Release()
		return nil, "", errors.New("source entry is a directory, not an archive")
	}
	f, err := resolved.Open()
	if err != nil {
		resolved.Release()
		return nil, "", err
	}
	return &releasingFile{File: f, release: resolved.Release}, id.InDebugOutput("source"), nil
}

// resolveStorePath is the vfs.Resolver every symlink walk in this
// package uses to follow a symlink that points into the Nix store.
func (r *Resolver) resolveStorePath(ctx context.Context, sp storepath.StorePath) (*vfs.RestrictedPath, error) {
	root, handle, found, err := r.storeArtifacts.Get(ctx, sp)
	if err != nil {
		return nil, fmt.Errorf("fetching store artifact %s: %w", sp, err)
	}
	if !found {
		return nil, nil
	}
	restricted, err := vfs.New(root, handle)
	if err != nil {
		handle.Release()
		return nil, err
	}
	return &restricted, nil
}

// emptyWalkable is the "no overlay" WalkableDirectory: it lists no
// files, so sourceselect never finds an overlay candidate.
type emptyWalkable struct{}

func (emptyWalkable) ListFilesRecursively() ([]string, error) { return nil, nil }
