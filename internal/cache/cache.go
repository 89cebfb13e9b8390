// Package cache implements the keyed, on-disk artifact cache shared by
// every backend that fetches something slow (a debug-info tree from a
// substituter, an unpacked source archive): a cache directory holding
// one subdirectory per key, a single-flight fetch so concurrent misses
// for the same key only run the underlying fetch once, and a
// time-based sweep that evicts entries nobody has touched in a while.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexflint/go-filemutex"
	"github.com/zeebo/xxh3"

	"github.com/nix-community/nixdebuginfod/internal/logging"
)

// Presence distinguishes "fetched, and the thing exists" from
// "fetched, and authoritatively confirmed absent" — the latter is not
// an error and must not be retried just because the caller asked
// again a moment later.
type Presence int

const (
	NotFound Presence = iota
	Found
)

// Key is anything usable as a cache key: a string that is injective
// for the value it represents and contains no path separator.
type Key interface {
	AsKey() string
}

// Fetcher populates the directory "into" with the contents for key,
// returning NotFound (not an error) when the key is confirmed absent
// upstream. Any returned error aborts the fetch and leaves nothing
// published.
type Fetcher func(ctx context.Context, key string, into string) (Presence, error)

// Handle pins a cache entry so the cleanup sweep will not delete it
// out from under a caller still reading it. Callers must call Release
// exactly once when they are done with the path Get returned.
type Handle interface {
	Release()
}

const (
	cacheDirName = "cache"
	partialDir   = "partial"
	locksDir     = "locks"
)

// Cache is one keyed artifact cache, rooted at a directory on disk.
type Cache struct {
	name       string
	root       string
	expiration time.Duration
	fetch      Fetcher
	locks      *lockTable
}

// New creates (or reopens) a cache rooted at root. name is used only
// to annotate log lines and errors, so multiple caches sharing a
// process are distinguishable.
func New(name, root string, expiration time.Duration, fetch Fetcher) (*Cache, error) {
	for _, sub := range []string{cacheDirName, partialDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("cache %s: creating %s: %w", name, sub, err)
		}
	}
	return &Cache{
		name:       name,
		root:       root,
		expiration: expiration,
		fetch:      fetch,
		locks:      newLockTable(),
	}, nil
}

func (c *Cache) cachePath(key string) string   { return filepath.Join(c.root, cacheDirName, key) }
func (c *Cache) partialPath(key string) string { return filepath.Join(c.root, partialDir, key) }
func (c *Cache) lockFile(key string) string    { return filepath.Join(c.root, locksDir, key+".lock") }

// fingerprint is a short, non-cryptographic correlation id for log
// lines, so long cache keys don't dominate log output.
func fingerprint(s string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(s))
}

type readHandle struct {
	released bool
	lock     *keyLock
}

func (h *readHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.lock.mu.RUnlock()
}

// Get returns the on-disk path for key, fetching it first if it is
// not already cached. found is false (with a nil error) when the
// fetcher authoritatively reported the key absent. The returned Handle
// must be released by the caller once it is done with path.
func (c *Cache) Get(ctx context.Context, key Key) (path string, h Handle, found bool, err error) {
	k := key.AsKey()
	if strings.ContainsRune(k, '/') {
		return "", nil, false, fmt.Errorf("cache %s: key %q must not contain a path separator", c.name, k)
	}
	target := c.cachePath(k)
	lock := c.locks.get(k)

	// Fast path: already cached, no need to even consider fetching.
	lock.mu.RLock()
	hit, err := c.touchIfFresh(target)
	if err != nil {
		lock.mu.RUnlock()
		return "", nil, false, err
	}
	if hit {
		return target, &readHandle{lock: lock}, true, nil
	}
	lock.mu.RUnlock()

	// Miss: become (or wait to become) the single candidate fetcher
	// for this key. Only one goroutine at a time holds upgrade, so a
	// burst of concurrent misses for the same key collapses into one
	// fetch.
	lock.upgrade.Lock()
	defer lock.upgrade.Unlock()

	// Someone else may have finished fetching while we waited.
	lock.mu.RLock()
	hit, err = c.touchIfFresh(target)
	if err != nil {
		lock.mu.RUnlock()
		return "", nil, false, err
	}
	if hit {
		return target, &readHandle{lock: lock}, true, nil
	}
	lock.mu.RUnlock()

	lock.mu.Lock()
	presence, err := c.fetchInto(ctx, k, target)
	lock.mu.Unlock()
	if err != nil {
		return "", nil, false, err
	}
	if presence == NotFound {
		return "", nil, false, nil
	}

	lock.mu.RLock()
	return target, &readHandle{lock: lock}, true, nil
}

// touchIfFresh reports whether target exists, refreshing its mtime if
// it is more than half-way to expiration so a steadily-reused entry
// never actually ages out.
func (c *Cache) touchIfFresh(target string) (bool, error) {
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache %s: stat %s: %w", c.name, target, err)
	}
	if c.expiration > 0 && time.Since(info.ModTime()) > c.expiration/2 {
		now := time.Now()
		if err := os.Chtimes(target, now, now); err != nil {
			logging.L.Warn().WithField("cache", c.name).WithField("path", target).
				WithMessage("failed to refresh cache entry mtime").WithField("error", err.Error()).Write()
		}
	}
	return true, nil
}

func (c *Cache) fetchInto(ctx context.Context, key, target string) (Presence, error) {
	partial := c.partialPath(key)
	if err := removeRecursively(partial); err != nil {
		return NotFound, fmt.Errorf("cache %s: clearing stale partial entry for %s: %w", c.name, fingerprint(key), err)
	}

	presence, err := c.fetch(ctx, key, partial)
	if err != nil {
		_ = removeRecursively(partial)
		return NotFound, fmt.Errorf("cache %s: fetching %s: %w", c.name, fingerprint(key), err)
	}
	if presence == NotFound {
		_ = removeRecursively(partial)
		return NotFound, nil
	}

	if err := c.publish(key, partial, target); err != nil {
		_ = removeRecursively(partial)
		return NotFound, err
	}
	return Found, nil
}

// publish atomically moves partial into place as target. The
// filemutex guards against another process (not just another
// goroutine) racing to publish the same key; within this process the
// key's keyLock already serializes writers.
func (c *Cache) publish(key, partial, target string) error {
	fm, err := filemutex.New(c.lockFile(key))
	if err != nil {
		return fmt.Errorf("cache %s: opening publish lock for %s: %w", c.name, fingerprint(key), err)
	}
	defer fm.Close()
	if err := fm.Lock(); err != nil {
		return fmt.Errorf("cache %s: acquiring publish lock for %s: %w", c.name, fingerprint(key), err)
	}
	defer fm.Unlock()

	_ = removeRecursively(target)
	if err := os.Rename(partial, target); err != nil {
		return fmt.Errorf("cache %s: publishing %s: %w", c.name, fingerprint(key), err)
	}
	return nil
}

// Cleanup scans every cached entry once, deleting those untouched for
// more than twice the expiration window. Entries currently pinned by a
// Get caller are skipped (their write lock is unavailable) rather than
// waited on.
func (c *Cache) Cleanup(ctx context.Context) {
	base := filepath.Join(c.root, cacheDirName)
	entries, err := os.ReadDir(base)
	if err != nil {
		logging.L.Warn().WithField("cache", c.name).WithMessage("failed to list cache directory").
			WithField("error", err.Error()).Write()
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		name := e.Name()
		if !utf8.ValidString(name) {
			logging.L.Warn().WithField("cache", c.name).WithMessage("skipping non-UTF-8 cache entry name").Write()
			continue
		}
		c.cleanupEntry(name)
	}
	c.locks.sweep()
}

func (c *Cache) cleanupEntry(key string) {
	lock := c.locks.get(key)
	if !lock.mu.TryLock() {
		return
	}
	defer lock.mu.Unlock()

	target := c.cachePath(key)
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		logging.L.Warn().WithField("cache", c.name).WithField("path", target).
			WithMessage("failed to stat cache entry during cleanup").WithField("error", err.Error()).Write()
		return
	}
	if c.expiration > 0 && time.Since(info.ModTime()) <= 2*c.expiration {
		return
	}
	if err := os.RemoveAll(target); err != nil {
		logging.L.Warn().WithField("cache", c.name).WithField("path", target).
			WithMessage("failed to evict expired cache entry").WithField("error", err.Error()).Write()
		return
	}
	logging.L.Debug().WithField("cache", c.name).WithField("key", fingerprint(key)).
		WithMessage("evicted expired cache entry").Write()
}

// SpawnCleanup runs Cleanup on a timer until ctx is cancelled.
func (c *Cache) SpawnCleanup(ctx context.Context) {
	interval := 2 * c.expiration
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup(ctx)
			}
		}
	}()
}

// removeRecursively deletes path if it exists, tolerating symlinks
// (removed directly, never dereferenced) and an already-absent path.
func removeRecursively(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
