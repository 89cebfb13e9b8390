package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nix-community/nixdebuginfod/internal/cache"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

// storeArtifactCache adapts cache.Cache (keyed by a plain string) to
// fetching store artifacts, whose substituter lookup needs the full
// StorePath (hash plus suffix), not just the hash cache.Cache sees as
// the key. It holds the StorePath for whichever keys currently have a
// Get in flight so the cache.Fetcher closure, which only receives the
// string key, can recover the value it needs.
type storeArtifactCache struct {
	c       *cache.Cache
	pending sync.Map // hash (string) -> storepath.StorePath
}

func newStoreArtifactCache(root string, expiration time.Duration, sub substituter.Substituter) (*storeArtifactCache, error) {
	sc := &storeArtifactCache{}
	fetch := func(ctx context.Context, key string, into string) (cache.Presence, error) {
		v, ok := sc.pending.Load(key)
		if !ok {
			return cache.NotFound, fmt.Errorf("store artifact cache: no store path registered for hash %s", key)
		}
		return sub.FetchStorePath(ctx, v.(storepath.StorePath), into)
	}
	c, err := cache.New("store", root, expiration, fetch)
	if err != nil {
		return nil, err
	}
	sc.c = c
	return sc, nil
}

// Get fetches (or returns the already-fetched) content of sp's store
// artifact. Concurrent Get calls for store paths sharing a hash are
// assumed to name the same content, per the store's content-addressing
// guarantee, so the last-registered StorePath for a hash is always a
// safe one for the fetcher to use.
func (sc *storeArtifactCache) Get(ctx context.Context, sp storepath.StorePath) (string, cache.Handle, bool, error) {
	sc.pending.Store(sp.Hash(), sp)
	defer sc.pending.Delete(sp.Hash())
	return sc.c.Get(ctx, sp)
}

func (sc *storeArtifactCache) SpawnCleanup(ctx context.Context) {
	sc.c.SpawnCleanup(ctx)
}
