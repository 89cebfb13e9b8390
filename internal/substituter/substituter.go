// Package substituter fetches debug info and store paths from
// pluggable backends — local Nix store, file:// binary caches,
// http(s):// binary caches — tried in priority order by a
// Multiplexer until one of them has the answer.
package substituter

import (
	"context"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/cache"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
)

// Presence is an alias of cache.Presence: a substituter's answer is
// itself cacheable, so the two concepts share one vocabulary.
type Presence = cache.Presence

const (
	NotFound = cache.NotFound
	Found    = cache.Found
)

// Priority orders substituters within a Multiplexer: lower
// values are tried first. LocalUnpacked identifies sources (the local
// store) that need no fetch at all and so should always win a race
// against anything that has to download something.
type Priority int

const (
	PriorityLocalUnpacked Priority = iota
	PriorityLocal
	PriorityUnknown
	PriorityRemote
)

// Substituter is a backend that can answer the two debuginfod
// questions: "what debug output corresponds to this build id" and
// "what store path backs this artifact". into is a directory that
// does not yet exist; on Found, the substituter must have populated
// it (directly, or via a symlink to an existing tree).
type Substituter interface {
	BuildIDToDebugOutput(ctx context.Context, id buildid.BuildID, into string) (Presence, error)
	FetchStorePath(ctx context.Context, sp storepath.StorePath, into string) (Presence, error)
	Priority() Priority
}

// DebugInfoRedirectJson is the shape of the metadata files binary
// caches with index-debug-info enabled publish at
// debuginfo/<build-id>[.debug]: a pointer to the archive containing
// the actual debug output and the member path inside it.
type DebugInfoRedirectJson struct {
	Archive string `json:"archive"`
	Member  string `json:"member"`
}
