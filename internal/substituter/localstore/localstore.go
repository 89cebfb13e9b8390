// Package localstore serves store paths and debug outputs that are
// already present, unpacked, in the local /nix/store — the cheapest
// possible substituter, since it never needs to fetch or unpack
// anything: it just symlinks the caller at the existing tree.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

// Substituter serves paths directly available in the local Nix store.
type Substituter struct{}

func New() *Substituter { return &Substituter{} }

func (Substituter) Priority() substituter.Priority { return substituter.PriorityLocalUnpacked }

func (Substituter) BuildIDToDebugOutput(_ context.Context, id buildid.BuildID, into string) (substituter.Presence, error) {
	path, err := findBuildIDInStore(id)
	if err != nil {
		return substituter.NotFound, err
	}
	if path == "" {
		return substituter.NotFound, nil
	}
	if err := os.Symlink(path, into); err != nil {
		return substituter.NotFound, fmt.Errorf("symlinking %s as %s: %w", path, into, err)
	}
	return substituter.Found, nil
}

func (Substituter) FetchStorePath(_ context.Context, sp storepath.StorePath, into string) (substituter.Presence, error) {
	root := sp.Root()
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return substituter.NotFound, nil
	} else if err != nil {
		return substituter.NotFound, fmt.Errorf("stat(%s): %w", root, err)
	}
	if err := os.Symlink(root, into); err != nil {
		return substituter.NotFound, fmt.Errorf("symlinking %s as %s: %w", root, into, err)
	}
	return substituter.Found, nil
}

// findBuildIDInStore scans the top level of /nix/store for a
// "*-debug" output directory containing the expected build-id path,
// returning "" if none is found.
func findBuildIDInStore(id buildid.BuildID) (string, error) {
	expected := id.InDebugOutput("debug")
	entries, err := os.ReadDir(storepath.Prefix)
	if err != nil {
		return "", fmt.Errorf("opening local store: %w", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), "-debug") {
			continue
		}
		candidate := storepath.Prefix + e.Name()
		if _, err := os.Stat(candidate + "/" + expected); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}
