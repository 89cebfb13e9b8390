package main

import (
	"context"
	"sync/atomic"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

// dynamicSubstituter lets the resolver, built once at startup, keep
// working against a substituter list that is replaced wholesale
// whenever the optional -substituter-file changes: Swap installs a
// freshly built Multiplexer and every in-flight or future call reads
// whichever one was current at the moment it started.
type dynamicSubstituter struct {
	current atomic.Pointer[substituter.Multiplexer]
}

func newDynamicSubstituter(initial *substituter.Multiplexer) *dynamicSubstituter {
	d := &dynamicSubstituter{}
	d.current.Store(initial)
	return d
}

func (d *dynamicSubstituter) Swap(m *substituter.Multiplexer) {
	d.current.Store(m)
}

func (d *dynamicSubstituter) Priority() substituter.Priority {
	return d.current.Load().Priority()
}

func (d *dynamicSubstituter) BuildIDToDebugOutput(ctx context.Context, id buildid.BuildID, into string) (substituter.Presence, error) {
	return d.current.Load().BuildIDToDebugOutput(ctx, id, into)
}

func (d *dynamicSubstituter) FetchStorePath(ctx context.Context, sp storepath.StorePath, into string) (substituter.Presence, error) {
	return d.current.Load().FetchStorePath(ctx, sp, into)
}
