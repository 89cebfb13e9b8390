// Package filecache implements a binarycache.Source over a binary
// cache living on local disk (a "file://" substituter URL minus the
// scheme).
package filecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nix-community/nixdebuginfod/internal/substituter"
	"github.com/nix-community/nixdebuginfod/internal/substituter/binarycache"
)

// Source is a binarycache.Source rooted at a directory on disk.
type Source struct {
	root string
}

func New(root string) *Source {
	return &Source{root: root}
}

func (s *Source) String() string {
	return fmt.Sprintf("file://%s", s.root)
}

func (s *Source) Priority() substituter.Priority {
	return substituter.PriorityLocal
}

func (s *Source) StreamLocation(_ context.Context, what string) (io.ReadCloser, error) {
	full := filepath.Join(s.root, what)
	canon, err := filepath.EvalSymlinks(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canonicalize(%s): %w", full, err)
	}
	if canon != s.root && !strings.HasPrefix(canon, s.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("redirected to path %s that escapes %s", canon, s.root)
	}
	f, err := os.Open(canon)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", canon, err)
	}
	return f, nil
}

// NewSubstituter adapts the file substituter rooted at root into a full
// substituter.Substituter.
func NewSubstituter(root string) substituter.Substituter {
	return binarycache.New(New(root))
}
