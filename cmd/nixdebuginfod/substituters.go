package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nix-community/nixdebuginfod/internal/substituter"
	"github.com/nix-community/nixdebuginfod/internal/substituter/filecache"
	"github.com/nix-community/nixdebuginfod/internal/substituter/httpcache"
	"github.com/nix-community/nixdebuginfod/internal/substituter/localstore"
)

// buildSubstituter dispatches a -substituter URL to the backend that
// serves its scheme: "file://<dir>", "http(s)://…", or the bare
// literal "local:" for the locally mounted Nix store.
func buildSubstituter(raw string) (substituter.Substituter, error) {
	if raw == "local:" {
		return localstore.New(), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing substituter URL %q: %w", raw, err)
	}

	switch u.Scheme {
	case "file":
		return filecache.NewSubstituter(u.Path), nil
	case "http", "https":
		base, err := httpcache.ParseBaseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("substituter URL %q: %w", raw, err)
		}
		return httpcache.NewSubstituter(base, nil), nil
	default:
		return nil, fmt.Errorf("unsupported substituter URL scheme %q in %q (want file://, http(s)://, or local:)", u.Scheme, raw)
	}
}

// buildSubstituters dispatches every URL in raws, failing on the first
// one with an unrecognized scheme.
func buildSubstituters(raws []string) ([]substituter.Substituter, error) {
	subs := make([]substituter.Substituter, 0, len(raws))
	for _, raw := range raws {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sub, err := buildSubstituter(raw)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
