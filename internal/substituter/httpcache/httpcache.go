// Package httpcache implements a binarycache.Source over an http(s)://
// Nix binary cache.
package httpcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nix-community/nixdebuginfod/internal/substituter"
	"github.com/nix-community/nixdebuginfod/internal/substituter/binarycache"
)

const userAgent = "nixdebuginfod/0"

// defaultRateLimit caps requests to a single remote binary cache so
// the multiplexer iterating priorities cannot hammer a slow or
// rate-limiting upstream while probing for a build-id.
const defaultRateLimit = 20 // requests/second

// Source is a binarycache.Source backed by an HTTP(S) server.
type Source struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
}

func New(base *url.URL, client *http.Client) *Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &Source{base: base, client: client, limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultRateLimit)}
}

func (s *Source) String() string {
	return s.base.String()
}

func (s *Source) Priority() substituter.Priority {
	return substituter.PriorityRemote
}

// StreamLocation issues a GET for what resolved against the cache's
// base URL. A 404 is reported as "not found"; any other non-2xx
// status is an error.
func (s *Source) StreamLocation(ctx context.Context, what string) (io.ReadCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter for %s: %w", s.base, err)
	}
	target, err := s.base.Parse(what)
	if err != nil {
		return nil, fmt.Errorf("%s%s is a malformed url: %w", s.base, what, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", target, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, nil
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("%s returned %s", target, resp.Status)
	}
}

// NewSubstituter adapts an http(s) binary cache at base into a full
// substituter.Substituter.
func NewSubstituter(base *url.URL, client *http.Client) substituter.Substituter {
	return binarycache.New(New(base, client))
}

// ParseBaseURL normalizes base so relative joins behave like the Nix
// binary-cache convention: a trailing slash is required for
// url.Parse's reference resolution to treat base as a directory.
func ParseBaseURL(raw string) (*url.URL, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return url.Parse(raw)
}
