// Package binarycache implements the well-known layout shared by
// file:// and http(s):// Nix binary caches with index-debug-info
// enabled, adapting it to the substituter.Substituter interface:
//
//   - /nix/store/<hash>-<name> has a corresponding <hash>.narinfo at
//     the cache root, pointing at the NAR holding its contents.
//   - each build id contained in those NARs has a
//     debuginfo/<build-id>[.debug] JSON redirect pointing at the NAR
//     holding its debug output.
package binarycache

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nix-community/nixdebuginfod/internal/archive"
	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

// smallFileLimit bounds how large a narinfo or JSON redirect file we
// are willing to buffer fully into memory before parsing it.
const smallFileLimit = 1024*1024 - 1

// Source streams a named file out of a binary cache. what is a
// relative path such as "deadbeef....narinfo" or
// "debuginfo/deadbeef...."; implementations are responsible for
// ensuring what cannot escape the cache root. A nil reader with a nil
// error means the cache positively does not have that file.
type Source interface {
	StreamLocation(ctx context.Context, what string) (io.ReadCloser, error)
	Priority() substituter.Priority
	fmt.Stringer
}

// Adapter implements substituter.Substituter over a Source.
type Adapter struct {
	Source Source
}

func New(src Source) *Adapter {
	return &Adapter{Source: src}
}

func (a *Adapter) Priority() substituter.Priority { return a.Source.Priority() }

func (a *Adapter) BuildIDToDebugOutput(ctx context.Context, id buildid.BuildID, into string) (substituter.Presence, error) {
	loc1 := fmt.Sprintf("debuginfo/%s", id)
	loc2 := fmt.Sprintf("debuginfo/%s.debug", id)

	stream, loc, err := a.firstAvailable(ctx, loc1, loc2)
	if err != nil {
		return substituter.NotFound, err
	}
	if stream == nil {
		return substituter.NotFound, nil
	}
	defer stream.Close()

	body, err := readSmall(stream)
	if err != nil {
		return substituter.NotFound, fmt.Errorf("reading debug-info redirect %s: %w", loc, err)
	}
	var redirect substituter.DebugInfoRedirectJson
	if err := json.Unmarshal(body, &redirect); err != nil {
		return substituter.NotFound, fmt.Errorf("unexpected format for %s in %s: %w", loc, a.Source, err)
	}
	return a.returnNar(ctx, fmt.Sprintf("debuginfo/%s", redirect.Archive), into)
}

func (a *Adapter) FetchStorePath(ctx context.Context, sp storepath.StorePath, into string) (substituter.Presence, error) {
	narinfoPath := sp.Hash() + ".narinfo"
	stream, err := a.Source.StreamLocation(ctx, narinfoPath)
	if err != nil {
		return substituter.NotFound, fmt.Errorf("querying %s from %s: %w", narinfoPath, a.Source, err)
	}
	if stream == nil {
		return substituter.NotFound, nil
	}
	defer stream.Close()

	narPath, err := NarinfoToNarLocation(stream)
	if err != nil {
		return substituter.NotFound, fmt.Errorf("parsing %s: %w", narinfoPath, err)
	}
	return a.returnNar(ctx, narPath, into)
}

func (a *Adapter) returnNar(ctx context.Context, narPath, into string) (substituter.Presence, error) {
	stream, err := a.Source.StreamLocation(ctx, narPath)
	if err != nil {
		return substituter.NotFound, fmt.Errorf("querying %s from %s: %w", narPath, a.Source, err)
	}
	if stream == nil {
		return substituter.NotFound, nil
	}
	defer stream.Close()

	decompressed, err := archive.DecompressingReader(stream, narPath)
	if err != nil {
		return substituter.NotFound, err
	}
	if err := archive.UnpackNar(decompressed, into); err != nil {
		return substituter.NotFound, fmt.Errorf("unpacking %s: %w", narPath, err)
	}
	return substituter.Found, nil
}

// firstAvailable tries each candidate location in turn, returning the
// first one that is actually found. An error on a candidate that
// still has a successor to try is swallowed; an error on the last
// candidate propagates.
func (a *Adapter) firstAvailable(ctx context.Context, candidates ...string) (io.ReadCloser, string, error) {
	var lastErr error
	for _, loc := range candidates {
		stream, err := a.Source.StreamLocation(ctx, loc)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		if stream != nil {
			return stream, loc, nil
		}
	}
	return nil, "", lastErr
}

func readSmall(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, smallFileLimit+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(buf) > smallFileLimit {
		return nil, fmt.Errorf("stream is too large, refusing to parse")
	}
	return buf, nil
}

const narURLKey = "URL: "

// NarinfoToNarLocation extracts the relative path of the NAR a
// narinfo file points to, by scanning it line by line for the first
// "URL: " line.
func NarinfoToNarLocation(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := cutPrefix(line, narURLKey); ok {
			return rest, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("parsing narinfo line: %w", err)
	}
	return "", fmt.Errorf("narinfo did not have a URL: line")
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
