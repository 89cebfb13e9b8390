package resolver

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

const testBuildID = "0e20481820d3b92468102b35a5e4a29a8695c1af"
const testHash = "hbqzhmrscihnl9vgvw9nqhlzc64r1gwl"

// fakeSubstituter answers exactly the fixtures registered on it,
// reporting NotFound for everything else.
type fakeSubstituter struct {
	debugOutputs   map[string]func(into string) error
	storeArtifacts map[string]func(into string) error
}

func newFakeSubstituter() *fakeSubstituter {
	return &fakeSubstituter{
		debugOutputs:   map[string]func(into string) error{},
		storeArtifacts: map[string]func(into string) error{},
	}
}

func (f *fakeSubstituter) Priority() substituter.Priority { return substituter.PriorityLocal }

func (f *fakeSubstituter) BuildIDToDebugOutput(_ context.Context, id buildid.BuildID, into string) (substituter.Presence, error) {
	build, ok := f.debugOutputs[id.String()]
	if !ok {
		return substituter.NotFound, nil
	}
	if err := os.MkdirAll(into, 0o755); err != nil {
		return substituter.NotFound, err
	}
	if err := build(into); err != nil {
		return substituter.NotFound, err
	}
	return substituter.Found, nil
}

func (f *fakeSubstituter) FetchStorePath(_ context.Context, sp storepath.StorePath, into string) (substituter.Presence, error) {
	build, ok := f.storeArtifacts[sp.Hash()]
	if !ok {
		return substituter.NotFound, nil
	}
	if err := os.MkdirAll(into, 0o755); err != nil {
		return substituter.NotFound, err
	}
	if err := build(into); err != nil {
		return substituter.NotFound, err
	}
	return substituter.Found, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func debugOutputPath(id buildid.BuildID, ext string) string {
	return id.InDebugOutput(ext)
}

func newResolver(t *testing.T, sub substituter.Substituter) *Resolver {
	t.Helper()
	r, err := New(t.TempDir(), time.Hour, sub)
	require.NoError(t, err)
	return r
}

func TestDebugInfoHit(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	sub := newFakeSubstituter()
	sub.debugOutputs[id.String()] = func(into string) error {
		writeFile(t, filepath.Join(into, debugOutputPath(id, "debug")), "debug bytes")
		return nil
	}

	r := newResolver(t, sub)
	resolved, err := r.DebugInfo(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	defer resolved.Release()

	f, err := resolved.Open()
	require.NoError(t, err)
	defer f.Close()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "debug bytes", string(data))
}

func TestDebugInfoMiss(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	sub := newFakeSubstituter()
	r := newResolver(t, sub)

	resolved, err := r.DebugInfo(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestExecutableViaStoreSymlink(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	sub := newFakeSubstituter()
	sub.debugOutputs[id.String()] = func(into string) error {
		target := filepath.Join(into, debugOutputPath(id, "executable"))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		return os.Symlink("/nix/store/"+testHash+"-foo/bin/thing", target)
	}
	sub.storeArtifacts[testHash] = func(into string) error {
		writeFile(t, filepath.Join(into, "bin/thing"), "executable bytes")
		return nil
	}

	r := newResolver(t, sub)
	resolved, err := r.Executable(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	defer resolved.Release()

	f, err := resolved.Open()
	require.NoError(t, err)
	defer f.Close()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "executable bytes", string(data))
}

func TestSourceDirectStoreReference(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	sub := newFakeSubstituter()
	sub.storeArtifacts[testHash] = func(into string) error {
		writeFile(t, filepath.Join(into, "include/gnumake.h"), "gnumake header")
		return nil
	}

	r := newResolver(t, sub)
	upperHash := "HBQZHMRSCIHNL9VGVW9NQHLZC64R1GWL"
	request := fmt.Sprintf("nix/store/%s-gnumake-4.4.1/include/gnumake.h", upperHash)

	resolved, err := r.Source(context.Background(), id, request)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	defer resolved.Release()

	f, err := resolved.Open()
	require.NoError(t, err)
	defer f.Close()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "gnumake header", string(data))
}

// TestSourceOverlayStaysPinnedAcrossStoreCrossingSource is a
// regression test for the overlay's resolved path sharing a cache
// handle with the source's: when .source is a symlink into the store
// (the common case) and .sourceoverlay stays inside the debug output,
// a concurrent cleanup sweep must not be able to evict the debug
// output's cache entry while the overlay result from it is still held.
func TestSourceOverlayStaysPinnedAcrossStoreCrossingSource(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	sub := newFakeSubstituter()
	sub.debugOutputs[id.String()] = func(into string) error {
		sourceLink := filepath.Join(into, debugOutputPath(id, "source"))
		require.NoError(t, os.MkdirAll(filepath.Dir(sourceLink), 0o755))
		require.NoError(t, os.Symlink("/nix/store/"+testHash+"-foo", sourceLink))
		writeFile(t, filepath.Join(into, debugOutputPath(id, "sourceoverlay"), "make-4.4.1/src/job.c"), "patched job.c")
		return nil
	}
	sub.storeArtifacts[testHash] = func(into string) error {
		writeFile(t, filepath.Join(into, "make-4.4.1/src/job.c"), "original job.c")
		return nil
	}

	// expiration 0: any cache entry not actively pinned is immediately
	// eligible for eviction, the sharpest possible test of the pin.
	r, err := New(t.TempDir(), 0, sub)
	require.NoError(t, err)

	resolved, err := r.Source(context.Background(), id, "/build/make-4.4.1/src/job.c")
	require.NoError(t, err)
	require.NotNil(t, resolved)

	r.debugOutputs.Cleanup(context.Background())

	f, err := resolved.Open()
	require.NoError(t, err, "debug output cache entry was evicted while the overlay result was still held")
	defer f.Close()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "patched job.c", string(data))
	resolved.Release()
}

func tarGzOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestSourceArchivePath(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	archiveData := tarGzOf(t, map[string]string{
		"make-4.4.1/src/main.c": "int main() {}",
	})

	sub := newFakeSubstituter()
	sub.debugOutputs[id.String()] = func(into string) error {
		path := filepath.Join(into, debugOutputPath(id, "source.tar.gz"))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, archiveData, 0o644))
		link := filepath.Join(into, debugOutputPath(id, "source"))
		return os.Symlink(filepath.Base(path), link)
	}

	r := newResolver(t, sub)
	resolved, err := r.Source(context.Background(), id, "/build/make-4.4.1/src/main.c")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	defer resolved.Release()

	f, err := resolved.Open()
	require.NoError(t, err)
	defer f.Close()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "int main() {}", string(data))
}

func TestSourceOverlaySelected(t *testing.T) {
	id, err := buildid.Parse(testBuildID)
	require.NoError(t, err)

	sub := newFakeSubstituter()
	sub.debugOutputs[id.String()] = func(into string) error {
		writeFile(t, filepath.Join(into, "source/make-4.4.1/src/job.c"), "original job.c")
		writeFile(t, filepath.Join(into, "overlay/make-4.4.1/src/job.c"), "patched job.c")
		// Relative symlinks: the debug-output tree is fetched into a
		// "partial" staging directory and then renamed into place, so
		// an absolute target baked in here would go stale the moment
		// the rename happens.
		const upToRoot = "../../../../"
		sourceLink := filepath.Join(into, debugOutputPath(id, "source"))
		require.NoError(t, os.MkdirAll(filepath.Dir(sourceLink), 0o755))
		require.NoError(t, os.Symlink(upToRoot+"source", sourceLink))
		overlayLink := filepath.Join(into, debugOutputPath(id, "sourceoverlay"))
		require.NoError(t, os.Symlink(upToRoot+"overlay", overlayLink))
		return nil
	}

	r := newResolver(t, sub)
	resolved, err := r.Source(context.Background(), id, "/build/make-4.4.1/src/job.c")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	defer resolved.Release()

	f, err := resolved.Open()
	require.NoError(t, err)
	defer f.Close()
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "patched job.c", string(data))
}
