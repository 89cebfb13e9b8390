package sourcecache

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
)

const validID = "483bd7f7229bdb06462222e1e353e4f37e15c293"

func tarGzOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestGetUnpacksTarGzArchive(t *testing.T) {
	id, err := buildid.Parse(validID)
	require.NoError(t, err)

	data := tarGzOf(t, map[string]string{
		"make-4.4.1/src/main.c": "int main() {}",
	})

	locate := func(_ context.Context, gotID buildid.BuildID) (io.ReadCloser, string, error) {
		assert.Equal(t, id, gotID)
		return io.NopCloser(bytes.NewReader(data)), "make-4.4.1.tar.gz", nil
	}

	c, err := New(t.TempDir(), time.Hour, locate)
	require.NoError(t, err)

	path, h, found, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	defer h.Release()

	content, err := os.ReadFile(filepath.Join(path, "make-4.4.1/src/main.c"))
	require.NoError(t, err)
	assert.Equal(t, "int main() {}", string(content))
}

func TestGetMissingArchiveIsNotAnError(t *testing.T) {
	id, err := buildid.Parse(validID)
	require.NoError(t, err)

	locate := func(_ context.Context, _ buildid.BuildID) (io.ReadCloser, string, error) {
		return nil, "", nil
	}

	c, err := New(t.TempDir(), time.Hour, locate)
	require.NoError(t, err)

	_, _, found, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetSkipsIgnoredMembers(t *testing.T) {
	id, err := buildid.Parse(validID)
	require.NoError(t, err)

	data := tarGzOf(t, map[string]string{
		"pkg/.git/HEAD":  "ref: refs/heads/main",
		"pkg/src/main.c": "int main() {}",
	})
	locate := func(_ context.Context, _ buildid.BuildID) (io.ReadCloser, string, error) {
		return io.NopCloser(bytes.NewReader(data)), "pkg.tar.gz", nil
	}

	c, err := New(t.TempDir(), time.Hour, locate)
	require.NoError(t, err)

	path, h, found, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found)
	defer h.Release()

	_, err = os.Stat(filepath.Join(path, "pkg/.git/HEAD"))
	assert.Error(t, err)
	_, err = os.Stat(filepath.Join(path, "pkg/src/main.c"))
	assert.NoError(t, err)
}
