package binarycache

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nixdebuginfod/internal/buildid"
	"github.com/nix-community/nixdebuginfod/internal/storepath"
	"github.com/nix-community/nixdebuginfod/internal/substituter"
)

// mapSource is an in-memory binarycache.Source for tests.
type mapSource struct {
	files map[string][]byte
}

func (m *mapSource) String() string { return "mapSource" }

func (m *mapSource) Priority() substituter.Priority { return substituter.PriorityLocal }

func (m *mapSource) StreamLocation(_ context.Context, what string) (io.ReadCloser, error) {
	data, ok := m.files[what]
	if !ok {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func narString(buf *bytes.Buffer, s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
	if pad := (8 - len(s)%8) % 8; pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func singleFileNar(content string) []byte {
	var buf bytes.Buffer
	narString(&buf, "nix-archive-1")
	narString(&buf, "(")
	narString(&buf, "type")
	narString(&buf, "regular")
	narString(&buf, "contents")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(content)))
	buf.Write(lenBuf[:])
	buf.WriteString(content)
	if pad := (8 - len(content)%8) % 8; pad > 0 {
		buf.Write(make([]byte, pad))
	}
	narString(&buf, ")")
	return buf.Bytes()
}

func TestFetchStorePathFollowsNarinfoToNar(t *testing.T) {
	hash := "hbqzhmrscihnl9vgvw9nqhlzc64r1gwl"
	src := &mapSource{files: map[string][]byte{
		hash + ".narinfo": []byte("StorePath: /nix/store/" + hash + "-sl-5.05\nURL: nar/abcdef.nar\n"),
		"nar/abcdef.nar":  singleFileNar("payload"),
	}}
	adapter := New(src)

	sp, err := storepath.Parse("/nix/store/" + hash + "-sl-5.05")
	require.NoError(t, err)

	into := filepath.Join(t.TempDir(), "into")
	presence, err := adapter.FetchStorePath(context.Background(), sp, into)
	require.NoError(t, err)
	assert.Equal(t, substituter.Found, presence)

	content, err := os.ReadFile(into)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestFetchStorePathMissingNarinfo(t *testing.T) {
	src := &mapSource{files: map[string][]byte{}}
	adapter := New(src)
	sp, err := storepath.Parse("/nix/store/hbqzhmrscihnl9vgvw9nqhlzc64r1gwl-sl-5.05")
	require.NoError(t, err)

	presence, err := adapter.FetchStorePath(context.Background(), sp, filepath.Join(t.TempDir(), "into"))
	require.NoError(t, err)
	assert.Equal(t, substituter.NotFound, presence)
}

func TestBuildIDToDebugOutputFollowsRedirect(t *testing.T) {
	id, err := buildid.Parse("483bd7f7229bdb06462222e1e353e4f37e15c293")
	require.NoError(t, err)

	src := &mapSource{files: map[string][]byte{
		fmt.Sprintf("debuginfo/%s.debug", id): []byte(`{"archive":"archive.nar","member":"x"}`),
		"debuginfo/archive.nar":               singleFileNar("debug bytes"),
	}}
	adapter := New(src)

	into := filepath.Join(t.TempDir(), "into")
	presence, err := adapter.BuildIDToDebugOutput(context.Background(), id, into)
	require.NoError(t, err)
	assert.Equal(t, substituter.Found, presence)

	content, err := os.ReadFile(into)
	require.NoError(t, err)
	assert.Equal(t, "debug bytes", string(content))
}

func TestNarinfoToNarLocationFindsURLLine(t *testing.T) {
	r := bytes.NewReader([]byte("StorePath: /nix/store/x-y\nNarHash: sha256:abc\nURL: nar/foo.nar.xz\nCompression: xz\n"))
	loc, err := NarinfoToNarLocation(r)
	require.NoError(t, err)
	assert.Equal(t, "nar/foo.nar.xz", loc)
}

func TestNarinfoToNarLocationMissingURL(t *testing.T) {
	r := bytes.NewReader([]byte("StorePath: /nix/store/x-y\n"))
	_, err := NarinfoToNarLocation(r)
	require.Error(t, err)
}
