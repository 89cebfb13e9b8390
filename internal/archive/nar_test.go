package archive

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// narBuilder constructs a NAR byte stream by hand, for round-trip
// testing UnpackNar without depending on an external nix-store binary.
type narBuilder struct {
	buf bytes.Buffer
}

func (b *narBuilder) str(s string) *narBuilder {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	b.buf.Write(lenBuf[:])
	b.buf.WriteString(s)
	if pad := paddedSkip(uint64(len(s))); pad > 0 {
		b.buf.Write(make([]byte, pad))
	}
	return b
}

func (b *narBuilder) regularFile(content string) *narBuilder {
	b.str("(").str("type").str("regular").str("contents")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(content)))
	b.buf.Write(lenBuf[:])
	b.buf.WriteString(content)
	if pad := paddedSkip(uint64(len(content))); pad > 0 {
		b.buf.Write(make([]byte, pad))
	}
	return b.str(")")
}

func (b *narBuilder) symlink(target string) *narBuilder {
	return b.str("(").str("type").str("symlink").str("target").str(target).str(")")
}

func TestUnpackNarSingleFile(t *testing.T) {
	var b narBuilder
	b.str(narMagic)
	b.regularFile("hello world")

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, UnpackNar(bytes.NewReader(b.buf.Bytes()), dest))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestUnpackNarDirectoryTree(t *testing.T) {
	var b narBuilder
	b.str(narMagic)
	b.str("(").str("type").str("directory")
	b.str("entry").str("(").str("name").str("a").str("node")
	b.regularFile("A")
	b.str(")")
	b.str("entry").str("(").str("name").str("link").str("node")
	b.symlink("a")
	b.str(")")
	b.str("entry").str("(").str("name").str("sub").str("node")
	b.str("(").str("type").str("directory")
	b.str("entry").str("(").str("name").str("b").str("node")
	b.regularFile("B content that is definitely longer than eight bytes")
	b.str(")")
	b.str(")") // end sub directory
	b.str(")") // end root directory

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, UnpackNar(bytes.NewReader(b.buf.Bytes()), dest))

	content, err := os.ReadFile(filepath.Join(dest, "a"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(content))

	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a", target)

	content, err = os.ReadFile(filepath.Join(dest, "sub", "b"))
	require.NoError(t, err)
	assert.Equal(t, "B content that is definitely longer than eight bytes", string(content))
}

func TestUnpackNarRejectsBadMagic(t *testing.T) {
	var b narBuilder
	b.str("not-a-nar")
	err := UnpackNar(bytes.NewReader(b.buf.Bytes()), filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
}

func TestUnpackNarExecutableBit(t *testing.T) {
	var b narBuilder
	b.str(narMagic)
	b.str("(").str("type").str("regular").str("executable").str("").str("contents")
	content := "#!/bin/sh\necho hi\n"
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(content)))
	b.buf.Write(lenBuf[:])
	b.buf.WriteString(content)
	if pad := paddedSkip(uint64(len(content))); pad > 0 {
		b.buf.Write(make([]byte, pad))
	}
	b.str(")")

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, UnpackNar(bytes.NewReader(b.buf.Bytes()), dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)
}
