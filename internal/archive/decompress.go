// Package archive unpacks the artifacts substituters hand back: NAR
// streams, optionally compressed with xz or zstd, into a directory
// tree on disk.
package archive

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// DecompressingReader wraps r, transparently decompressing it
// according to name's suffix (.nar.xz, .nar.zst, .nar.zstd, or plain
// .nar / anything else passed through untouched).
func DecompressingReader(r io.Reader, name string) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".xz"):
		zr, err := xz.NewReader(bufio.NewReader(r))
		if err != nil {
			return nil, fmt.Errorf("opening xz stream %s: %w", name, err)
		}
		return zr, nil
	case strings.HasSuffix(name, ".zst"), strings.HasSuffix(name, ".zstd"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream %s: %w", name, err)
		}
		return zr.IOReadCloser(), nil
	default:
		return r, nil
	}
}
