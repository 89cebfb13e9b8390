package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const narMagic = "nix-archive-1"

// narReader decodes the Nix Archive format: a self-describing,
// 8-byte-aligned token stream that serializes a single file, symlink,
// or directory tree. This is a from-scratch Go decoder rather than a
// wrapper around the `nix-store --restore` binary: the server must
// run without a Nix installation available.
type narReader struct {
	r *bufio.Reader
}

// UnpackNar decodes a NAR stream from r and materializes it at
// destination, which must not already exist.
func UnpackNar(r io.Reader, destination string) error {
	nr := &narReader{r: bufio.NewReaderSize(r, 64*1024)}
	magic, err := nr.readString()
	if err != nil {
		return fmt.Errorf("reading nar magic: %w", err)
	}
	if magic != narMagic {
		return fmt.Errorf("not a nix archive: got magic %q", magic)
	}
	return nr.readNode(destination)
}

func (nr *narReader) readString() (string, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(nr.r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(nr.r, buf); err != nil {
		return "", err
	}
	if pad := paddedSkip(n); pad > 0 {
		if _, err := io.CopyN(io.Discard, nr.r, pad); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func paddedSkip(n uint64) int64 {
	return int64((8 - n%8) % 8)
}

func (nr *narReader) expect(want string) error {
	got, err := nr.readString()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("nar: expected %q, got %q", want, got)
	}
	return nil
}

func (nr *narReader) readNode(path string) error {
	if err := nr.expect("("); err != nil {
		return fmt.Errorf("nar: starting node at %s: %w", path, err)
	}
	if err := nr.expect("type"); err != nil {
		return err
	}
	typ, err := nr.readString()
	if err != nil {
		return err
	}
	switch typ {
	case "regular":
		return nr.readRegular(path)
	case "symlink":
		return nr.readSymlink(path)
	case "directory":
		return nr.readDirectory(path)
	default:
		return fmt.Errorf("nar: unknown node type %q at %s", typ, path)
	}
}

func (nr *narReader) readRegular(path string) error {
	tok, err := nr.readString()
	if err != nil {
		return err
	}
	executable := false
	if tok == "executable" {
		if err := nr.expect(""); err != nil {
			return err
		}
		executable = true
		if tok, err = nr.readString(); err != nil {
			return err
		}
	}
	if tok != "contents" {
		return fmt.Errorf("nar: expected %q, got %q at %s", "contents", tok, path)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(nr.r, lenBuf[:]); err != nil {
		return err
	}
	size := binary.LittleEndian.Uint64(lenBuf[:])

	mode := os.FileMode(0o444)
	if executable {
		mode = 0o555
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("nar: creating %s: %w", path, err)
	}
	if _, err := io.CopyN(f, nr.r, int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("nar: writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if pad := paddedSkip(size); pad > 0 {
		if _, err := io.CopyN(io.Discard, nr.r, pad); err != nil {
			return err
		}
	}
	return nr.expect(")")
}

func (nr *narReader) readSymlink(path string) error {
	if err := nr.expect("target"); err != nil {
		return err
	}
	target, err := nr.readString()
	if err != nil {
		return err
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("nar: symlinking %s: %w", path, err)
	}
	return nr.expect(")")
}

func (nr *narReader) readDirectory(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("nar: creating directory %s: %w", path, err)
	}
	for {
		tok, err := nr.readString()
		if err != nil {
			return err
		}
		switch tok {
		case ")":
			return nil
		case "entry":
			if err := nr.expect("("); err != nil {
				return err
			}
			if err := nr.expect("name"); err != nil {
				return err
			}
			name, err := nr.readString()
			if err != nil {
				return err
			}
			if err := nr.expect("node"); err != nil {
				return err
			}
			if err := nr.readNode(filepath.Join(path, name)); err != nil {
				return err
			}
			if err := nr.expect(")"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("nar: unexpected directory token %q at %s", tok, path)
		}
	}
}
