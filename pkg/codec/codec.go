// Package codec dispatches the NAR/export compression codecs named in the
// narinfo "compression" field (spec §3, §6) to concrete implementations.
package codec

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// Type identifies a compression codec by its narinfo/COMPRESSION_TYPE name.
type Type string

// Supported compression types, matching the enum in spec §3.
const (
	None  Type = "none"
	Xz    Type = "xz"
	Bzip2 Type = "bzip2"
	Gzip  Type = "gzip"
	Zstd  Type = "zstd"
	Lz4   Type = "lz4"
	Brotli Type = "br"
	Lzip  Type = "lzip"
)

// ErrUnsupportedCodec is returned for a compression name with no implementation.
var ErrUnsupportedCodec = errors.New("unsupported compression codec")

// Normalize maps narinfo's historical aliases ("xzip", "bz2", "gz") onto the canonical Type.
func Normalize(s string) Type {
	switch s {
	case "", "none":
		return None
	case "xz", "xzip":
		return Xz
	case "bzip2", "bz2":
		return Bzip2
	case "gzip", "gz":
		return Gzip
	case "zstd", "zst":
		return Zstd
	case "lz4":
		return Lz4
	case "br", "brotli":
		return Brotli
	case "lzip":
		return Lzip
	default:
		return Type(s)
	}
}

// Decompress returns a reader that decodes data compressed with typ.
func Decompress(typ Type, r io.Reader) (io.Reader, error) {
	switch typ {
	case None, "":
		return r, nil
	case Xz:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error creating xz reader: %w", err)
		}

		return zr, nil
	case Bzip2:
		return bzip2.NewReader(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error creating gzip reader: %w", err)
		}

		return zr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error creating zstd reader: %w", err)
		}

		return zr.IOReadCloser(), nil
	case Lz4:
		return lz4.NewReader(r), nil
	case Brotli:
		return brotli.NewReader(r), nil
	case Lzip:
		zr, err := lzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error creating lzip reader: %w", err)
		}

		return zr, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, typ)
	}
}

// Compress returns data compressed with typ. Bzip2 has no writer in the pack
// (see DESIGN.md); requesting it returns ErrUnsupportedCodec.
func Compress(typ Type, data []byte) ([]byte, error) {
	var buf bytes.Buffer

	switch typ {
	case None, "":
		return data, nil
	case Xz:
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("error creating xz writer: %w", err)
		}

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("error writing xz stream: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("error closing xz writer: %w", err)
		}
	case Gzip:
		w := gzip.NewWriter(&buf)

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("error writing gzip stream: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("error closing gzip writer: %w", err)
		}
	case Zstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("error creating zstd writer: %w", err)
		}

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("error writing zstd stream: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("error closing zstd writer: %w", err)
		}
	case Lz4:
		w := lz4.NewWriter(&buf)

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("error writing lz4 stream: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("error closing lz4 writer: %w", err)
		}
	case Brotli:
		w := brotli.NewWriter(&buf)

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("error writing brotli stream: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("error closing brotli writer: %w", err)
		}
	case Lzip:
		w := lzip.NewWriter(&buf)

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("error writing lzip stream: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("error closing lzip writer: %w", err)
		}
	case Bzip2:
		return nil, fmt.Errorf("%w: bzip2 encoding (decode only)", ErrUnsupportedCodec)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, typ)
	}

	return buf.Bytes(), nil
}

// ContentType returns the HTTP Content-Type used for an import-path or
// upload-nar POST body compressed with typ. The wire protocol (spec §6) always gzips the
// export envelope for /import-path regardless of the NAR-upload codec.
func ContentType(typ Type) string {
	switch typ {
	case Gzip, "":
		return "application/x-gzip"
	default:
		return "application/octet-stream"
	}
}
