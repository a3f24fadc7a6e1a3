// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

package framelog

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the frame dump stream compression. The tag
// byte is stored in the dump file header — these values are format
// constants, changing them breaks existing dumps.
type Compression uint8

const (
	// CompressionNone writes records uncompressed. Appropriate when
	// frames are already-compressed video (MJPEG, H.264) and the dump
	// includes data.
	CompressionNone Compression = 0

	// CompressionLZ4 applies LZ4 framing. Fast default when dumping
	// metadata-only records at high frame rates.
	CompressionLZ4 Compression = 1

	// CompressionZstd applies zstd at its default level. Best ratio
	// for long recording sessions.
	CompressionZstd Compression = 2
)

// String returns the compression name as accepted by ParseCompression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown frame dump compression %q (want none, lz4, or zstd)", name)
	}
}

// newWriter wraps w in the compressor for c. Returns nil for
// CompressionNone: the caller writes to w directly.
func (c Compression) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nil, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unknown compression tag %d", uint8(c))
	}
}

// NewReader wraps r in the decompressor for c. Used by offline dump
// tooling and tests. Returns r unchanged for CompressionNone.
func (c Compression) NewReader(r io.Reader) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("initializing zstd reader: %w", err)
		}
		return decoder.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", uint8(c))
	}
}
