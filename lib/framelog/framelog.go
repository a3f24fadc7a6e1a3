// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Package framelog implements the agent's optional capture diagnostics:
// timestamped stat lines to a log file, and a binary frame dump that
// records every transmitted frame as a CBOR record in a compressed
// side file. The dump lets an operator replay or inspect exactly what
// the agent sent without attaching a debugger to the hypervisor side.
//
// A nil *Log is valid and discards everything, so call sites do not
// branch on whether diagnostics are configured.
package framelog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/virtstream/virtstream/lib/capture"
	"github.com/virtstream/virtstream/lib/clock"
)

// dumpMagic opens a frame dump file, followed by one compression tag
// byte. The remainder of the file is a stream of CBOR frame records
// under that compression.
var dumpMagic = [4]byte{'V', 'S', 'F', 'D'}

// encMode encodes dump records with Core Deterministic Encoding so the
// same frame always produces identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("framelog: CBOR encoder initialization failed: " + err.Error())
	}
}

// Options configures a Log.
type Options struct {
	// Path is the stat log file. Empty disables the log entirely.
	Path string

	// LogFrames enables the binary frame dump, written next to the
	// stat log at Path + ".frames".
	LogFrames bool

	// IncludeData embeds the raw encoded frame bytes in each dump
	// record. Without it, records carry dimensions and a BLAKE3
	// digest only, which is enough to correlate and deduplicate.
	IncludeData bool

	// Compression selects the dump stream compression.
	Compression Compression
}

// FrameRecord is one entry in the frame dump stream. Exported so
// offline tools can decode dumps with the same type.
type FrameRecord struct {
	// TimeMicros is the capture timestamp in microseconds since the
	// Unix epoch.
	TimeMicros int64 `cbor:"time_us"`

	// Sequence numbers records within one agent run, starting at 1.
	Sequence uint64 `cbor:"sequence"`

	Codec  uint8  `cbor:"codec"`
	Width  uint32 `cbor:"width"`
	Height uint32 `cbor:"height"`

	// Length is the encoded frame size in bytes, recorded even when
	// Data is omitted.
	Length uint32 `cbor:"length"`

	// Digest is the BLAKE3 digest of the frame bytes.
	Digest []byte `cbor:"digest"`

	// StreamStart marks the first frame of a stream segment.
	StreamStart bool `cbor:"stream_start"`

	// Data is the raw encoded frame, present only when the dump was
	// written with IncludeData.
	Data []byte `cbor:"data,omitempty"`
}

// Log writes capture diagnostics. Safe for concurrent use; the session
// loop and a companion writer may both log.
type Log struct {
	clk clock.Clock

	mu          sync.Mutex
	file        *os.File
	sequence    uint64
	includeData bool

	// Frame dump stream, nil when LogFrames is off. compressor is
	// nil for CompressionNone, where records go straight to dumpFile.
	dumpFile   *os.File
	compressor io.WriteCloser
	encoder    *cbor.Encoder
}

// New opens a Log with the given options. Returns (nil, nil) when
// options.Path is empty — the nil Log discards everything.
func New(options Options, clk clock.Clock) (*Log, error) {
	if options.Path == "" {
		return nil, nil
	}
	file, err := os.OpenFile(options.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening frame log: %w", err)
	}
	log := &Log{
		clk:         clk,
		file:        file,
		includeData: options.IncludeData,
	}
	if options.LogFrames {
		if err := log.openDump(options.Path+".frames", options.Compression); err != nil {
			file.Close()
			return nil, err
		}
	}
	return log, nil
}

func (l *Log) openDump(path string, compression Compression) error {
	dumpFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening frame dump: %w", err)
	}
	header := append(dumpMagic[:], byte(compression))
	if _, err := dumpFile.Write(header); err != nil {
		dumpFile.Close()
		return fmt.Errorf("writing frame dump header: %w", err)
	}
	compressor, err := compression.newWriter(dumpFile)
	if err != nil {
		dumpFile.Close()
		return fmt.Errorf("initializing frame dump compression: %w", err)
	}
	l.dumpFile = dumpFile
	l.compressor = compressor
	if compressor != nil {
		l.encoder = encMode.NewEncoder(compressor)
	} else {
		l.encoder = encMode.NewEncoder(dumpFile)
	}
	return nil
}

// Stat writes one timestamped line to the stat log. No-op on a nil or
// dump-only Log.
func (l *Log) Stat(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	timestamp := l.clk.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(l.file, "%s %s\n", timestamp, fmt.Sprintf(format, args...))
}

// Frame appends one record to the frame dump. No-op on a nil Log or
// when the dump is not enabled. Encoding failures are reported on the
// stat log rather than propagated: diagnostics must never take down
// the stream.
func (l *Log) Frame(frame capture.Frame, codec capture.Codec) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.encoder == nil {
		return
	}
	l.sequence++
	digest := blake3.Sum256(frame.Data)
	record := FrameRecord{
		TimeMicros:  l.clk.Now().UnixMicro(),
		Sequence:    l.sequence,
		Codec:       uint8(codec),
		Width:       frame.Width,
		Height:      frame.Height,
		Length:      uint32(len(frame.Data)),
		Digest:      digest[:],
		StreamStart: frame.StreamStart,
	}
	if l.includeData {
		record.Data = frame.Data
	}
	if err := l.encoder.Encode(record); err != nil {
		timestamp := l.clk.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
		fmt.Fprintf(l.file, "%s frame dump write failed: %v\n", timestamp, err)
	}
}

// Close flushes and closes the log files. Safe on a nil Log.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	if l.compressor != nil {
		if err := l.compressor.Close(); err != nil {
			firstErr = fmt.Errorf("closing frame dump compressor: %w", err)
		}
	}
	if l.dumpFile != nil {
		if err := l.dumpFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing frame dump: %w", err)
		}
	}
	if err := l.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing frame log: %w", err)
	}
	return firstErr
}
