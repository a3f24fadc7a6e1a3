// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

package framelog

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/virtstream/virtstream/lib/capture"
	"github.com/virtstream/virtstream/lib/clock"
)

func TestNilLogDiscards(t *testing.T) {
	t.Parallel()
	var log *Log
	log.Stat("nothing happens")
	log.Frame(capture.Frame{Data: []byte("x")}, capture.CodecMJPEG)
	if err := log.Close(); err != nil {
		t.Fatalf("Close on nil log: %v", err)
	}
}

func TestNewWithoutPathIsNil(t *testing.T) {
	t.Parallel()
	log, err := New(Options{}, clock.Real())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if log != nil {
		t.Fatal("New without a path returned a live log")
	}
}

func TestStatLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.log")
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))

	log, err := New(Options{Path: path}, fake)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Stat("args: %s", "--port /dev/null")
	log.Stat("stream start %dx%d", 640, 480)
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("log has %d lines, want 2: %q", len(lines), content)
	}
	if !strings.HasSuffix(lines[0], "args: --port /dev/null") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "2026-03-14T09:26:53") {
		t.Errorf("second line timestamp = %q", lines[1])
	}
}

func TestFrameDump(t *testing.T) {
	t.Parallel()
	compressions := []Compression{CompressionNone, CompressionLZ4, CompressionZstd}
	for _, compression := range compressions {
		compression := compression
		t.Run(compression.String(), func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "agent.log")
			fake := clock.Fake(time.Unix(1700000000, 0))

			log, err := New(Options{
				Path:        path,
				LogFrames:   true,
				IncludeData: true,
				Compression: compression,
			}, fake)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			frames := []capture.Frame{
				{Data: []byte("first frame"), Width: 320, Height: 200, StreamStart: true},
				{Data: []byte("second frame"), Width: 320, Height: 200},
			}
			for _, frame := range frames {
				log.Frame(frame, capture.CodecMJPEG)
			}
			if err := log.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			records := decodeDump(t, path+".frames", compression)
			if len(records) != len(frames) {
				t.Fatalf("dump has %d records, want %d", len(records), len(frames))
			}
			for i, record := range records {
				frame := frames[i]
				if record.Sequence != uint64(i+1) {
					t.Errorf("record %d sequence = %d, want %d", i, record.Sequence, i+1)
				}
				if !bytes.Equal(record.Data, frame.Data) {
					t.Errorf("record %d data = %q, want %q", i, record.Data, frame.Data)
				}
				if record.Length != uint32(len(frame.Data)) {
					t.Errorf("record %d length = %d, want %d", i, record.Length, len(frame.Data))
				}
				if record.StreamStart != frame.StreamStart {
					t.Errorf("record %d stream_start = %v, want %v", i, record.StreamStart, frame.StreamStart)
				}
				digest := blake3.Sum256(frame.Data)
				if !bytes.Equal(record.Digest, digest[:]) {
					t.Errorf("record %d digest mismatch", i)
				}
			}
		})
	}
}

func TestFrameDumpMetadataOnly(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "agent.log")
	log, err := New(Options{Path: path, LogFrames: true}, clock.Real())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Frame(capture.Frame{Data: bytes.Repeat([]byte{7}, 4096), Width: 64, Height: 64}, capture.CodecVP8)
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records := decodeDump(t, path+".frames", CompressionNone)
	if len(records) != 1 {
		t.Fatalf("dump has %d records, want 1", len(records))
	}
	if records[0].Data != nil {
		t.Errorf("metadata-only record carries %d data bytes", len(records[0].Data))
	}
	if records[0].Length != 4096 {
		t.Errorf("record length = %d, want 4096", records[0].Length)
	}
}

// decodeDump validates the dump header and decodes all records.
func decodeDump(t *testing.T, path string, want Compression) []FrameRecord {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening dump: %v", err)
	}
	defer file.Close()

	var header [5]byte
	if _, err := io.ReadFull(file, header[:]); err != nil {
		t.Fatalf("reading dump header: %v", err)
	}
	if !bytes.Equal(header[:4], dumpMagic[:]) {
		t.Fatalf("dump magic = %q", header[:4])
	}
	if Compression(header[4]) != want {
		t.Fatalf("dump compression tag = %d, want %d", header[4], want)
	}

	reader, err := want.NewReader(file)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	decoder := cbor.NewDecoder(reader)
	var records []FrameRecord
	for {
		var record FrameRecord
		if err := decoder.Decode(&record); err != nil {
			if err == io.EOF {
				return records
			}
			t.Fatalf("decoding record %d: %v", len(records), err)
		}
		records = append(records, record)
	}
}

func TestParseCompression(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input   string
		want    Compression
		wantErr bool
	}{
		{input: "", want: CompressionNone},
		{input: "none", want: CompressionNone},
		{input: "lz4", want: CompressionLZ4},
		{input: "zstd", want: CompressionZstd},
		{input: "gzip", wantErr: true},
	}
	for _, test := range tests {
		got, err := ParseCompression(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseCompression(%q) succeeded, want error", test.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCompression(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseCompression(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}
