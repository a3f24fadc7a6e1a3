// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Codec identifies a video encoding format on the device protocol.
// The values are wire constants shared with the hypervisor-side
// consumer — changing them breaks protocol compatibility.
type Codec uint8

const (
	CodecMJPEG Codec = 1
	CodecVP8   Codec = 2
	CodecH264  Codec = 3
	CodecVP9   Codec = 4
	CodecH265  Codec = 5
)

// String returns the human-readable codec name.
func (c Codec) String() string {
	switch c {
	case CodecMJPEG:
		return "mjpeg"
	case CodecVP8:
		return "vp8"
	case CodecH264:
		return "h264"
	case CodecVP9:
		return "vp9"
	case CodecH265:
		return "h265"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// CodecSet is an unordered, deduplicated set of codec identifiers the
// peer is willing to accept.
type CodecSet map[Codec]struct{}

// NewCodecSet builds a CodecSet from raw codec identifiers, dropping
// duplicates.
func NewCodecSet(ids ...Codec) CodecSet {
	set := make(CodecSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// Contains reports whether c is a member of the set.
func (s CodecSet) Contains(c Codec) bool {
	_, ok := s[c]
	return ok
}

// String returns the sorted, comma-separated codec names. Used in log
// output.
func (s CodecSet) String() string {
	ids := make([]int, 0, len(s))
	for id := range s {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = Codec(id).String()
	}
	return strings.Join(names, ",")
}

// Rank is a relative preference score for a capture plugin. Higher is
// preferred. The bands leave room for plugins to position themselves
// relative to the built-ins.
type Rank uint32

const (
	// RankDontUse marks a plugin that is present but must never be
	// selected (e.g., its backend probed as unavailable).
	RankDontUse Rank = 0

	// RankFallback is the lowest usable rank, for software encoders
	// that work everywhere but perform poorly.
	RankFallback Rank = 1

	// RankSoftware is the base rank for tuned software encoders.
	RankSoftware Rank = 1000

	// RankHardware is the base rank for hardware-assisted encoders.
	RankHardware Rank = 2000
)

// Frame is one encoded image unit produced by a capture backend.
type Frame struct {
	// Data is the encoded frame. Owned by the backend; valid until
	// the next CaptureFrame call.
	Data []byte

	// Width and Height are the pixel dimensions of the frame.
	Width  uint32
	Height uint32

	// StreamStart marks the first frame of a (re)started stream. The
	// session must send a format message before transmitting it.
	StreamStart bool
}

// FrameCapture produces encoded frames. Instances are created per
// stream segment and exclusively owned by the capture session until
// Close.
type FrameCapture interface {
	// CaptureFrame blocks until the next frame is available. The
	// context cancels a capture in progress; implementations should
	// return ctx.Err() promptly when it fires.
	CaptureFrame(ctx context.Context) (Frame, error)

	// Codec reports the encoding this capture produces.
	Codec() Codec

	// Close releases the backend resources. No CaptureFrame calls may
	// follow.
	Close() error
}

// Plugin is a registered capture backend factory.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string

	// Codec reports the encoding produced by captures from this
	// plugin.
	Codec() Codec

	// Rank reports the plugin's selection preference. Plugins ranked
	// RankDontUse are never selected.
	Rank() Rank

	// NewCapture creates a capture instance. Called once per stream
	// segment, after the plugin wins selection.
	NewCapture() (FrameCapture, error)
}
