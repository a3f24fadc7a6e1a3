// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"errors"
	"testing"
)

// stubPlugin is a Plugin with fixed identity and no working capture.
type stubPlugin struct {
	name  string
	codec Codec
	rank  Rank
}

func (p *stubPlugin) Name() string { return p.name }
func (p *stubPlugin) Codec() Codec { return p.codec }
func (p *stubPlugin) Rank() Rank   { return p.rank }
func (p *stubPlugin) NewCapture() (FrameCapture, error) {
	return nil, errors.New("stub plugin has no capture")
}

func TestSelect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		plugins  []*stubPlugin
		accepted CodecSet
		want     string
		wantNone bool
	}{
		{
			name: "single match",
			plugins: []*stubPlugin{
				{name: "mjpeg", codec: CodecMJPEG, rank: 10},
			},
			accepted: NewCodecSet(CodecMJPEG),
			want:     "mjpeg",
		},
		{
			name: "highest rank wins",
			plugins: []*stubPlugin{
				{name: "fallback", codec: CodecMJPEG, rank: RankFallback},
				{name: "tuned", codec: CodecMJPEG, rank: RankSoftware},
			},
			accepted: NewCodecSet(CodecMJPEG),
			want:     "tuned",
		},
		{
			name: "rank beats registration order",
			plugins: []*stubPlugin{
				{name: "hw-h264", codec: CodecH264, rank: RankHardware},
				{name: "sw-mjpeg", codec: CodecMJPEG, rank: RankSoftware},
			},
			accepted: NewCodecSet(CodecMJPEG, CodecH264),
			want:     "hw-h264",
		},
		{
			name: "tie breaks to first registered",
			plugins: []*stubPlugin{
				{name: "first", codec: CodecVP8, rank: RankSoftware},
				{name: "second", codec: CodecVP8, rank: RankSoftware},
			},
			accepted: NewCodecSet(CodecVP8),
			want:     "first",
		},
		{
			name: "codec filter excludes higher rank",
			plugins: []*stubPlugin{
				{name: "hw-h264", codec: CodecH264, rank: RankHardware},
				{name: "sw-mjpeg", codec: CodecMJPEG, rank: RankSoftware},
			},
			accepted: NewCodecSet(CodecMJPEG),
			want:     "sw-mjpeg",
		},
		{
			name: "dont-use rank is skipped",
			plugins: []*stubPlugin{
				{name: "probed-out", codec: CodecMJPEG, rank: RankDontUse},
			},
			accepted: NewCodecSet(CodecMJPEG),
			wantNone: true,
		},
		{
			name: "empty accepted set",
			plugins: []*stubPlugin{
				{name: "mjpeg", codec: CodecMJPEG, rank: RankSoftware},
			},
			accepted: NewCodecSet(),
			wantNone: true,
		},
		{
			name:     "empty registry",
			accepted: NewCodecSet(CodecMJPEG),
			wantNone: true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			registry := NewRegistry()
			for _, plugin := range test.plugins {
				registry.Register(plugin)
			}
			selected, err := registry.Select(test.accepted)
			if test.wantNone {
				if !errors.Is(err, ErrNoPlugin) {
					t.Fatalf("Select error = %v, want ErrNoPlugin", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if selected.Name() != test.want {
				t.Errorf("Select = %s, want %s", selected.Name(), test.want)
			}
		})
	}
}

// Selection is deterministic: repeated queries against the same
// registry return the same plugin.
func TestSelectDeterministic(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	registry.Register(&stubPlugin{name: "a", codec: CodecMJPEG, rank: RankSoftware})
	registry.Register(&stubPlugin{name: "b", codec: CodecMJPEG, rank: RankSoftware})
	registry.Register(&stubPlugin{name: "c", codec: CodecMJPEG, rank: RankFallback})

	accepted := NewCodecSet(CodecMJPEG)
	first, err := registry.Select(accepted)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := registry.Select(accepted)
		if err != nil {
			t.Fatalf("Select on iteration %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("Select returned %s after returning %s", again.Name(), first.Name())
		}
	}
}

func TestNewCodecSetDeduplicates(t *testing.T) {
	t.Parallel()
	set := NewCodecSet(CodecMJPEG, CodecMJPEG, CodecVP8, CodecMJPEG)
	if len(set) != 2 {
		t.Errorf("set has %d entries, want 2", len(set))
	}
	if !set.Contains(CodecMJPEG) || !set.Contains(CodecVP8) {
		t.Errorf("set %v missing expected members", set)
	}
}

func TestCodecSetString(t *testing.T) {
	t.Parallel()
	set := NewCodecSet(CodecH264, CodecMJPEG)
	if got := set.String(); got != "mjpeg,h264" {
		t.Errorf("String() = %q, want %q", got, "mjpeg,h264")
	}
	if got := NewCodecSet().String(); got != "" {
		t.Errorf("empty set String() = %q, want empty", got)
	}
}

var _ Plugin = (*stubPlugin)(nil)
