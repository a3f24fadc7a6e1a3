// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

package mjpeg

import (
	"image"
	"image/color"
)

// TestPatternSource is an ImageSource producing a moving gradient. It
// exercises the full capture-to-wire pipeline on hosts with no screen
// grabber available (headless CI, protocol debugging against a
// hypervisor consumer).
type TestPatternSource struct {
	width  int
	height int
	phase  uint8
}

// NewTestPatternSource creates a source producing frames of the given
// dimensions.
func NewTestPatternSource(width, height int) *TestPatternSource {
	return &TestPatternSource{width: width, height: height}
}

// Grab renders the next pattern frame. The gradient shifts each call
// so consecutive frames differ visibly.
func (s *TestPatternSource) Grab() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x) + s.phase,
				G: uint8(y) + s.phase,
				B: s.phase,
				A: 0xff,
			})
		}
	}
	s.phase += 3
	return img, nil
}
