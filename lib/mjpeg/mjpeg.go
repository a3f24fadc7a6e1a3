// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Package mjpeg implements the built-in fallback capture plugin. It
// JPEG-encodes images pulled from an abstract ImageSource at a fixed
// frame rate. The concrete screen grabber is external; this package
// cares only that something can produce an image on demand.
//
// The plugin registers at RankFallback so any tuned or
// hardware-assisted plugin outranks it, matching its role as the
// encoder of last resort.
package mjpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
	"time"

	"github.com/virtstream/virtstream/lib/capture"
	"github.com/virtstream/virtstream/lib/clock"
)

// Settings are the tunables of the fallback encoder.
type Settings struct {
	// FPS is the capture rate, 1 to 100 frames per second.
	FPS int

	// Quality is the JPEG quality, 1 to 100.
	Quality int
}

// DefaultSettings returns the settings used when the operator
// configures nothing: 10 fps at quality 80.
func DefaultSettings() Settings {
	return Settings{FPS: 10, Quality: 80}
}

// Apply overrides settings from agent options. Recognized keys are
// "framerate" and "quality"; unknown keys are ignored so options
// aimed at other plugins pass through.
func (s *Settings) Apply(options map[string]string) error {
	if value, ok := options["framerate"]; ok {
		fps, err := parseBounded(value, 1, 100)
		if err != nil {
			return fmt.Errorf("option framerate: %w", err)
		}
		s.FPS = fps
	}
	if value, ok := options["quality"]; ok {
		quality, err := parseBounded(value, 1, 100)
		if err != nil {
			return fmt.Errorf("option quality: %w", err)
		}
		s.Quality = quality
	}
	return nil
}

func parseBounded(value string, min, max int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", value)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%d is outside %d-%d", n, min, max)
	}
	return n, nil
}

// ImageSource produces the images to encode. Grab blocks until an
// image is available and may be called at most once per frame
// interval.
type ImageSource interface {
	Grab() (image.Image, error)
}

// Plugin is the mjpeg capture plugin. Register it with the capture
// registry at process start.
type Plugin struct {
	source   ImageSource
	settings Settings
	clk      clock.Clock
}

// NewPlugin creates the plugin around an image source.
func NewPlugin(source ImageSource, settings Settings, clk clock.Clock) *Plugin {
	return &Plugin{source: source, settings: settings, clk: clk}
}

func (p *Plugin) Name() string { return "mjpeg-fallback" }

func (p *Plugin) Codec() capture.Codec { return capture.CodecMJPEG }

func (p *Plugin) Rank() capture.Rank { return capture.RankFallback }

// NewCapture creates a paced JPEG capture instance.
func (p *Plugin) NewCapture() (capture.FrameCapture, error) {
	interval := time.Second / time.Duration(p.settings.FPS)
	return &mjpegCapture{
		source:  p.source,
		quality: p.settings.Quality,
		ticker:  p.clk.NewTicker(interval),
	}, nil
}

type mjpegCapture struct {
	source  ImageSource
	quality int
	ticker  *clock.Ticker
	buffer  bytes.Buffer

	started    bool
	lastWidth  int
	lastHeight int
}

// CaptureFrame waits for the next frame interval, grabs an image, and
// JPEG-encodes it. The first frame of the capture's lifetime and any
// frame whose dimensions differ from the previous one are marked as a
// stream start so the session announces the new format.
func (c *mjpegCapture) CaptureFrame(ctx context.Context) (capture.Frame, error) {
	select {
	case <-ctx.Done():
		return capture.Frame{}, ctx.Err()
	case <-c.ticker.C:
	}

	img, err := c.source.Grab()
	if err != nil {
		return capture.Frame{}, fmt.Errorf("grabbing image: %w", err)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	c.buffer.Reset()
	if err := jpeg.Encode(&c.buffer, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return capture.Frame{}, fmt.Errorf("encoding frame: %w", err)
	}

	streamStart := !c.started || width != c.lastWidth || height != c.lastHeight
	c.started = true
	c.lastWidth, c.lastHeight = width, height

	return capture.Frame{
		Data:        c.buffer.Bytes(),
		Width:       uint32(width),
		Height:      uint32(height),
		StreamStart: streamStart,
	}, nil
}

func (c *mjpegCapture) Codec() capture.Codec { return capture.CodecMJPEG }

func (c *mjpegCapture) Close() error {
	c.ticker.Stop()
	return nil
}
