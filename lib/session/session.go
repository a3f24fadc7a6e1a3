// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the agent's control loop: it waits for a
// start request from the peer, selects a capture backend for the
// negotiated codec set, and streams frames while interleaving
// non-blocking command polls so stop requests and error notifications
// are observed without stalling frame delivery.
//
// The loop is single-threaded and cooperative. All protocol and
// capture state lives in the Session struct; cancellation comes from
// the context, observed at every iteration boundary. The only shared
// resource is the device port, whose locking contract makes the
// optional companion writer (cursor forwarding and the like) safe to
// run concurrently.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/virtstream/virtstream/lib/capture"
	"github.com/virtstream/virtstream/lib/device"
	"github.com/virtstream/virtstream/lib/framelog"
	"github.com/virtstream/virtstream/lib/streamproto"
)

// State names the control loop's position for logs.
type State int

const (
	// StateIdle: not streaming, no active capture, blocking on the
	// next command.
	StateIdle State = iota

	// StateNegotiating: start requested, selecting and creating a
	// capture.
	StateNegotiating

	// StateStreaming: capture active, frames flowing.
	StateStreaming

	// StateShuttingDown: process exit requested.
	StateShuttingDown
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Companion is an independent writer sharing the device port with the
// session, such as a cursor-shape forwarder. It runs on its own
// goroutine for the lifetime of the session and must perform every
// write through the port's locked primitives.
type Companion func(ctx context.Context, port *device.Port)

// Option configures a Session.
type Option func(*Session)

// WithFrameLog attaches capture diagnostics.
func WithFrameLog(log *framelog.Log) Option {
	return func(s *Session) { s.frameLog = log }
}

// WithCompanion attaches a concurrent companion writer.
func WithCompanion(companion Companion) Option {
	return func(s *Session) { s.companion = companion }
}

// WithPollInterval overrides the granularity of the blocking command
// wait. The wait polls the device at this interval so context
// cancellation is observed between polls. Tests shrink it.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Session) { s.pollInterval = interval }
}

// Session is the capture session state machine. Create one per
// process; Run drives it until cancellation or a fatal error.
type Session struct {
	port     *device.Port
	registry *capture.Registry
	logger   *slog.Logger

	frameLog     *framelog.Log
	companion    Companion
	pollInterval time.Duration

	state      State
	streaming  bool
	codecs     capture.CodecSet
	frameCount uint64
}

// New creates a session over an open device port.
func New(port *device.Port, registry *capture.Registry, logger *slog.Logger, options ...Option) *Session {
	s := &Session{
		port:         port,
		registry:     registry,
		logger:       logger,
		pollInterval: time.Second,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Run drives the session until ctx is cancelled (returns nil) or a
// fatal error occurs: a transport failure on read, a protocol
// violation, or a start request no registered plugin can serve. A
// transport failure while writing a frame is not fatal — the session
// releases the capture and returns to waiting for the next start
// request.
func (s *Session) Run(ctx context.Context) error {
	if s.companion != nil {
		go s.companion(ctx, s.port)
	}
	defer s.setState(StateShuttingDown)

	for {
		for !s.streaming {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.readCommand(ctx, true); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := s.streamOnce(ctx); err != nil {
			return err
		}
	}
}

// streamOnce serves one stream segment: select a capture for the
// negotiated codecs, pump frames until streaming stops, release the
// capture.
func (s *Session) streamOnce(ctx context.Context) error {
	s.setState(StateNegotiating)
	plugin, err := s.registry.Select(s.codecs)
	if err != nil {
		return fmt.Errorf("negotiating stream: %w", err)
	}
	frameCapture, err := plugin.NewCapture()
	if err != nil {
		return fmt.Errorf("creating %s capture: %w", plugin.Name(), err)
	}
	s.logger.Info("streaming starts",
		"plugin", plugin.Name(),
		"codec", frameCapture.Codec().String())

	s.setState(StateStreaming)
	err = s.stream(ctx, frameCapture)
	if closeErr := frameCapture.Close(); closeErr != nil {
		s.logger.Warn("closing capture", "error", closeErr)
	}
	s.setState(StateIdle)
	return err
}

// stream pumps frames until streaming is stopped, the context is
// cancelled, a write fails, or the backend fails. The first frame
// after (re)entering streaming — and any frame the backend marks as a
// stream start — is preceded by a format message.
func (s *Session) stream(ctx context.Context, frameCapture capture.FrameCapture) error {
	for ctx.Err() == nil && s.streaming {
		frame, err := frameCapture.CaptureFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("capture failed, stopping stream", "error", err)
			s.streaming = false
			return nil
		}
		s.frameCount++
		if s.frameCount%100 == 0 {
			s.logger.Debug("frames sent", "count", s.frameCount)
		}

		if frame.StreamStart {
			s.logger.Debug("stream start boundary",
				"width", frame.Width,
				"height", frame.Height,
				"codec", frameCapture.Codec().String())
			s.frameLog.Stat("stream start %dx%d codec=%s", frame.Width, frame.Height, frameCapture.Codec())
			format := streamproto.EncodeFormat(frame.Width, frame.Height, frameCapture.Codec())
			if err := s.port.WriteBuffers(format); err != nil {
				s.logger.Error("format write failed, stopping stream", "error", err)
				s.streaming = false
				return nil
			}
		}

		s.frameLog.Frame(frame, frameCapture.Codec())
		dataHeader := streamproto.EncodeDataHeader(uint32(len(frame.Data)))
		if err := s.port.WriteBuffers(dataHeader, frame.Data); err != nil {
			s.logger.Error("frame write failed, stopping stream", "error", err)
			s.streaming = false
			return nil
		}
		s.frameLog.Stat("sent frame %d: %d bytes", s.frameCount, len(frame.Data))

		// Drain at most one pending command so a stop or error
		// notification is observed without stalling frame delivery.
		if err := s.readCommand(ctx, false); err != nil {
			return err
		}
	}
	return nil
}

// readCommand polls the device and dispatches one command if a
// message is pending. In blocking mode it waits for the next command,
// polling at pollInterval granularity so ctx cancellation is observed
// between waits. In non-blocking mode it returns immediately when
// nothing is pending.
func (s *Session) readCommand(ctx context.Context, blocking bool) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		var timeout time.Duration
		if blocking {
			timeout = s.pollInterval
		}
		readable, err := s.port.Poll(timeout)
		if err != nil {
			return err
		}
		if readable {
			return s.dispatchCommand()
		}
		if !blocking {
			return nil
		}
	}
}

// dispatchCommand reads one message under the port lock and applies
// it. The header read, the body read, and any immediate reply form a
// single locked sequence so companion and frame writes cannot
// interleave with them.
func (s *Session) dispatchCommand() error {
	return s.port.Exclusive(func(rw io.ReadWriter) error {
		header, err := streamproto.ReadHeader(rw)
		if err != nil {
			return err
		}
		s.logger.Debug("device command", "type", header.Type.String(), "size", header.Size)

		switch header.Type {
		case streamproto.TypeCapabilities:
			if err := streamproto.ReadCapabilities(rw, header); err != nil {
				return err
			}
			// No extensions supported: acknowledge with an empty
			// bitfield before releasing the port.
			if _, err := rw.Write(streamproto.EncodeCapabilitiesReply()); err != nil {
				return fmt.Errorf("write capabilities reply: %w", err)
			}
			return nil

		case streamproto.TypeNotifyError:
			code, message, err := streamproto.ReadNotifyError(rw, header)
			if err != nil {
				return err
			}
			s.logger.Error("error notification from peer", "code", code, "message", string(message))
			return nil

		case streamproto.TypeStartStop:
			streaming, codecs, err := streamproto.ReadStartStop(rw, header)
			if err != nil {
				return err
			}
			s.streaming = streaming
			s.codecs = codecs
			if streaming {
				s.logger.Info("start requested", "codecs", codecs.String())
			} else {
				s.logger.Info("stop requested")
			}
			return nil

		default:
			return &streamproto.ProtocolError{
				Reason: fmt.Sprintf("unknown message type %d", uint8(header.Type)),
			}
		}
	})
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.logger.Info("session state", "from", s.state.String(), "to", next.String())
	s.state = next
}
