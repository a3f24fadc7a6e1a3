// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

// Package device provides the exclusively-owned handle to the
// virtio-serial stream device shared by the capture session and any
// companion writer (such as a cursor forwarder).
//
// The port is the only resource touched by more than one goroutine, so
// it carries the mutual-exclusion discipline for the whole agent: every
// read-or-write sequence that must stay contiguous on the wire — a
// header plus its body, or a command read plus its immediate reply —
// runs under a single lock acquisition. Interleaving two logical
// messages on the wire is a protocol-breaking bug, and the lock is the
// only thing preventing it. The lock must never be held across a
// capture call, which can block for the duration of an entire frame.
package device

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Port is a thread-safe handle to the stream device. It is created
// once at startup and shared, never copied, by everything that reads
// or writes the device.
type Port struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens the stream device at path for reading and writing.
// path is typically a virtio-serial character device such as
// /dev/virtio-ports/org.spice-space.stream.0.
func Open(path string) (*Port, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening stream device: %w", err)
	}
	return &Port{file: file}, nil
}

// NewPort wraps an already-open device file. Used when the device fd
// is inherited from a supervisor, and by tests that substitute a pipe.
func NewPort(file *os.File) *Port {
	return &Port{file: file}
}

// Close closes the underlying device. Any blocked reads or writes
// return errors.
func (p *Port) Close() error {
	return p.file.Close()
}

// Poll reports whether the device has bytes available to read.
// timeout < 0 blocks until the device is readable; timeout == 0 polls
// without blocking. A benign interrupt during the wait (EINTR) reports
// nothing to read so the caller's loop can observe its cancellation
// flag and retry.
//
// Poll does not consume bytes and takes no lock.
func (p *Port) Poll(timeout time.Duration) (bool, error) {
	pollFds := []unix.PollFd{{Fd: int32(p.file.Fd()), Events: unix.POLLIN}}
	timeoutMs := -1
	if timeout >= 0 {
		timeoutMs = int(timeout.Milliseconds())
	}
	n, err := unix.Poll(pollFds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("poll stream device: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	// POLLHUP counts as readable: the next read returns the transport
	// error instead of this loop spinning on a dead device.
	return pollFds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0, nil
}

// Exclusive runs fn with the port locked, passing a view that reads
// and writes the device directly. Everything fn does forms one
// contiguous sequence on the wire. Used for command dispatch, where
// the header read, the body read, and any immediate reply must not be
// interleaved with frame or companion writes.
//
// fn must not block on anything other than the device itself.
func (p *Port) Exclusive(fn func(rw io.ReadWriter) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p.file)
}

// WriteBuffers writes the given buffers back to back as one locked
// sequence. A message header and its body are passed as separate
// buffers and are guaranteed to land adjacent on the wire.
func (p *Port) WriteBuffers(buffers ...[]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, buffer := range buffers {
		if _, err := p.file.Write(buffer); err != nil {
			return fmt.Errorf("write stream device: %w", err)
		}
	}
	return nil
}
