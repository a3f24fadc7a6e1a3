// Copyright 2026 The Virtstream Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"
)

func pipe(t *testing.T) (readEnd, writeEnd *os.File) {
	t.Helper()
	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		readEnd.Close()
		writeEnd.Close()
	})
	return readEnd, writeEnd
}

func TestPoll(t *testing.T) {
	t.Parallel()
	readEnd, writeEnd := pipe(t)
	port := NewPort(readEnd)

	readable, err := port.Poll(0)
	if err != nil {
		t.Fatalf("Poll on empty pipe: %v", err)
	}
	if readable {
		t.Error("Poll reported readable on an empty pipe")
	}

	if _, err := writeEnd.Write([]byte{0x42}); err != nil {
		t.Fatalf("priming write: %v", err)
	}
	readable, err = port.Poll(time.Second)
	if err != nil {
		t.Fatalf("Poll after write: %v", err)
	}
	if !readable {
		t.Error("Poll did not report pending byte")
	}

	// The byte is still there: Poll must not consume.
	var buffer [1]byte
	if _, err := io.ReadFull(readEnd, buffer[:]); err != nil {
		t.Fatalf("reading primed byte: %v", err)
	}
	if buffer[0] != 0x42 {
		t.Errorf("read %#x, want 0x42", buffer[0])
	}
}

func TestPollReportsClosedPeer(t *testing.T) {
	t.Parallel()
	readEnd, writeEnd := pipe(t)
	port := NewPort(readEnd)
	writeEnd.Close()

	readable, err := port.Poll(time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !readable {
		t.Error("Poll did not report a hung-up pipe as readable")
	}
}

// Interleaving concurrent writers under WriteBuffers must never split
// one logical message: every header must be followed by its own body
// bytes on the wire.
func TestWriteBuffersNoInterleave(t *testing.T) {
	t.Parallel()
	const (
		writers           = 4
		messagesPerWriter = 200
	)

	readEnd, writeEnd := pipe(t)
	port := NewPort(writeEnd)

	type result struct {
		messages int
		err      error
	}
	results := make(chan result, 1)

	// Reader: parse [1 byte writer id][4 byte length][body] messages
	// and verify every body byte matches its header's writer id.
	go func() {
		reader := bufio.NewReader(readEnd)
		count := 0
		for {
			var header [5]byte
			if _, err := io.ReadFull(reader, header[:]); err != nil {
				if err == io.EOF {
					results <- result{messages: count}
				} else {
					results <- result{err: err}
				}
				return
			}
			writerID := header[0]
			length := binary.LittleEndian.Uint32(header[1:5])
			body := make([]byte, length)
			if _, err := io.ReadFull(reader, body); err != nil {
				results <- result{err: err}
				return
			}
			for _, b := range body {
				if b != writerID {
					results <- result{err: fmt.Errorf("writer %d message carries byte %d", writerID, b)}
					return
				}
			}
			count++
		}
	}()

	var group sync.WaitGroup
	for id := 0; id < writers; id++ {
		group.Add(1)
		go func(writerID byte) {
			defer group.Done()
			for n := 0; n < messagesPerWriter; n++ {
				// Vary the body length so lock violations shear.
				body := make([]byte, 1+(n%97))
				for i := range body {
					body[i] = writerID
				}
				header := make([]byte, 5)
				header[0] = writerID
				binary.LittleEndian.PutUint32(header[1:5], uint32(len(body)))
				if err := port.WriteBuffers(header, body); err != nil {
					t.Errorf("writer %d: %v", writerID, err)
					return
				}
			}
		}(byte(id + 1))
	}
	group.Wait()
	writeEnd.Close()

	got := <-results
	if got.err != nil {
		t.Fatalf("reader found interleaved message: %v", got.err)
	}
	if got.messages != writers*messagesPerWriter {
		t.Errorf("reader saw %d messages, want %d", got.messages, writers*messagesPerWriter)
	}
}

// Exclusive sequences (read plus reply) must also exclude concurrent
// WriteBuffers calls.
func TestExclusiveBlocksWriters(t *testing.T) {
	t.Parallel()
	_, writeEnd := pipe(t)
	port := NewPort(writeEnd)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		port.Exclusive(func(io.ReadWriter) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	written := make(chan struct{})
	go func() {
		port.WriteBuffers([]byte{1})
		close(written)
	}()

	select {
	case <-written:
		t.Fatal("WriteBuffers completed while Exclusive held the port")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-written:
	case <-time.After(time.Second):
		t.Fatal("WriteBuffers never completed after Exclusive released the port")
	}
}
