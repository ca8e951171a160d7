package provider

import (
	"errors"
	"io"
	"sync"

	"github.com/timmy/genflow/internal/domain"
)

const pumpChunkSize = 4096

// StreamBuffer is an append-only byte buffer fed by a streaming response body.
// Readers poll it by offset and wait on the returned channel for growth.
type StreamBuffer struct {
	mu      sync.Mutex
	data    []byte
	grown   chan struct{}
	done    bool
	err     error
	release func()
}

// BufferRead is a consistent view of the buffer past some offset.
type BufferRead struct {
	Chunk domain.StreamChunk
	// Wait is closed on the next Write or Close after this read.
	Wait <-chan struct{}
	Done bool
	Err  error
}

// NewStreamBuffer creates an empty open buffer.
func NewStreamBuffer() *StreamBuffer {
	return &StreamBuffer{grown: make(chan struct{})}
}

// newTransportBuffer creates a buffer whose Release calls release.
func newTransportBuffer(release func()) *StreamBuffer {
	b := NewStreamBuffer()
	b.release = release
	return b
}

func (b *StreamBuffer) signal() {
	close(b.grown)
	b.grown = make(chan struct{})
}

// Write appends p. Writes after Close are rejected.
func (b *StreamBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return 0, errors.New("stream buffer closed")
	}
	if len(p) == 0 {
		return 0, nil
	}
	b.data = append(b.data, p...)
	b.signal()
	return len(p), nil
}

// Close marks the end of the stream. A nil err means the body ended cleanly.
// Only the first call has effect.
func (b *StreamBuffer) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.err = err
	b.signal()
}

// Since returns everything appended after offset.
func (b *StreamBuffer) Since(offset int) BufferRead {
	b.mu.Lock()
	defer b.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset > len(b.data) {
		offset = len(b.data)
	}
	raw := make([]byte, len(b.data)-offset)
	copy(raw, b.data[offset:])
	return BufferRead{
		Chunk: domain.StreamChunk{Offset: offset, Raw: raw},
		Wait:  b.grown,
		Done:  b.done,
		Err:   b.err,
	}
}

// Len returns the number of bytes received so far.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Release stops the underlying transport, if any, once nobody reads the buffer.
func (b *StreamBuffer) Release() {
	b.mu.Lock()
	release := b.release
	b.release = nil
	b.mu.Unlock()
	if release != nil {
		release()
	}
}

// Pump copies r into the buffer until EOF or a read error and then closes it.
// Read errors are reported as transient network failures.
func (b *StreamBuffer) Pump(r io.ReadCloser) {
	defer b.Release()
	defer r.Close()
	chunk := make([]byte, pumpChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := b.Write(chunk[:n]); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			b.Close(nil)
			return
		}
		if err != nil {
			b.Close(&domain.TransientNetworkError{Op: "read stream", Err: err})
			return
		}
	}
}
