package provider

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/genflow/internal/domain"
)

func TestStreamBufferSinceAndWait(t *testing.T) {
	b := NewStreamBuffer()

	first := b.Since(0)
	assert.Empty(t, first.Chunk.Raw)
	assert.False(t, first.Done)

	_, err := b.Write([]byte("abc"))
	require.NoError(t, err)

	select {
	case <-first.Wait:
	default:
		t.Fatal("wait channel not closed after write")
	}

	read := b.Since(1)
	assert.Equal(t, 1, read.Chunk.Offset)
	assert.Equal(t, "bc", string(read.Chunk.Raw))
	assert.Equal(t, 3, read.Chunk.End())

	b.Close(nil)
	_, err = b.Write([]byte("late"))
	assert.Error(t, err)
	assert.True(t, b.Since(3).Done)
	assert.Equal(t, 3, b.Len())
}

func TestStreamBufferCloseOnce(t *testing.T) {
	b := NewStreamBuffer()
	boom := errors.New("boom")
	b.Close(boom)
	b.Close(nil)
	assert.Equal(t, boom, b.Since(0).Err)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *failingReader) Close() error { return nil }

func TestPumpReportsTransportFailure(t *testing.T) {
	b := NewStreamBuffer()
	b.Pump(&failingReader{data: []byte("data: x\n"), err: io.ErrUnexpectedEOF})

	read := b.Since(0)
	assert.True(t, read.Done)
	assert.Equal(t, "data: x\n", string(read.Chunk.Raw))
	var transient *domain.TransientNetworkError
	assert.ErrorAs(t, read.Err, &transient)
}

func TestPumpCleanEOFAndRelease(t *testing.T) {
	released := make(chan struct{})
	b := newTransportBuffer(func() { close(released) })
	b.Pump(io.NopCloser(strings.NewReader("data: [DONE]\n")))

	read := b.Since(0)
	assert.True(t, read.Done)
	assert.NoError(t, read.Err)
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("transport not released after pump finished")
	}
	// second release is a no-op
	b.Release()
}
