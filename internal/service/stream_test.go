package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/provider"
)

func streamingRun(rec *recorder) *JobRun {
	var observe func(domain.JobEvent)
	if rec != nil {
		observe = rec.observe
	}
	return newRun(domain.JobKindContent, observe, domain.JobStateSubmitted, domain.JobStateStreaming)
}

// feed writes chunks to buf one by one and then closes it with closeErr.
func feed(buf *provider.StreamBuffer, chunks []string, closeErr error) {
	go func() {
		for _, c := range chunks {
			_, _ = buf.Write([]byte(c))
			time.Sleep(time.Millisecond)
		}
		buf.Close(closeErr)
	}()
}

func TestStreamIngester_ReassemblesDeltas(t *testing.T) {
	rec := &recorder{}
	run := streamingRun(rec)
	buf := provider.NewStreamBuffer()
	feed(buf, []string{
		"data: {\"delta\":\"Hel\"}\n",
		"data: {\"delta\":\"lo\"}\n",
		"data: [DONE]\n",
	}, nil)

	ing := NewStreamIngester(testConfig(time.Second, time.Second))
	res := ing.Consume(context.Background(), run, buf, run.Publish)

	assert.Equal(t, domain.JobStateSucceeded, res.State)
	assert.True(t, res.Sentinel)
	assert.NoError(t, res.Err)
	assert.Equal(t, "Hello", res.Content)

	job := run.Snapshot()
	assert.Equal(t, domain.JobStateSucceeded, job.State)
	assert.Equal(t, "Hello", job.ResultText())
	assert.Equal(t, 100, job.ProgressPercent)
	assert.Equal(t, []string{"Hel", "lo"}, rec.deltas)
}

func TestStreamIngester_ArbitrarySplits(t *testing.T) {
	body := ": keep-alive\r\n" +
		"event: message\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Go \"}}]}\r\n" +
		"\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"is \"}}]}\n" +
		"data: not json\n" +
		"data: {\"content\":\"fun, \"}\n" +
		"data: {\"text\":\"日本語\"}\n" +
		"data: [DONE]\n" +
		"data: {\"delta\":\"ignored\"}\n"
	want := "Go is fun, 日本語"

	for _, size := range []int{1, 2, 3, 7, 16, len(body)} {
		var chunks []string
		for i := 0; i < len(body); i += size {
			end := i + size
			if end > len(body) {
				end = len(body)
			}
			chunks = append(chunks, body[i:end])
		}

		run := streamingRun(nil)
		buf := provider.NewStreamBuffer()
		feed(buf, chunks, nil)

		res := NewStreamIngester(testConfig(time.Second, 10*time.Second)).Consume(context.Background(), run, buf, nil)
		assert.Equal(t, want, res.Content, "chunk size %d", size)
		assert.Equal(t, domain.JobStateSucceeded, res.State, "chunk size %d", size)
	}
}

func TestStreamIngester_TransportFailureKeepsPartialContent(t *testing.T) {
	run := streamingRun(nil)
	buf := provider.NewStreamBuffer()
	broken := &domain.TransientNetworkError{Op: "read stream", Err: errors.New("connection reset by peer")}
	feed(buf, []string{"data: {\"delta\":\"partial \"}\n", "data: {\"delta\":\"answer\"}\n"}, broken)

	res := NewStreamIngester(testConfig(time.Second, time.Second)).Consume(context.Background(), run, buf, nil)

	assert.Equal(t, domain.JobStateFailed, res.State)
	assert.False(t, res.Sentinel)
	assert.ErrorIs(t, res.Err, broken)

	job := run.Snapshot()
	assert.Equal(t, "partial answer", job.ResultText())
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, "network", job.ErrorInfo.Kind)
}

func TestStreamIngester_ErrorAfterSentinelStillSucceeds(t *testing.T) {
	run := streamingRun(nil)
	buf := provider.NewStreamBuffer()
	_, _ = buf.Write([]byte("data: {\"delta\":\"complete\"}\ndata: [DONE]\n"))
	buf.Close(errors.New("reset"))

	res := NewStreamIngester(testConfig(time.Second, time.Second)).Consume(context.Background(), run, buf, nil)
	assert.Equal(t, domain.JobStateSucceeded, res.State)
	assert.Equal(t, "complete", res.Content)
}

func TestStreamIngester_EmptySentinelThenErrorFails(t *testing.T) {
	run := streamingRun(nil)
	buf := provider.NewStreamBuffer()
	_, _ = buf.Write([]byte("data: [DONE]\n"))
	buf.Close(errors.New("reset"))

	res := NewStreamIngester(testConfig(time.Second, time.Second)).Consume(context.Background(), run, buf, nil)
	assert.Equal(t, domain.JobStateFailed, res.State)
	assert.Empty(t, res.Content)
	job := run.Snapshot()
	require.NotNil(t, job.ErrorInfo)
	assert.Empty(t, job.ResultPayload)
}

func TestStreamIngester_CleanEndWithoutSentinel(t *testing.T) {
	t.Run("with content", func(t *testing.T) {
		run := streamingRun(nil)
		buf := provider.NewStreamBuffer()
		// last record has no trailing newline
		feed(buf, []string{"data: {\"delta\":\"a\"}\n", "data: {\"delta\":\"b\"}"}, nil)

		res := NewStreamIngester(testConfig(time.Second, time.Second)).Consume(context.Background(), run, buf, nil)
		assert.Equal(t, domain.JobStateSucceeded, res.State)
		assert.Equal(t, "ab", res.Content)
	})

	t.Run("without content", func(t *testing.T) {
		run := streamingRun(nil)
		buf := provider.NewStreamBuffer()
		feed(buf, []string{": ping\n"}, nil)

		res := NewStreamIngester(testConfig(time.Second, time.Second)).Consume(context.Background(), run, buf, nil)
		assert.Equal(t, domain.JobStateFailed, res.State)
		require.NotNil(t, run.Snapshot().ErrorInfo)
	})
}

func TestStreamIngester_ProviderErrorRecord(t *testing.T) {
	run := streamingRun(nil)
	buf := provider.NewStreamBuffer()
	feed(buf, []string{"data: {\"error\":{\"message\":\"model overloaded\"}}\n", "data: [DONE]\n"}, nil)

	res := NewStreamIngester(testConfig(time.Second, time.Second)).Consume(context.Background(), run, buf, nil)
	assert.Equal(t, domain.JobStateFailed, res.State)
	assert.Equal(t, "model overloaded", run.Snapshot().ErrorInfo.Message)
}

func TestStreamIngester_TimeoutKeepsPartialContent(t *testing.T) {
	run := streamingRun(nil)
	buf := provider.NewStreamBuffer()
	_, _ = buf.Write([]byte("data: {\"delta\":\"slow\"}\n"))

	res := NewStreamIngester(testConfig(time.Second, 30*time.Millisecond)).Consume(context.Background(), run, buf, nil)

	assert.Equal(t, domain.JobStateTimedOut, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrTimeout)
	job := run.Snapshot()
	assert.Equal(t, "slow", job.ResultText())
	assert.Equal(t, "timeout", job.ErrorInfo.Kind)
}

func TestStreamIngester_CancelStopsDeltasAndReleases(t *testing.T) {
	rec := &recorder{}
	run := streamingRun(rec)

	released := make(chan struct{})
	buf := provider.NewStreamBuffer()
	run.attachStream(releaseFunc(func() { close(released) }))
	_, _ = buf.Write([]byte("data: {\"delta\":\"first\"}\n"))

	ing := NewStreamIngester(testConfig(time.Second, time.Second))
	done := make(chan StreamResult, 1)
	go func() { done <- ing.Consume(context.Background(), run, buf, run.Publish) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.deltas) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, run.Transition(domain.JobStateCancelled, nil))
	_, _ = buf.Write([]byte("data: {\"delta\":\"late\"}\n"))

	var res StreamResult
	select {
	case res = <-done:
	case <-time.After(time.Second):
		t.Fatal("consume did not return after cancel")
	}
	<-released

	assert.Equal(t, domain.JobStateCancelled, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrCancelled)
	assert.Equal(t, []string{"first"}, rec.deltas)
	assert.Equal(t, domain.JobStateCancelled, run.State())
}

func TestExtractDelta(t *testing.T) {
	tests := map[string]string{
		`{"choices":[{"delta":{"content":"a"}}]}`: "a",
		`{"choices":[{"text":"b"}]}`:              "b",
		`{"delta":"c"}`:                           "c",
		`{"delta":{"text":"d"}}`:                  "d",
		`{"content":"e"}`:                         "e",
		`{"text":"f"}`:                            "f",
		`{"usage":{"tokens":3}}`:                  "",
	}
	for record, want := range tests {
		assert.Equal(t, want, extractDelta(record), strings.TrimSpace(record))
	}
}

type releaseFunc func()

func (f releaseFunc) Release() { f() }
