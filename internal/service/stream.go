package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/provider"
)

const doneSentinel = "[DONE]"

// deltaPaths are tried in order; the first non-empty string is the delta.
var deltaPaths = []string{
	"choices.0.delta.content",
	"choices.0.text",
	"delta",
	"delta.text",
	"content",
	"text",
}

// StreamResult is the outcome of consuming one stream.
type StreamResult struct {
	State    domain.JobState
	Content  string
	Sentinel bool
	Err      error
}

// StreamIngester reassembles a growing event-stream body into job content.
type StreamIngester struct {
	cfg *config.Config
}

// NewStreamIngester creates an ingester using per-kind timeouts from cfg.
func NewStreamIngester(cfg *config.Config) *StreamIngester {
	return &StreamIngester{cfg: cfg}
}

type streamState struct {
	content     strings.Builder
	sentinel    bool
	providerMsg string
}

// Consume reads buf from the start until the sentinel, the end of the body,
// the job's wall-clock ceiling or cancellation, and then moves run to its
// terminal state. onDelta receives each delta in arrival order and is never
// called once the job is no longer active.
func (s *StreamIngester) Consume(ctx context.Context, run *JobRun, buf *provider.StreamBuffer, onDelta func(string)) StreamResult {
	job := run.Snapshot()
	ctx = logger.SetComponent(ctx, "stream")
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID: job.ID,
		logger.FieldKind:  job.Kind,
	})
	timeout := s.cfg.Provider(string(job.Kind)).Timeout
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var (
		st     streamState
		offset int
	)
	for {
		read := buf.Since(offset)
		consumed := s.parse(ctx, run, read.Chunk.Raw, read.Done, &st, onDelta)
		offset = read.Chunk.Offset + consumed

		if !run.Active() {
			return s.result(run, &st, nil)
		}
		if st.sentinel {
			return s.finish(ctx, run, &st, read.Err)
		}
		if read.Done {
			return s.finish(ctx, run, &st, read.Err)
		}

		select {
		case <-read.Wait:
		case <-run.Done():
			return s.result(run, &st, nil)
		case <-deadline.C:
			return s.fail(ctx, run, &st, domain.JobStateTimedOut, domain.ErrTimeout)
		case <-ctx.Done():
			return s.fail(ctx, run, &st, domain.JobStateFailed, ctx.Err())
		}
	}
}

// parse handles every complete line of raw and returns how many bytes it consumed.
// At the end of the body a trailing line without newline is parsed too.
func (s *StreamIngester) parse(ctx context.Context, run *JobRun, raw []byte, final bool, st *streamState, onDelta func(string)) int {
	consumed := 0
	for !st.sentinel {
		idx := bytes.IndexByte(raw[consumed:], '\n')
		var line []byte
		if idx < 0 {
			if !final || consumed == len(raw) {
				break
			}
			line = raw[consumed:]
			consumed = len(raw)
		} else {
			line = raw[consumed : consumed+idx]
			consumed += idx + 1
		}
		s.handleLine(ctx, run, string(line), st, onDelta)
	}
	return consumed
}

func (s *StreamIngester) handleLine(ctx context.Context, run *JobRun, line string, st *streamState, onDelta func(string)) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return
		}
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == doneSentinel {
		st.sentinel = true
		return
	}
	if !gjson.Valid(data) {
		logger.CtxDebug(ctx, "Skipping malformed stream record: %q", data)
		return
	}

	if msg := streamError(data); msg != "" {
		st.providerMsg = msg
	}
	delta := extractDelta(data)
	if delta == "" {
		return
	}
	st.content.WriteString(delta)
	if run.Active() && onDelta != nil {
		onDelta(delta)
	}
}

func extractDelta(record string) string {
	for _, path := range deltaPaths {
		if r := gjson.Get(record, path); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

func streamError(record string) string {
	if r := gjson.Get(record, "error.message"); r.Type == gjson.String {
		return r.Str
	}
	if r := gjson.Get(record, "error"); r.Type == gjson.String {
		return r.Str
	}
	return ""
}

// finish decides the terminal state once no more data will arrive.
func (s *StreamIngester) finish(ctx context.Context, run *JobRun, st *streamState, transportErr error) StreamResult {
	content := st.content.String()
	switch {
	case st.sentinel && content == "" && st.providerMsg != "":
		return s.fail(ctx, run, st, domain.JobStateFailed, &domain.ProviderFailure{Message: st.providerMsg})
	case st.sentinel && (content != "" || transportErr == nil):
		if transportErr != nil {
			logger.FromContext(ctx).WithError(transportErr).Warn("Stream failed after completion sentinel, keeping content")
		}
		return s.succeed(ctx, run, st)
	case transportErr != nil:
		if content != "" {
			logger.CtxWarn(ctx, "Stream broke before completion sentinel: kept=%d bytes", len(content))
		}
		return s.fail(ctx, run, st, domain.JobStateFailed, transportErr)
	case content != "":
		logger.FromContext(ctx).WithField("anomaly", "stream_without_sentinel").
			Warn("Stream ended without completion sentinel, accepting content")
		return s.succeed(ctx, run, st)
	case st.providerMsg != "":
		return s.fail(ctx, run, st, domain.JobStateFailed, &domain.ProviderFailure{Message: st.providerMsg})
	default:
		return s.fail(ctx, run, st, domain.JobStateFailed, &domain.ProviderFailure{Message: "stream ended without content"})
	}
}

func (s *StreamIngester) succeed(ctx context.Context, run *JobRun, st *streamState) StreamResult {
	content := st.content.String()
	err := run.Transition(domain.JobStateSucceeded, func(j *domain.Job) {
		j.ResultPayload = domain.TextPayload(content)
	})
	if err == nil {
		logger.With(logger.Fields{logger.FieldSize: len(content)}).Info(ctx, "Stream completed")
	}
	return s.result(run, st, nil)
}

// fail moves run to state with cause. Partial content is kept on the job.
func (s *StreamIngester) fail(ctx context.Context, run *JobRun, st *streamState, state domain.JobState, cause error) StreamResult {
	content := st.content.String()
	err := run.Transition(state, func(j *domain.Job) {
		if content != "" {
			j.ResultPayload = domain.TextPayload(content)
		}
		j.ErrorInfo = domain.ErrorInfoFrom(cause)
	})
	if err == nil {
		logger.FromContext(ctx).WithError(cause).Warnf("Stream ended: state=%s", state)
	}
	return s.result(run, st, cause)
}

func (s *StreamIngester) result(run *JobRun, st *streamState, cause error) StreamResult {
	state := run.State()
	if errors.Is(cause, domain.ErrJobInactive) || state == domain.JobStateCancelled {
		cause = domain.ErrCancelled
	}
	if state == domain.JobStateSucceeded {
		cause = nil
	}
	return StreamResult{
		State:    state,
		Content:  st.content.String(),
		Sentinel: st.sentinel,
		Err:      cause,
	}
}
