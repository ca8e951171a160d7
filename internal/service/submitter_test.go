package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/provider"
)

type creditFunc func(ctx context.Context, ownerID string, kind domain.JobKind) error

func (f creditFunc) Check(ctx context.Context, ownerID string, kind domain.JobKind) error {
	return f(ctx, ownerID, kind)
}

func newTestSubmitter(t *testing.T, gw *fakeGateway, credit CreditChecker) (*JobSubmitter, *JobRegistry) {
	t.Helper()
	validator, err := NewPayloadValidator()
	require.NoError(t, err)
	cfg := testConfig(0, 0)
	registry := NewJobRegistry()
	return NewJobSubmitter(&SubmitterConfig{
		Gateway:    gw,
		Classifier: NewErrorClassifier(&cfg.Jobs),
		Validator:  validator,
		Credit:     credit,
		Registry:   registry,
	}), registry
}

func contentRequest() SubmitRequest {
	return SubmitRequest{
		OwnerID: "owner-1",
		Kind:    domain.JobKindContent,
		Payload: json.RawMessage(`{"prompt":"write a haiku"}`),
	}
}

func TestJobSubmitter_Outcomes(t *testing.T) {
	t.Run("sync", func(t *testing.T) {
		gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
			return &provider.CreateResponse{Mode: provider.CreateSync, Result: []byte(`"an old pond"`)}, nil
		}}
		s, _ := newTestSubmitter(t, gw, nil)

		handle, err := s.Submit(context.Background(), contentRequest())
		require.NoError(t, err)
		assert.Equal(t, OutcomeSync, handle.Outcome)

		job := handle.Run.Snapshot()
		assert.Equal(t, domain.JobStateSucceeded, job.State)
		assert.Equal(t, "an old pond", job.ResultText())
		assert.NotEmpty(t, job.ID)
		assert.NotEmpty(t, job.CorrelationKey)
		assert.NotNil(t, job.SubmittedAt)
		assert.NotNil(t, job.CompletedAt)
	})

	t.Run("async", func(t *testing.T) {
		gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
			return &provider.CreateResponse{Mode: provider.CreateAsync, TaskID: "task-42"}, nil
		}}
		s, _ := newTestSubmitter(t, gw, nil)

		handle, err := s.Submit(context.Background(), contentRequest())
		require.NoError(t, err)
		assert.Equal(t, OutcomeAsync, handle.Outcome)
		assert.Equal(t, "task-42", handle.TaskID)

		job := handle.Run.Snapshot()
		assert.Equal(t, domain.JobStateSubmitted, job.State)
		assert.Equal(t, "task-42", job.ProviderTaskID)
	})

	t.Run("stream", func(t *testing.T) {
		buf := provider.NewStreamBuffer()
		gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
			return &provider.CreateResponse{Mode: provider.CreateStream, Stream: buf}, nil
		}}
		s, _ := newTestSubmitter(t, gw, nil)

		handle, err := s.Submit(context.Background(), contentRequest())
		require.NoError(t, err)
		assert.Equal(t, OutcomeStream, handle.Outcome)
		assert.Same(t, buf, handle.Stream)
		assert.Equal(t, domain.JobStateStreaming, handle.Run.State())
	})
}

func TestJobSubmitter_RejectsBeforeAnyCall(t *testing.T) {
	calls := 0
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		calls++
		return &provider.CreateResponse{Mode: provider.CreateSync}, nil
	}}
	credit := creditFunc(func(ctx context.Context, ownerID string, kind domain.JobKind) error {
		if ownerID == "poor" {
			return &domain.InsufficientResourceError{Required: 5, Available: 1}
		}
		return nil
	})
	s, registry := newTestSubmitter(t, gw, credit)

	tests := []struct {
		name  string
		req   SubmitRequest
		check func(t *testing.T, err error)
	}{
		{
			name: "empty prompt",
			req:  SubmitRequest{OwnerID: "owner-1", Kind: domain.JobKindContent, Payload: json.RawMessage(`{"prompt":""}`)},
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				assert.ErrorAs(t, err, &ve)
			},
		},
		{
			name: "unknown kind",
			req:  SubmitRequest{OwnerID: "owner-1", Kind: "music", Payload: json.RawMessage(`{"prompt":"x"}`)},
			check: func(t *testing.T, err error) {
				var ve *domain.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "kind", ve.Field)
			},
		},
		{
			name: "no owner",
			req:  SubmitRequest{Kind: domain.JobKindContent, Payload: json.RawMessage(`{"prompt":"x"}`)},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, domain.ErrUnauthenticated)
			},
		},
		{
			name: "insufficient credit",
			req:  SubmitRequest{OwnerID: "poor", Kind: domain.JobKindContent, Payload: json.RawMessage(`{"prompt":"x"}`)},
			check: func(t *testing.T, err error) {
				var ie *domain.InsufficientResourceError
				assert.ErrorAs(t, err, &ie)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle, err := s.Submit(context.Background(), tt.req)
			assert.Nil(t, handle)
			tt.check(t, err)
		})
	}

	assert.Zero(t, calls)
	assert.Empty(t, registry.List("owner-1"))
	assert.Empty(t, registry.List("poor"))
}

func TestJobSubmitter_DisguisedSuccess(t *testing.T) {
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		return nil, &domain.ProviderFailure{StatusCode: 500, Message: "Generated successfully", Result: []byte(`"the haiku"`)}
	}}
	s, _ := newTestSubmitter(t, gw, nil)

	handle, err := s.Submit(context.Background(), contentRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSync, handle.Outcome)

	job := handle.Run.Snapshot()
	assert.Equal(t, domain.JobStateSucceeded, job.State)
	assert.Nil(t, job.ErrorInfo)
	assert.Equal(t, "the haiku", job.ResultText())
}

func TestJobSubmitter_CreationFailure(t *testing.T) {
	failure := &domain.ProviderFailure{StatusCode: 422, Message: "prompt violates policy"}
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		return nil, failure
	}}
	s, registry := newTestSubmitter(t, gw, nil)

	handle, err := s.Submit(context.Background(), contentRequest())
	assert.True(t, errors.Is(err, failure))
	require.NotNil(t, handle)
	assert.Equal(t, OutcomeFailed, handle.Outcome)

	job := handle.Run.Snapshot()
	assert.Equal(t, domain.JobStateFailed, job.State)
	require.NotNil(t, job.ErrorInfo)
	assert.Equal(t, "prompt violates policy", job.ErrorInfo.Message)
	assert.Len(t, registry.List("owner-1"), 1)
}

func TestJobSubmitter_CancelledDuringCreation(t *testing.T) {
	var registry *JobRegistry
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		jobs := registry.List(ownerID)
		if assert.Len(t, jobs, 1) {
			assert.NoError(t, NewCancellationController(registry).Cancel(ctx, jobs[0].ID))
		}
		return &provider.CreateResponse{Mode: provider.CreateSync, Result: []byte(`"unwanted"`)}, nil
	}}
	var s *JobSubmitter
	s, registry = newTestSubmitter(t, gw, nil)

	handle, err := s.Submit(context.Background(), contentRequest())
	require.NoError(t, err)

	job := handle.Run.Snapshot()
	assert.Equal(t, domain.JobStateCancelled, job.State)
	assert.Empty(t, job.ResultPayload)
}
