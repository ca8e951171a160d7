package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/provider"
)

func newTestJobService(t *testing.T, gw *fakeGateway, interval time.Duration) (*JobService, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	svc, err := NewJobService(&JobServiceConfig{
		Config:  testConfig(interval, 2*time.Second),
		Gateway: gw,
		History: store,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, store
}

func waitJob(t *testing.T, svc *JobService, ownerID, jobID string) domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := svc.Wait(ctx, ownerID, jobID)
	require.NoError(t, err)
	return job
}

func TestJobService_SyncJobIsReconciled(t *testing.T) {
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		return &provider.CreateResponse{Mode: provider.CreateSync, Result: []byte(`"done"`)}, nil
	}}
	svc, store := newTestJobService(t, gw, 5*time.Millisecond)

	job, err := svc.Submit(context.Background(), contentRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, job.State)

	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(svc.HistoryView("owner-1").Items) == 1 }, time.Second, time.Millisecond)
	entry := svc.HistoryView("owner-1").Items[0]
	assert.Equal(t, job.CorrelationKey, entry.CorrelationKey)
	assert.Equal(t, job.ID, entry.JobID)
}

func TestJobService_AsyncJobEvents(t *testing.T) {
	gw := &fakeGateway{
		create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
			return &provider.CreateResponse{Mode: provider.CreateAsync, TaskID: "task-1"}, nil
		},
		status: func(ctx context.Context, call int) (*domain.StatusReport, error) {
			if call < 3 {
				return pending()
			}
			return &domain.StatusReport{Status: domain.ProviderStatusSucceeded, Result: []byte(`{"url":"https://cdn.example.com/v.mp4"}`)}, nil
		},
	}
	svc, store := newTestJobService(t, gw, 5*time.Millisecond)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1",
		Kind:    domain.JobKindVideo,
		Payload: json.RawMessage(`{"prompt":"a drone shot"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", job.ProviderTaskID)

	events, unsubscribe, err := svc.Subscribe("owner-1", job.ID)
	require.NoError(t, err)
	defer unsubscribe()

	var last domain.JobEvent
	timeout := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-events:
			if !ok {
				open = false
				break
			}
			last = ev
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
	assert.Equal(t, domain.JobStateSucceeded, last.State)
	assert.Equal(t, 100, last.Progress)
	assert.EqualValues(t, 3, gw.statusCalls.Load())

	final := waitJob(t, svc, "owner-1", job.ID)
	assert.JSONEq(t, `{"url":"https://cdn.example.com/v.mp4"}`, string(final.ResultPayload))
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)

	// subscribing after the end yields just the final event
	late, _, err := svc.Subscribe("owner-1", job.ID)
	require.NoError(t, err)
	ev, ok := <-late
	require.True(t, ok)
	assert.Equal(t, domain.JobStateSucceeded, ev.State)
	_, ok = <-late
	assert.False(t, ok)
}

func TestJobService_StreamJob(t *testing.T) {
	buf := provider.NewStreamBuffer()
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		return &provider.CreateResponse{Mode: provider.CreateStream, Stream: buf}, nil
	}}
	svc, store := newTestJobService(t, gw, 5*time.Millisecond)

	job, err := svc.Submit(context.Background(), contentRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateStreaming, job.State)

	feed(buf, []string{"data: {\"delta\":\"streamed \"}\n", "data: {\"delta\":\"text\"}\n", "data: [DONE]\n"}, nil)

	final := waitJob(t, svc, "owner-1", job.ID)
	assert.Equal(t, domain.JobStateSucceeded, final.State)
	assert.Equal(t, "streamed text", final.ResultText())
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
}

func TestJobService_CancelStopsPolling(t *testing.T) {
	gw := &fakeGateway{
		create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
			return &provider.CreateResponse{Mode: provider.CreateAsync, TaskID: "task-1"}, nil
		},
		status: func(ctx context.Context, call int) (*domain.StatusReport, error) {
			return &domain.StatusReport{Status: domain.ProviderStatusSucceeded, Result: []byte(`"never"`)}, nil
		},
	}
	svc, store := newTestJobService(t, gw, 200*time.Millisecond)

	job, err := svc.Submit(context.Background(), contentRequest())
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), "someone-else", job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	cancelled, err := svc.Cancel(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, cancelled.State)

	again, err := svc.Cancel(context.Background(), "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, again.State)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, gw.statusCalls.Load())
	assert.Equal(t, domain.JobStateCancelled, waitJob(t, svc, "owner-1", job.ID).State)
	assert.Zero(t, store.count())
}

func TestJobService_FailedCreation(t *testing.T) {
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		return nil, &domain.ProviderFailure{StatusCode: 400, Message: "bad prompt"}
	}}
	svc, _ := newTestJobService(t, gw, 5*time.Millisecond)

	job, err := svc.Submit(context.Background(), contentRequest())
	require.Error(t, err)
	assert.Equal(t, domain.JobStateFailed, job.State)

	listed := svc.List("owner-1")
	require.Len(t, listed, 1)
	assert.Equal(t, job.ID, listed[0].ID)
	assert.Empty(t, svc.List("owner-2"))

	_, err = svc.Get("owner-2", job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobService_RejectedRequestCreatesNoJob(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newTestJobService(t, gw, 5*time.Millisecond)

	_, err := svc.Submit(context.Background(), SubmitRequest{OwnerID: "owner-1", Kind: domain.JobKindImage, Payload: json.RawMessage(`{}`)})
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, svc.List("owner-1"))
}

func TestJobService_HistoryOperations(t *testing.T) {
	gw := &fakeGateway{create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
		return &provider.CreateResponse{Mode: provider.CreateSync, Result: []byte(`"r"`)}, nil
	}}
	svc, store := newTestJobService(t, gw, 5*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, contentRequest())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return store.count() == 3 }, time.Second, time.Millisecond)

	page, err := svc.History(ctx, "owner-1", 1, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.EqualValues(t, 3, page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)

	require.NoError(t, svc.DeleteHistory(ctx, "owner-1", page.Items[0].ID))
	assert.Equal(t, 2, store.count())

	data, err := svc.ExportHistory(ctx, "owner-1")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestJobService_DeleteBeforeResultArrives(t *testing.T) {
	gw := &fakeGateway{
		create: func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
			return &provider.CreateResponse{Mode: provider.CreateAsync, TaskID: "task-1"}, nil
		},
		status: func(ctx context.Context, call int) (*domain.StatusReport, error) {
			if call < 3 {
				return pending()
			}
			return &domain.StatusReport{Status: domain.ProviderStatusSucceeded, Result: []byte(`"clip"`)}, nil
		},
	}
	svc, store := newTestJobService(t, gw, 5*time.Millisecond)

	job, err := svc.Submit(context.Background(), SubmitRequest{
		OwnerID: "owner-1",
		Kind:    domain.JobKindVideo,
		Payload: json.RawMessage(`{"prompt":"waves"}`),
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteHistory(context.Background(), "owner-1", job.CorrelationKey))

	final := waitJob(t, svc, "owner-1", job.ID)
	assert.Equal(t, domain.JobStateSucceeded, final.State)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	assert.Zero(t, store.count(), "a deleted result is never saved")
	assert.Empty(t, svc.HistoryView("owner-1").Items)
}
