package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/provider"
)

// CreditChecker verifies an owner can afford a job before anything is created.
type CreditChecker interface {
	Check(ctx context.Context, ownerID string, kind domain.JobKind) error
}

// SubmitRequest is one user request to start a job.
type SubmitRequest struct {
	OwnerID string
	Kind    domain.JobKind
	Payload json.RawMessage
}

// Outcome tells how the creation call left the job.
type Outcome string

const (
	OutcomeSync   Outcome = "sync"
	OutcomeAsync  Outcome = "async"
	OutcomeStream Outcome = "stream"
	OutcomeFailed Outcome = "failed"
)

// JobHandle is returned for every accepted submission.
type JobHandle struct {
	Run     *JobRun
	Outcome Outcome
	TaskID  string
	Stream  *provider.StreamBuffer
}

// JobSubmitter validates requests, creates the job record and performs the
// creation call. It never retries.
type JobSubmitter struct {
	gateway    provider.Gateway
	classifier *ErrorClassifier
	validator  *PayloadValidator
	credit     CreditChecker
	registry   *JobRegistry
	observer   func(domain.JobEvent)
}

// SubmitterConfig groups the collaborators of a JobSubmitter.
type SubmitterConfig struct {
	Gateway    provider.Gateway
	Classifier *ErrorClassifier
	Validator  *PayloadValidator
	Credit     CreditChecker // optional
	Registry   *JobRegistry
	Observer   func(domain.JobEvent)
}

// NewJobSubmitter creates a submitter from cfg.
func NewJobSubmitter(cfg *SubmitterConfig) *JobSubmitter {
	return &JobSubmitter{
		gateway:    cfg.Gateway,
		classifier: cfg.Classifier,
		validator:  cfg.Validator,
		credit:     cfg.Credit,
		registry:   cfg.Registry,
		observer:   cfg.Observer,
	}
}

// Submit creates exactly one job for an accepted request.
// Validation, authentication and credit failures return an error and no handle.
// A failed creation call still returns the handle of the failed job together
// with the provider error.
func (s *JobSubmitter) Submit(ctx context.Context, req SubmitRequest) (*JobHandle, error) {
	if err := s.validator.Validate(req.Kind, req.Payload); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, domain.ErrUnauthenticated
	}
	if s.credit != nil {
		if err := s.credit.Check(ctx, req.OwnerID, req.Kind); err != nil {
			return nil, err
		}
	}

	run := newJobRun(domain.Job{
		ID:             shortuuid.New(),
		OwnerID:        req.OwnerID,
		Kind:           req.Kind,
		State:          domain.JobStateCreated,
		CreatedAt:      time.Now(),
		Payload:        append(json.RawMessage(nil), req.Payload...),
		CorrelationKey: uuid.NewString(),
	}, s.observer)
	s.registry.add(run)

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID:          run.ID(),
		logger.FieldKind:           req.Kind,
		logger.FieldCorrelationKey: run.Snapshot().CorrelationKey,
	})
	if err := run.Transition(domain.JobStateSubmitted, nil); err != nil {
		return &JobHandle{Run: run, Outcome: OutcomeFailed}, err
	}

	start := time.Now()
	resp, err := s.gateway.Create(ctx, req.OwnerID, req.Kind, req.Payload)
	logger.Since(start).Debug(ctx, "Creation call returned")
	if err != nil {
		return s.creationFailed(ctx, run, err)
	}

	handle := &JobHandle{Run: run, TaskID: resp.TaskID, Stream: resp.Stream}
	switch resp.Mode {
	case provider.CreateSync:
		handle.Outcome = OutcomeSync
		s.apply(ctx, run, domain.JobStateSucceeded, func(j *domain.Job) {
			j.ResultPayload = resp.Result
		})
	case provider.CreateAsync:
		handle.Outcome = OutcomeAsync
		_ = run.Update(func(j *domain.Job) { j.ProviderTaskID = resp.TaskID })
	case provider.CreateStream:
		handle.Outcome = OutcomeStream
		run.attachStream(resp.Stream)
		if !s.apply(ctx, run, domain.JobStateStreaming, nil) {
			resp.Stream.Release()
		}
	}
	logger.CtxInfo(ctx, "Job submitted: outcome=%s", handle.Outcome)
	return handle, nil
}

func (s *JobSubmitter) creationFailed(ctx context.Context, run *JobRun, err error) (*JobHandle, error) {
	if s.classifier.Classify(ctx, err) == ClassDisguisedSuccess {
		s.apply(ctx, run, domain.JobStateSucceeded, func(j *domain.Job) {
			if result := resultOf(err); len(result) > 0 {
				j.ResultPayload = result
			}
		})
		return &JobHandle{Run: run, Outcome: OutcomeSync}, nil
	}

	s.apply(ctx, run, domain.JobStateFailed, func(j *domain.Job) {
		j.ErrorInfo = domain.ErrorInfoFrom(err)
	})
	logger.FromContext(ctx).WithError(err).Warn("Creation call failed")
	return &JobHandle{Run: run, Outcome: OutcomeFailed}, err
}

// apply transitions run and reports whether the change took effect.
// A job cancelled while the creation call was in flight stays cancelled.
func (s *JobSubmitter) apply(ctx context.Context, run *JobRun, to domain.JobState, mutate func(*domain.Job)) bool {
	err := run.Transition(to, mutate)
	if errors.Is(err, domain.ErrJobInactive) {
		logger.CtxInfo(ctx, "Discarding creation response: state=%s", run.State())
		return false
	}
	if err != nil {
		logger.CtxError(ctx, "Unexpected transition failure: %v", err)
		return false
	}
	return true
}
