package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/provider"
)

// PollingScheduler drives asynchronous provider tasks to a terminal state.
// Each job gets one cooperative loop built on a timer and the job's
// cancellation token, checked before every state mutation.
type PollingScheduler struct {
	gateway      provider.Gateway
	classifier   *ErrorClassifier
	cfg          *config.Config
	maxTransient int
}

// NewPollingScheduler creates a scheduler.
func NewPollingScheduler(gateway provider.Gateway, classifier *ErrorClassifier, cfg *config.Config) *PollingScheduler {
	return &PollingScheduler{
		gateway:      gateway,
		classifier:   classifier,
		cfg:          cfg,
		maxTransient: cfg.Jobs.MaxTransientFailures,
	}
}

// Start runs the polling loop for run in a new goroutine. The returned
// channel is closed when the loop has exited.
func (p *PollingScheduler) Start(ctx context.Context, run *JobRun, taskID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx, run, taskID)
	}()
	return done
}

// Run polls until the job is terminal. The first status call happens one
// interval after start.
func (p *PollingScheduler) Run(ctx context.Context, run *JobRun, taskID string) {
	job := run.Snapshot()
	ctx = logger.SetComponent(ctx, "polling")
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID: job.ID,
		logger.FieldKind:  job.Kind,
	})
	pc := p.cfg.Provider(string(job.Kind))

	if err := run.Transition(domain.JobStatePolling, nil); err != nil {
		logger.CtxDebug(ctx, "Polling not started: %v", err)
		return
	}
	start := time.Now()
	deadlineAt := start.Add(pc.Timeout)
	deadline := time.NewTimer(pc.Timeout)
	defer deadline.Stop()
	tick := time.NewTimer(pc.PollInterval)
	defer tick.Stop()

	attempts, streak := 0, 0
	for {
		select {
		case <-run.Done():
			logger.CtxInfo(ctx, "Polling stopped: state=%s", run.State())
			return
		case <-ctx.Done():
			p.terminate(ctx, run, domain.JobStateFailed, ctx.Err())
			return
		case <-deadline.C:
			p.terminate(ctx, run, domain.JobStateTimedOut, domain.ErrTimeout)
			return
		case <-tick.C:
		}

		report, err := p.gateway.Status(ctx, job.OwnerID, job.Kind, taskID)

		// check before apply: nothing arriving after cancel or the ceiling is used
		if !run.Active() {
			logger.CtxDebug(ctx, "Discarding status response for inactive job")
			return
		}
		if time.Now().After(deadlineAt) {
			p.terminate(ctx, run, domain.JobStateTimedOut, domain.ErrTimeout)
			return
		}

		if err != nil {
			switch p.classifier.Classify(ctx, err) {
			case ClassDisguisedSuccess:
				p.succeed(ctx, run, resultOf(err), attempts+1, start)
				return
			case ClassTransient:
				streak++
				if streak > p.maxTransient {
					p.terminate(ctx, run, domain.JobStateFailed, &domain.ProviderFailure{
						StatusCode: statusCodeOf(err),
						Message:    fmt.Sprintf("provider unavailable after %d consecutive failures: %v", streak, err),
					})
					return
				}
				logger.FromContext(ctx).WithField(logger.FieldAttempt, streak).WithError(err).
					Warn("Transient status failure, retrying")
				tick.Reset(pc.PollInterval)
				continue
			default:
				p.terminate(ctx, run, domain.JobStateFailed, err)
				return
			}
		}

		streak = 0
		attempts++
		switch report.Status {
		case domain.ProviderStatusSucceeded:
			p.succeed(ctx, run, report.Result, attempts, start)
			return
		case domain.ProviderStatusFailed:
			msg := report.Message
			if msg == "" {
				msg = "provider reported failure"
			}
			failure := &domain.ProviderFailure{Message: msg, Result: report.Result}
			if p.classifier.Classify(ctx, failure) == ClassDisguisedSuccess {
				p.succeed(ctx, run, report.Result, attempts, start)
				return
			}
			p.terminate(ctx, run, domain.JobStateFailed, failure)
			return
		}

		if pc.MaxAttempts > 0 && attempts >= pc.MaxAttempts {
			p.terminate(ctx, run, domain.JobStateTimedOut,
				fmt.Errorf("no result after %d status checks: %w", attempts, domain.ErrTimeout))
			return
		}
		tick.Reset(pc.PollInterval)
	}
}

func (p *PollingScheduler) succeed(ctx context.Context, run *JobRun, result []byte, attempts int, start time.Time) {
	err := run.Transition(domain.JobStateSucceeded, func(j *domain.Job) {
		if len(result) > 0 {
			j.ResultPayload = append([]byte(nil), result...)
		}
	})
	if err != nil {
		return
	}
	logger.Since(start).With(logger.Fields{logger.FieldAttempt: attempts}).Info(ctx, "Polling succeeded")
}

func (p *PollingScheduler) terminate(ctx context.Context, run *JobRun, state domain.JobState, cause error) {
	err := run.Transition(state, func(j *domain.Job) {
		j.ErrorInfo = domain.ErrorInfoFrom(cause)
	})
	if err != nil {
		return
	}
	logger.FromContext(ctx).WithError(cause).Warnf("Polling ended: state=%s", state)
}

func resultOf(err error) []byte {
	var pf *domain.ProviderFailure
	if errors.As(err, &pf) {
		return pf.Result
	}
	return nil
}

func statusCodeOf(err error) int {
	var pf *domain.ProviderFailure
	if errors.As(err, &pf) {
		return pf.StatusCode
	}
	return 0
}
