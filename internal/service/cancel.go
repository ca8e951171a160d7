package service

import (
	"context"
	"errors"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

// CancellationController stops jobs on request of their owner.
// It never aborts an in-flight request; it flips the job to cancelled and
// closes its token so the polling and streaming loops discard late responses.
type CancellationController struct {
	registry *JobRegistry
}

// NewCancellationController creates a controller over registry.
func NewCancellationController(registry *JobRegistry) *CancellationController {
	return &CancellationController{registry: registry}
}

// Cancel marks jobID cancelled. Cancelling a terminal job is a no-op.
func (c *CancellationController) Cancel(ctx context.Context, jobID string) error {
	run, err := c.registry.Get(jobID)
	if err != nil {
		return err
	}

	err = run.Transition(domain.JobStateCancelled, func(j *domain.Job) {
		j.ErrorInfo = &domain.ErrorInfo{Kind: "cancelled", Message: "cancelled by user"}
	})
	if errors.Is(err, domain.ErrJobInactive) {
		logger.CtxDebug(ctx, "Cancel ignored, job already terminal: job_id=%s, state=%s", jobID, run.State())
		return nil
	}
	if err != nil {
		return err
	}
	logger.CtxInfo(ctx, "Job cancelled: job_id=%s", jobID)
	return nil
}
