package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/genflow/internal/api/middleware"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/service"
)

// JobHandler exposes job submission, inspection, cancellation and events.
type JobHandler struct {
	jobs *service.JobService
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - jobs: job service instance.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	Kind    domain.JobKind  `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Create handles POST /api/v1/jobs.
// A job whose creation call failed is still returned with 202 in its failed state.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Create(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), service.SubmitRequest{
		OwnerID: middleware.OwnerID(c),
		Kind:    req.Kind,
		Payload: req.Payload,
	})
	if job.ID == "" {
		respondError(c, err)
		return
	}
	if err != nil {
		middleware.GetLogger(c).WithError(err).Warn("Job failed at creation")
	}
	c.JSON(http.StatusAccepted, job)
}

// List handles GET /api/v1/jobs.
func (h *JobHandler) List(c *gin.Context) {
	jobs := h.jobs.List(middleware.OwnerID(c))
	if jobs == nil {
		jobs = []domain.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

// Get handles GET /api/v1/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel handles POST /api/v1/jobs/:id/cancel. Cancelling a finished job
// returns it unchanged.
func (h *JobHandler) Cancel(c *gin.Context) {
	job, err := h.jobs.Cancel(c.Request.Context(), middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Events handles GET /api/v1/jobs/:id/events as a server-sent event stream.
// The stream ends after the terminal event.
func (h *JobHandler) Events(c *gin.Context) {
	events, unsubscribe, err := h.jobs.Subscribe(middleware.OwnerID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			name := "progress"
			switch {
			case ev.Delta != "":
				name = "delta"
			case ev.State.IsTerminal():
				name = "done"
			}
			c.SSEvent(name, ev)
			return !ev.State.IsTerminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}
