package provider

import (
	"context"
	"encoding/json"

	"github.com/timmy/genflow/internal/domain"
)

// CreateMode tells how a creation call completed.
type CreateMode string

const (
	// CreateSync means the response carried the final artifact.
	CreateSync CreateMode = "sync"
	// CreateAsync means the provider returned a task id to poll.
	CreateAsync CreateMode = "async"
	// CreateStream means the body keeps growing and is read through Stream.
	CreateStream CreateMode = "stream"
)

// CreateResponse is the normalized outcome of a successful creation call.
type CreateResponse struct {
	Mode   CreateMode
	TaskID string
	Result []byte
	Stream *StreamBuffer
}

// Gateway is the boundary to the remote generation providers.
type Gateway interface {
	// Create submits a new job. Errors are *domain.ProviderFailure for
	// explicit provider errors and *domain.TransientNetworkError for transport failures.
	Create(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*CreateResponse, error)
	// Status asks the provider for the current state of an asynchronous task.
	Status(ctx context.Context, ownerID string, kind domain.JobKind, taskID string) (*domain.StatusReport, error)
}
