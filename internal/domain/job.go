package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind identifies which generation or analysis product a job targets.
type JobKind string

const (
	JobKindContent      JobKind = "content"
	JobKindImage        JobKind = "image"
	JobKindVideo        JobKind = "video"
	JobKindPresentation JobKind = "presentation"
	JobKindDetection    JobKind = "detection"
	JobKindHumanize     JobKind = "humanize"
)

// AllJobKinds lists every supported kind in a stable order.
var AllJobKinds = []JobKind{
	JobKindContent,
	JobKindImage,
	JobKindVideo,
	JobKindPresentation,
	JobKindDetection,
	JobKindHumanize,
}

// Valid reports whether k is one of the supported kinds.
func (k JobKind) Valid() bool {
	for _, known := range AllJobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// JobState represents the lifecycle state of a job.
// Values move forward only: created, submitted, polling or streaming, then one terminal state.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateSubmitted JobState = "submitted"
	JobStatePolling   JobState = "polling"
	JobStateStreaming JobState = "streaming"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateTimedOut  JobState = "timed_out"
)

// transitions lists the allowed next states for every non-terminal state.
var transitions = map[JobState][]JobState{
	JobStateCreated:   {JobStateSubmitted, JobStateCancelled, JobStateFailed},
	JobStateSubmitted: {JobStatePolling, JobStateStreaming, JobStateSucceeded, JobStateFailed, JobStateCancelled},
	JobStatePolling:   {JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateTimedOut},
	JobStateStreaming: {JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateTimedOut},
}

// IsTerminal reports whether no further transition is possible from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled, JobStateTimedOut:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the lifecycle.
func (s JobState) CanTransition(next JobState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrorInfo is the single human-readable failure attached to a non-successful job.
type ErrorInfo struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Job is one user-initiated generation request tracked through its lifecycle.
type Job struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Kind            JobKind         `json:"kind"`
	State           JobState        `json:"state"`
	CreatedAt       time.Time       `json:"created_at"`
	SubmittedAt     *time.Time      `json:"submitted_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ProviderTaskID  string          `json:"provider_task_id,omitempty"`
	ProgressPercent int             `json:"progress_percent"`
	Payload         json.RawMessage `json:"-"`
	ResultPayload   json.RawMessage `json:"result,omitempty"`
	ErrorInfo       *ErrorInfo      `json:"error,omitempty"`
	CorrelationKey  string          `json:"correlation_key"`
}

// ResultText returns the result as plain text.
// JSON strings are unquoted; any other JSON value is returned verbatim.
func (j Job) ResultText() string {
	if len(j.ResultPayload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(j.ResultPayload, &s); err == nil {
		return s
	}
	return string(j.ResultPayload)
}

// Clone returns a deep copy safe to hand out of a lock.
func (j *Job) Clone() Job {
	c := *j
	if j.SubmittedAt != nil {
		t := *j.SubmittedAt
		c.SubmittedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ErrorInfo != nil {
		e := *j.ErrorInfo
		c.ErrorInfo = &e
	}
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.ResultPayload = append(json.RawMessage(nil), j.ResultPayload...)
	return c
}

// TextPayload encodes plain text as a JSON string payload.
func TextPayload(text string) json.RawMessage {
	b, err := json.Marshal(text)
	if err != nil {
		// strings always marshal
		panic(fmt.Sprintf("marshal text payload: %v", err))
	}
	return b
}

// JobEvent is a lifecycle notification broadcast to subscribers of a job.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	State    JobState  `json:"state"`
	Delta    string    `json:"delta,omitempty"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// ProgressSnapshot is the cosmetic progress of a job. It is never persisted.
type ProgressSnapshot struct {
	JobID     string
	Percent   int
	UpdatedAt time.Time
}

// StreamChunk is the newly appended suffix of a growing response buffer.
// Offset is the position of Raw[0] within the whole buffer.
type StreamChunk struct {
	Offset int
	Raw    []byte
}

// End returns the buffer offset just past this chunk.
func (c StreamChunk) End() int {
	return c.Offset + len(c.Raw)
}
