package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timmy/genflow/internal/domain"
)

// JobRun is the live, mutex-guarded record of one job.
// Its Done channel is the cancellation token: it closes once the job reaches
// any terminal state, and every loop checks it before applying a response.
type JobRun struct {
	mu       sync.Mutex
	job      domain.Job
	done     chan struct{}
	once     sync.Once
	observer func(domain.JobEvent)
	stream   releaser
}

type releaser interface {
	Release()
}

func newJobRun(job domain.Job, observer func(domain.JobEvent)) *JobRun {
	return &JobRun{job: job, done: make(chan struct{}), observer: observer}
}

// ID returns the job id.
func (r *JobRun) ID() string {
	return r.job.ID
}

// Snapshot returns a copy of the job record.
func (r *JobRun) Snapshot() domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

// State returns the current lifecycle state.
func (r *JobRun) State() domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.State
}

// Active reports whether the job can still change.
func (r *JobRun) Active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Done is closed when the job becomes terminal.
func (r *JobRun) Done() <-chan struct{} {
	return r.done
}

// Transition moves the job to state `to`, applying mutate under the same lock.
// A terminal job rejects every transition with domain.ErrJobInactive, which is
// how late responses are discarded.
func (r *JobRun) Transition(to domain.JobState, mutate func(*domain.Job)) error {
	r.mu.Lock()
	from := r.job.State
	if from.IsTerminal() {
		r.mu.Unlock()
		return domain.ErrJobInactive
	}
	if !from.CanTransition(to) {
		r.mu.Unlock()
		return fmt.Errorf("invalid job transition %s -> %s", from, to)
	}

	if mutate != nil {
		mutate(&r.job)
	}
	r.job.State = to
	now := time.Now()
	if to == domain.JobStateSubmitted {
		r.job.SubmittedAt = &now
	}
	if to == domain.JobStateSucceeded {
		r.job.ProgressPercent = 100
	}
	if to.IsTerminal() {
		r.job.CompletedAt = &now
		r.once.Do(func() { close(r.done) })
	}
	r.emit(r.eventLocked(""))
	stream := r.stream
	r.mu.Unlock()

	if to.IsTerminal() && stream != nil {
		stream.Release()
	}
	return nil
}

// Update applies mutate without changing state. It fails on terminal jobs.
func (r *JobRun) Update(mutate func(*domain.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.State.IsTerminal() {
		return domain.ErrJobInactive
	}
	mutate(&r.job)
	return nil
}

// attachStream ties the job to a streaming transport released at terminal.
func (r *JobRun) attachStream(s releaser) {
	r.mu.Lock()
	r.stream = s
	r.mu.Unlock()
}

// Publish sends an event carrying delta for an active job.
func (r *JobRun) Publish(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job.State.IsTerminal() {
		return
	}
	r.emit(r.eventLocked(delta))
}

func (r *JobRun) eventLocked(delta string) domain.JobEvent {
	ev := domain.JobEvent{
		JobID:    r.job.ID,
		State:    r.job.State,
		Delta:    delta,
		Progress: r.job.ProgressPercent,
		At:       time.Now(),
	}
	if r.job.ErrorInfo != nil {
		ev.Message = r.job.ErrorInfo.Message
	}
	return ev
}

// emit runs under r.mu so events leave in the order they were applied.
// The observer must not block or call back into the run.
func (r *JobRun) emit(ev domain.JobEvent) {
	if r.observer != nil {
		r.observer(ev)
	}
}

// JobRegistry holds the live runs of the process.
type JobRegistry struct {
	runs sync.Map
}

// NewJobRegistry creates an empty registry.
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{}
}

func (g *JobRegistry) add(run *JobRun) {
	g.runs.Store(run.ID(), run)
}

// Get returns the run for id or domain.ErrJobNotFound.
func (g *JobRegistry) Get(id string) (*JobRun, error) {
	v, ok := g.runs.Load(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrJobNotFound)
	}
	return v.(*JobRun), nil
}

// List returns snapshots of the owner's jobs, newest first.
func (g *JobRegistry) List(ownerID string) []domain.Job {
	var jobs []domain.Job
	g.runs.Range(func(_, v any) bool {
		job := v.(*JobRun).Snapshot()
		if job.OwnerID == ownerID {
			jobs = append(jobs, job)
		}
		return true
	})
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

// Evict removes terminal jobs completed before cutoff and returns how many were removed.
func (g *JobRegistry) Evict(cutoff time.Time) int {
	removed := 0
	g.runs.Range(func(k, v any) bool {
		job := v.(*JobRun).Snapshot()
		if job.State.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			g.runs.Delete(k)
			removed++
		}
		return true
	})
	return removed
}
