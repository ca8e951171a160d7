package service

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
)

// ProgressEstimator produces a cosmetic percentage for jobs whose providers
// report no progress. It never decides completion.
type ProgressEstimator struct {
	interval time.Duration
	ceiling  int
	factor   float64

	mu        sync.Mutex
	snapshots map[string]domain.ProgressSnapshot
}

// NewProgressEstimator creates an estimator from cfg.
func NewProgressEstimator(cfg *config.ProgressConfig) *ProgressEstimator {
	p := &ProgressEstimator{
		interval:  cfg.Interval,
		ceiling:   cfg.Ceiling,
		factor:    cfg.Factor,
		snapshots: make(map[string]domain.ProgressSnapshot),
	}
	if p.interval <= 0 {
		p.interval = time.Second
	}
	if p.ceiling <= 0 || p.ceiling >= 100 {
		p.ceiling = 95
	}
	if p.factor <= 0 {
		p.factor = 0.08
	}
	return p
}

// Tick advances the estimate of run by a fraction of the remaining distance
// to the ceiling, at least one point. Succeeded jobs read 100; other terminal
// jobs keep their last value. The snapshot is dropped once run is terminal.
func (p *ProgressEstimator) Tick(run *JobRun) int {
	var percent int
	err := run.Update(func(j *domain.Job) {
		cur := j.ProgressPercent
		if cur < p.ceiling {
			step := int(float64(p.ceiling-cur) * p.factor)
			if step < 1 {
				step = 1
			}
			cur += step
			if cur > p.ceiling {
				cur = p.ceiling
			}
		}
		j.ProgressPercent = cur
		percent = cur
	})
	if err != nil {
		p.forget(run.ID())
		return run.Snapshot().ProgressPercent
	}

	p.mu.Lock()
	p.snapshots[run.ID()] = domain.ProgressSnapshot{JobID: run.ID(), Percent: percent, UpdatedAt: time.Now()}
	p.mu.Unlock()
	return percent
}

// Snapshot returns the latest estimate for an active job.
func (p *ProgressEstimator) Snapshot(jobID string) (domain.ProgressSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.snapshots[jobID]
	return s, ok
}

func (p *ProgressEstimator) forget(jobID string) {
	p.mu.Lock()
	delete(p.snapshots, jobID)
	p.mu.Unlock()
}

// Track ticks run every interval until it is terminal or ctx ends, publishing
// each new value as a progress event.
func (p *ProgressEstimator) Track(ctx context.Context, run *JobRun) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.forget(run.ID())

	for {
		select {
		case <-ctx.Done():
			return
		case <-run.Done():
			return
		case <-ticker.C:
			before := run.Snapshot().ProgressPercent
			if after := p.Tick(run); after != before {
				run.Publish("")
			}
		}
	}
}
