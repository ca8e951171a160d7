package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
	"github.com/timmy/genflow/internal/provider"
)

// JobServiceConfig groups the collaborators of a JobService.
type JobServiceConfig struct {
	Config   *config.Config
	Gateway  provider.Gateway
	History  HistoryStore
	Credit   CreditChecker // optional
	Classify ClassifyFunc  // optional override of the error classifier
}

// JobService wires submission, polling, streaming, progress, cancellation
// and history reconciliation together for the API and the CLI.
type JobService struct {
	cfg        *config.Config
	registry   *JobRegistry
	bus        *EventBus
	submitter  *JobSubmitter
	poller     *PollingScheduler
	ingester   *StreamIngester
	canceller  *CancellationController
	progress   *ProgressEstimator
	reconciler *ResultReconciler
	exporter   *HistoryExporter

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewJobService creates a JobService from cfg.
// Parameters:
//   - cfg: collaborators and application configuration.
// Returns:
//   - *JobService: service ready to accept jobs.
//   - error: non-nil if payload schemas fail to compile.
func NewJobService(cfg *JobServiceConfig) (*JobService, error) {
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, err
	}
	classifier := NewErrorClassifier(&cfg.Config.Jobs)
	if cfg.Classify != nil {
		classifier.WithOverride(cfg.Classify)
	}

	registry := NewJobRegistry()
	bus := NewEventBus()
	baseCtx, stop := context.WithCancel(context.Background())

	return &JobService{
		cfg:      cfg.Config,
		registry: registry,
		bus:      bus,
		submitter: NewJobSubmitter(&SubmitterConfig{
			Gateway:    cfg.Gateway,
			Classifier: classifier,
			Validator:  validator,
			Credit:     cfg.Credit,
			Registry:   registry,
			Observer:   bus.Publish,
		}),
		poller:     NewPollingScheduler(cfg.Gateway, classifier, cfg.Config),
		ingester:   NewStreamIngester(cfg.Config),
		canceller:  NewCancellationController(registry),
		progress:   NewProgressEstimator(&cfg.Config.Progress),
		reconciler: NewResultReconciler(cfg.History, cfg.Config.History.PageSize),
		exporter:   NewHistoryExporter(cfg.History),
		baseCtx:    baseCtx,
		stop:       stop,
	}, nil
}

// Submit starts a job and returns its snapshot right after the creation call.
// The creation call is detached from ctx cancellation so an abandoned HTTP
// request never tears down a streaming body.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	handle, err := s.submitter.Submit(context.WithoutCancel(ctx), req)
	if handle == nil {
		return domain.Job{}, err
	}
	s.dispatch(ctx, handle)
	return handle.Run.Snapshot(), err
}

func (s *JobService) dispatch(ctx context.Context, handle *JobHandle) {
	run := handle.Run
	job := run.Snapshot()
	// keep request-scoped log fields but live as long as the service
	loopCtx := logger.FromContext(ctx).WithContext(s.baseCtx)
	loopCtx = logger.WithFields(loopCtx, logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldKind:    job.Kind,
		logger.FieldOwnerID: job.OwnerID,
	})
	s.reconciler.Expect(job.OwnerID, job.CorrelationKey)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if run.Active() {
			go s.progress.Track(loopCtx, run)
		}
		switch handle.Outcome {
		case OutcomeAsync:
			s.poller.Run(loopCtx, run, handle.TaskID)
		case OutcomeStream:
			s.ingester.Consume(loopCtx, run, handle.Stream, run.Publish)
		}
		s.finish(loopCtx, run)
	}()
}

func (s *JobService) finish(ctx context.Context, run *JobRun) {
	job := run.Snapshot()
	fields := logger.Fields{logger.FieldStatus: string(job.State)}
	if job.CompletedAt != nil {
		fields[logger.FieldDurationMs] = job.CompletedAt.Sub(job.CreatedAt).Milliseconds()
	}
	logger.With(fields).Info(ctx, "Job finished")

	if job.State != domain.JobStateSucceeded {
		s.reconciler.Forget(job.OwnerID, job.CorrelationKey)
		return
	}
	if err := s.reconciler.Reconcile(ctx, job); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Reconciliation failed")
	}
}

func (s *JobService) owned(ownerID, jobID string) (*JobRun, error) {
	run, err := s.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if run.Snapshot().OwnerID != ownerID {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrJobNotFound)
	}
	return run, nil
}

// Get returns the owner's job.
func (s *JobService) Get(ownerID, jobID string) (domain.Job, error) {
	run, err := s.owned(ownerID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	return run.Snapshot(), nil
}

// List returns the owner's jobs still held in memory, newest first.
func (s *JobService) List(ownerID string) []domain.Job {
	return s.registry.List(ownerID)
}

// Cancel stops the owner's job. Cancelling a terminal job succeeds without effect.
func (s *JobService) Cancel(ctx context.Context, ownerID, jobID string) (domain.Job, error) {
	run, err := s.owned(ownerID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.canceller.Cancel(ctx, jobID); err != nil {
		return domain.Job{}, err
	}
	return run.Snapshot(), nil
}

// Subscribe streams the job's events until it is terminal. The channel is
// closed after the terminal event; call the returned function to leave early.
func (s *JobService) Subscribe(ownerID, jobID string) (<-chan domain.JobEvent, func(), error) {
	run, err := s.owned(ownerID, jobID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := s.bus.Subscribe(jobID)
	if run.Active() {
		return ch, unsubscribe, nil
	}

	unsubscribe()
	job := run.Snapshot()
	final := make(chan domain.JobEvent, 1)
	ev := domain.JobEvent{JobID: job.ID, State: job.State, Progress: job.ProgressPercent, At: time.Now()}
	if job.ErrorInfo != nil {
		ev.Message = job.ErrorInfo.Message
	}
	final <- ev
	close(final)
	return final, func() {}, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (s *JobService) Wait(ctx context.Context, ownerID, jobID string) (domain.Job, error) {
	run, err := s.owned(ownerID, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	select {
	case <-run.Done():
		return run.Snapshot(), nil
	case <-ctx.Done():
		return run.Snapshot(), ctx.Err()
	}
}

// History performs a full refresh of one page of the owner's history.
func (s *JobService) History(ctx context.Context, ownerID string, page, limit int) (*domain.HistoryPage, error) {
	return s.reconciler.Refresh(ctx, ownerID, page, limit)
}

// HistoryView returns the owner's history as currently known, without a server call.
func (s *JobService) HistoryView(ownerID string) *domain.HistoryPage {
	return s.reconciler.View(ownerID)
}

// DeleteHistory removes an entry by id or correlation key.
func (s *JobService) DeleteHistory(ctx context.Context, ownerID, entryID string) error {
	return s.reconciler.Delete(ctx, ownerID, entryID)
}

// ExportHistory returns the owner's history as an XLSX workbook.
func (s *JobService) ExportHistory(ctx context.Context, ownerID string) ([]byte, error) {
	return s.exporter.ExportXLSX(ctx, ownerID)
}

// Start runs the janitor that evicts finished jobs older than jobs.retention.
// It returns when ctx is done.
func (s *JobService) Start(ctx context.Context) {
	interval := s.cfg.Jobs.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	retention := s.cfg.Jobs.Retention
	if retention <= 0 {
		retention = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.registry.Evict(time.Now().Add(-retention)); n > 0 {
				logger.With(logger.Fields{logger.FieldCount: n}).Info(ctx, "Evicted finished jobs")
			}
		}
	}
}

// Shutdown stops every job loop and waits for them to exit or ctx to end.
func (s *JobService) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
