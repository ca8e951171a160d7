package service

import (
	"context"
	"errors"
	"sync"

	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

// HistoryStore persists confirmed history entries.
type HistoryStore interface {
	Save(ctx context.Context, entry *domain.HistoryEntry) (*domain.HistoryEntry, error)
	List(ctx context.Context, ownerID string, page, limit int) (*domain.HistoryPage, error)
	Delete(ctx context.Context, ownerID, entryID string) error
}

// ownerView is the history one owner currently sees.
type ownerView struct {
	mu         sync.Mutex
	entries    []domain.HistoryEntry
	page       int
	limit      int
	totalItems int64
	totalPages int
	tombstones map[string]struct{}
	inflight   map[string]struct{}
}

func (v *ownerView) indexOf(match func(*domain.HistoryEntry) bool) int {
	for i := range v.entries {
		if match(&v.entries[i]) {
			return i
		}
	}
	return -1
}

// put replaces the entry with the same correlation key or prepends e.
func (v *ownerView) put(e domain.HistoryEntry) {
	if i := v.indexOf(func(x *domain.HistoryEntry) bool { return x.CorrelationKey == e.CorrelationKey }); i >= 0 {
		v.entries[i] = e
		return
	}
	v.entries = append([]domain.HistoryEntry{e}, v.entries...)
}

func (v *ownerView) removeAt(i int) domain.HistoryEntry {
	e := v.entries[i]
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	return e
}

func (v *ownerView) snapshot() *domain.HistoryPage {
	items := make([]domain.HistoryEntry, len(v.entries))
	copy(items, v.entries)
	return &domain.HistoryPage{
		Items:      items,
		Page:       v.page,
		Limit:      v.limit,
		TotalItems: v.totalItems,
		TotalPages: v.totalPages,
	}
}

// ResultReconciler turns succeeded jobs into history entries and keeps each
// owner's view consistent with the server. Deletes win over in-flight saves.
type ResultReconciler struct {
	store    HistoryStore
	pageSize int

	mu    sync.Mutex
	views map[string]*ownerView
}

// NewResultReconciler creates a reconciler over store.
func NewResultReconciler(store HistoryStore, pageSize int) *ResultReconciler {
	if pageSize <= 0 {
		pageSize = 10
	}
	return &ResultReconciler{store: store, pageSize: pageSize, views: make(map[string]*ownerView)}
}

func (r *ResultReconciler) view(ownerID string) *ownerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[ownerID]
	if !ok {
		v = &ownerView{
			page:       1,
			limit:      r.pageSize,
			tombstones: make(map[string]struct{}),
			inflight:   make(map[string]struct{}),
		}
		r.views[ownerID] = v
	}
	return v
}

// Expect marks a job's correlation key as pending from the moment the job is
// accepted, so a delete arriving before Reconcile still wins. Clear it with
// Reconcile or Forget.
func (r *ResultReconciler) Expect(ownerID, correlationKey string) {
	v := r.view(ownerID)
	v.mu.Lock()
	v.inflight[correlationKey] = struct{}{}
	v.mu.Unlock()
}

// Forget drops a pending key whose job ended without a result.
func (r *ResultReconciler) Forget(ownerID, correlationKey string) {
	v := r.view(ownerID)
	v.mu.Lock()
	delete(v.inflight, correlationKey)
	v.mu.Unlock()
}

// Reconcile persists the history entry of a succeeded job. Other states are ignored.
// When the store fails, a local entry flagged Unconfirmed keeps the result visible.
func (r *ResultReconciler) Reconcile(ctx context.Context, job domain.Job) error {
	if job.State != domain.JobStateSucceeded {
		return nil
	}
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldJobID:          job.ID,
		logger.FieldCorrelationKey: job.CorrelationKey,
		logger.FieldComponent:      "reconcile",
	})

	v := r.view(job.OwnerID)
	v.mu.Lock()
	if _, deleted := v.tombstones[job.CorrelationKey]; deleted {
		delete(v.inflight, job.CorrelationKey)
		v.mu.Unlock()
		logger.CtxInfo(ctx, "Skipping reconciliation of deleted entry")
		return nil
	}
	v.inflight[job.CorrelationKey] = struct{}{}
	v.mu.Unlock()

	entry := domain.HistoryEntry{
		OwnerID:        job.OwnerID,
		CorrelationKey: job.CorrelationKey,
		JobID:          job.ID,
		Kind:           job.Kind,
		Result:         job.ResultPayload,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
	saved, err := r.store.Save(ctx, &entry)

	v.mu.Lock()
	delete(v.inflight, job.CorrelationKey)
	_, deleted := v.tombstones[job.CorrelationKey]
	if deleted {
		v.mu.Unlock()
		if err == nil {
			// the delete already won; remove the row the save created
			if derr := r.store.Delete(ctx, job.OwnerID, saved.ID); derr != nil && !errors.Is(derr, domain.ErrEntryNotFound) {
				logger.FromContext(ctx).WithError(derr).Error("Failed to remove history entry deleted during save")
			}
		}
		logger.CtxInfo(ctx, "Dropped history write for entry deleted during save")
		return nil
	}
	if err != nil {
		entry.ID = job.CorrelationKey
		entry.Unconfirmed = true
		v.put(entry)
		v.mu.Unlock()
		logger.FromContext(ctx).WithError(err).Warn("History save failed, keeping unconfirmed local entry")
		return nil
	}
	v.put(*saved)
	v.mu.Unlock()
	logger.CtxInfo(ctx, "History entry saved: entry_id=%s", saved.ID)
	return nil
}

// Refresh replaces the owner's view with a page from the server. Unconfirmed
// local entries are discarded; totals come from the server only.
func (r *ResultReconciler) Refresh(ctx context.Context, ownerID string, page, limit int) (*domain.HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = r.pageSize
	}
	pg, err := r.store.List(ctx, ownerID, page, limit)
	if err != nil {
		return nil, err
	}

	v := r.view(ownerID)
	v.mu.Lock()
	defer v.mu.Unlock()

	entries := make([]domain.HistoryEntry, 0, len(pg.Items))
	for _, e := range pg.Items {
		if _, deleted := v.tombstones[e.CorrelationKey]; deleted {
			continue
		}
		entries = append(entries, e)
	}
	v.entries = entries
	v.page = page
	v.limit = limit
	v.totalItems = pg.TotalItems
	v.totalPages = pg.TotalPages
	if v.totalPages == 0 {
		v.totalPages = domain.TotalPagesFor(pg.TotalItems, limit)
	}
	return v.snapshot(), nil
}

// Delete removes an entry by server id or correlation key. The correlation key
// is tombstoned first, so a reconciliation still in flight drops its write.
func (r *ResultReconciler) Delete(ctx context.Context, ownerID, entryID string) error {
	v := r.view(ownerID)
	v.mu.Lock()

	i := v.indexOf(func(e *domain.HistoryEntry) bool { return e.ID == entryID })
	if i < 0 {
		i = v.indexOf(func(e *domain.HistoryEntry) bool { return e.CorrelationKey == entryID })
	}
	if i < 0 {
		if _, pending := v.inflight[entryID]; pending {
			v.tombstones[entryID] = struct{}{}
			v.mu.Unlock()
			logger.CtxInfo(ctx, "Tombstoned in-flight history entry: correlation_key=%s", entryID)
			return nil
		}
		// not in the current view: it may live on another page or belong to a
		// job whose result has not been reconciled yet
		v.tombstones[entryID] = struct{}{}
		v.mu.Unlock()
		return r.store.Delete(ctx, ownerID, entryID)
	}

	entry := v.removeAt(i)
	v.tombstones[entry.CorrelationKey] = struct{}{}
	v.mu.Unlock()

	if entry.Unconfirmed {
		return nil
	}
	err := r.store.Delete(ctx, ownerID, entry.ID)
	if err == nil || errors.Is(err, domain.ErrEntryNotFound) {
		return nil
	}

	// the server still has the row: undo so it does not vanish silently
	v.mu.Lock()
	delete(v.tombstones, entry.CorrelationKey)
	v.put(entry)
	v.mu.Unlock()
	return err
}

// View returns the owner's current entries with the last server totals.
func (r *ResultReconciler) View(ownerID string) *domain.HistoryPage {
	v := r.view(ownerID)
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot()
}
