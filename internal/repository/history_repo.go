package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/genflow/internal/domain"
)

// HistoryRepository stores confirmed history entries in the local database.
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new HistoryRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *HistoryRepository: repository instance bound to db.
func NewHistoryRepository(db *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Save upserts entry keyed by owner and correlation key, so repeating a save
// for the same job never creates a second row.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entry: history entry to persist; ID is assigned when empty.
// Returns:
//   - *domain.HistoryEntry: the stored row with its canonical ID.
//   - error: non-nil if the upsert fails.
func (r *HistoryRepository) Save(ctx context.Context, entry *domain.HistoryEntry) (*domain.HistoryEntry, error) {
	row := *entry
	row.Unconfirmed = false
	if row.ID == "" {
		row.ID = uuid.New().String()
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "correlation_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"job_id", "kind", "result", "completed_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("save history entry: %w", err)
	}
	return r.GetByCorrelationKey(ctx, row.OwnerID, row.CorrelationKey)
}

// GetByCorrelationKey retrieves the owner's entry for a correlation key.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: owner of the entry.
//   - key: correlation key generated at submission.
// Returns:
//   - *domain.HistoryEntry: entry if found.
//   - error: domain.ErrEntryNotFound when absent.
func (r *HistoryRepository) GetByCorrelationKey(ctx context.Context, ownerID, key string) (*domain.HistoryEntry, error) {
	var entry domain.HistoryEntry
	err := r.db.WithContext(ctx).
		First(&entry, "owner_id = ? AND correlation_key = ?", ownerID, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns a page of the owner's entries, newest first. Pages are 1-based.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: owner whose history is listed.
//   - page: 1-based page number.
//   - limit: page size.
// Returns:
//   - *domain.HistoryPage: items and totals.
//   - error: non-nil if a query fails.
func (r *HistoryRepository) List(ctx context.Context, ownerID string, page, limit int) (*domain.HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.HistoryEntry{}).
		Where("owner_id = ?", ownerID).
		Count(&total).Error; err != nil {
		return nil, err
	}

	var items []domain.HistoryEntry
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&items).Error; err != nil {
		return nil, err
	}

	return &domain.HistoryPage{
		Items:      items,
		Page:       page,
		Limit:      limit,
		TotalItems: total,
		TotalPages: domain.TotalPagesFor(total, limit),
	}, nil
}

// Delete removes the owner's entry with the given ID.
// Returns domain.ErrEntryNotFound when no row matched.
func (r *HistoryRepository) Delete(ctx context.Context, ownerID, entryID string) error {
	res := r.db.WithContext(ctx).
		Where("owner_id = ? AND id = ?", ownerID, entryID).
		Delete(&domain.HistoryEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}
