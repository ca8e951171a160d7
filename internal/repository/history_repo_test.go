package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/timmy/genflow/internal/domain"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func TestHistorySaveIsIdempotentPerCorrelationKey(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t))
	ctx := context.Background()

	first, err := repo.Save(ctx, &domain.HistoryEntry{
		OwnerID:        "o",
		CorrelationKey: "ck",
		JobID:          "j1",
		Kind:           domain.JobKindContent,
		Result:         json.RawMessage(`"v1"`),
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := repo.Save(ctx, &domain.HistoryEntry{
		OwnerID:        "o",
		CorrelationKey: "ck",
		JobID:          "j1",
		Kind:           domain.JobKindContent,
		Result:         json.RawMessage(`"v2"`),
		CreatedAt:      time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, `"v2"`, string(second.Result))

	page, err := repo.List(ctx, "o", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.TotalItems)
}

func TestHistoryListPaginates(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		_, err := repo.Save(ctx, &domain.HistoryEntry{
			OwnerID:        "o",
			CorrelationKey: fmt.Sprintf("ck-%d", i),
			Kind:           domain.JobKindImage,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := repo.Save(ctx, &domain.HistoryEntry{OwnerID: "other", CorrelationKey: "x", CreatedAt: base})
	require.NoError(t, err)

	page, err := repo.List(ctx, "o", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), page.TotalItems)
	assert.Equal(t, 3, page.TotalPages)
	require.Len(t, page.Items, 3)
	assert.Equal(t, "ck-3", page.Items[0].CorrelationKey)

	last, err := repo.List(ctx, "o", 3, 3)
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)
}

func TestHistoryDelete(t *testing.T) {
	repo := NewHistoryRepository(newTestDB(t))
	ctx := context.Background()

	saved, err := repo.Save(ctx, &domain.HistoryEntry{OwnerID: "o", CorrelationKey: "ck", CreatedAt: time.Now()})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.Delete(ctx, "someone-else", saved.ID), domain.ErrEntryNotFound)
	require.NoError(t, repo.Delete(ctx, "o", saved.ID))
	assert.ErrorIs(t, repo.Delete(ctx, "o", saved.ID), domain.ErrEntryNotFound)

	_, err = repo.GetByCorrelationKey(ctx, "o", "ck")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}
