package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
)

const historyRequestTimeout = 15 * time.Second

// HistoryClient is a HistoryStore backed by a remote history API.
type HistoryClient struct {
	client     *resty.Client
	normalizer *Normalizer
}

// NewHistoryClient creates a client for cfg.BaseURL.
func NewHistoryClient(cfg *config.HistoryConfig) *HistoryClient {
	return &HistoryClient{
		client:     newClient(cfg.BaseURL, cfg.APIKey),
		normalizer: NewNormalizer(nil),
	}
}

type saveRequest struct {
	OwnerID        string          `json:"ownerId"`
	CorrelationKey string          `json:"correlationKey"`
	JobID          string          `json:"jobId"`
	Kind           domain.JobKind  `json:"kind"`
	Result         json.RawMessage `json:"result,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Save stores entry and returns it with the server-assigned id.
func (c *HistoryClient) Save(ctx context.Context, entry *domain.HistoryEntry) (*domain.HistoryEntry, error) {
	data, code, err := postJSON(ctx, c.client, historyRequestTimeout, "/history", saveRequest{
		OwnerID:        entry.OwnerID,
		CorrelationKey: entry.CorrelationKey,
		JobID:          entry.JobID,
		Kind:           entry.Kind,
		Result:         entry.Result,
		CompletedAt:    entry.CompletedAt,
	})
	if err != nil {
		return nil, transportError("save history", err)
	}
	if code < 200 || code >= 300 || !c.normalizer.Success(data) {
		return nil, failureFrom(c.normalizer, code, data)
	}

	saved := *entry
	saved.ID = c.normalizer.EntryID(data)
	if saved.ID == "" {
		return nil, &domain.ProviderFailure{StatusCode: code, Message: "history save returned no entry id"}
	}
	saved.Unconfirmed = false
	return &saved, nil
}

// List returns one page of the owner's history. Pages are 1-based.
func (c *HistoryClient) List(ctx context.Context, ownerID string, page, limit int) (*domain.HistoryPage, error) {
	data, code, err := postJSON(ctx, c.client, historyRequestTimeout, "/history/list", map[string]interface{}{
		"ownerId": ownerID,
		"page":    page,
		"limit":   limit,
	})
	if err != nil {
		return nil, transportError("list history", err)
	}
	if code < 200 || code >= 300 {
		return nil, failureFrom(c.normalizer, code, data)
	}

	n := c.normalizer
	items := n.Items(data)
	out := &domain.HistoryPage{
		Items:      make([]domain.HistoryEntry, 0, len(items)),
		Page:       page,
		Limit:      limit,
		TotalItems: n.TotalItems(data),
		TotalPages: n.TotalPages(data),
	}
	for _, item := range items {
		out.Items = append(out.Items, c.entryFrom(ownerID, item))
	}
	if out.TotalPages == 0 {
		out.TotalPages = domain.TotalPagesFor(out.TotalItems, limit)
	}
	return out, nil
}

// Delete removes entryID from the owner's history.
func (c *HistoryClient) Delete(ctx context.Context, ownerID, entryID string) error {
	data, code, err := postJSON(ctx, c.client, historyRequestTimeout, "/history/delete", map[string]string{
		"ownerId": ownerID,
		"entryId": entryID,
	})
	if err != nil {
		return transportError("delete history", err)
	}
	if code == 404 {
		return fmt.Errorf("delete %s: %w", entryID, domain.ErrEntryNotFound)
	}
	if code < 200 || code >= 300 || !c.normalizer.Success(data) {
		return failureFrom(c.normalizer, code, data)
	}
	return nil
}

func (c *HistoryClient) entryFrom(ownerID string, item gjson.Result) domain.HistoryEntry {
	raw := []byte(item.Raw)
	entry := domain.HistoryEntry{
		ID:             c.normalizer.EntryID(raw),
		OwnerID:        ownerID,
		CorrelationKey: first(raw, []string{"correlationKey", "correlation_key"}).String(),
		JobID:          first(raw, []string{"jobId", "job_id"}).String(),
		Kind:           domain.JobKind(first(raw, []string{"kind", "type"}).String()),
		Result:         c.normalizer.Result(raw),
	}
	if t := first(raw, []string{"createdAt", "created_at"}); t.Exists() {
		entry.CreatedAt = t.Time()
	}
	if t := first(raw, []string{"completedAt", "completed_at"}); t.Exists() {
		completed := t.Time()
		entry.CompletedAt = &completed
	}
	return entry
}
