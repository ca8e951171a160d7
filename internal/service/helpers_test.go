package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/provider"
)

func testConfig(interval, timeout time.Duration) *config.Config {
	providers := make(map[string]config.ProviderConfig)
	for _, kind := range domain.AllJobKinds {
		providers[string(kind)] = config.ProviderConfig{
			BaseURL:      "http://provider.invalid",
			PollInterval: interval,
			Timeout:      timeout,
		}
	}
	return &config.Config{
		Providers: providers,
		Jobs: config.JobsConfig{
			MaxTransientFailures: 2,
			SuccessTokens:        []string{"successfully"},
			DisguisedSuccess:     true,
			Retention:            time.Hour,
			CleanupInterval:      time.Minute,
		},
		Progress: config.ProgressConfig{Interval: 5 * time.Millisecond, Ceiling: 95, Factor: 0.1},
		History:  config.HistoryConfig{Backend: "database", PageSize: 10},
	}
}

// fakeGateway delegates to func fields and counts calls.
type fakeGateway struct {
	create      func(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error)
	status      func(ctx context.Context, call int) (*domain.StatusReport, error)
	statusCalls atomic.Int32
}

func (g *fakeGateway) Create(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (*provider.CreateResponse, error) {
	return g.create(ctx, ownerID, kind, payload)
}

func (g *fakeGateway) Status(ctx context.Context, ownerID string, kind domain.JobKind, taskID string) (*domain.StatusReport, error) {
	n := int(g.statusCalls.Add(1))
	return g.status(ctx, n)
}

func pending() (*domain.StatusReport, error) {
	return &domain.StatusReport{Status: domain.ProviderStatusPending}, nil
}

// memoryStore is an in-memory HistoryStore.
type memoryStore struct {
	mu       sync.Mutex
	entries  map[string]domain.HistoryEntry
	nextID   int
	saveErr  error
	saveGate chan struct{}
	deleted  []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]domain.HistoryEntry)}
}

func (m *memoryStore) Save(ctx context.Context, entry *domain.HistoryEntry) (*domain.HistoryEntry, error) {
	if m.saveGate != nil {
		<-m.saveGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	for _, e := range m.entries {
		if e.OwnerID == entry.OwnerID && e.CorrelationKey == entry.CorrelationKey {
			return &e, nil
		}
	}
	m.nextID++
	saved := *entry
	saved.ID = fmt.Sprintf("srv-%d", m.nextID)
	saved.Unconfirmed = false
	m.entries[saved.ID] = saved
	return &saved, nil
}

func (m *memoryStore) List(ctx context.Context, ownerID string, page, limit int) (*domain.HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.HistoryEntry
	for _, e := range m.entries {
		if e.OwnerID == ownerID {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := (page - 1) * limit
	if start > len(all) {
		start = len(all)
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return &domain.HistoryPage{
		Items:      append([]domain.HistoryEntry(nil), all[start:end]...),
		Page:       page,
		Limit:      limit,
		TotalItems: int64(len(all)),
		TotalPages: domain.TotalPagesFor(int64(len(all)), limit),
	}, nil
}

func (m *memoryStore) Delete(ctx context.Context, ownerID, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok || e.OwnerID != ownerID {
		return domain.ErrEntryNotFound
	}
	delete(m.entries, entryID)
	m.deleted = append(m.deleted, entryID)
	return nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// recorder collects the states a job passes through.
type recorder struct {
	mu     sync.Mutex
	states []domain.JobState
	deltas []string
}

func (r *recorder) observe(ev domain.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.Delta != "" {
		r.deltas = append(r.deltas, ev.Delta)
		return
	}
	if n := len(r.states); n == 0 || r.states[n-1] != ev.State {
		r.states = append(r.states, ev.State)
	}
}

func (r *recorder) seen() []domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobState(nil), r.states...)
}

// newRun returns a run already moved to state through the legal path.
func newRun(kind domain.JobKind, observer func(domain.JobEvent), path ...domain.JobState) *JobRun {
	run := newJobRun(domain.Job{
		ID:             "job-1",
		OwnerID:        "owner-1",
		Kind:           kind,
		State:          domain.JobStateCreated,
		CreatedAt:      time.Now(),
		CorrelationKey: "ck-1",
	}, observer)
	for _, s := range path {
		if err := run.Transition(s, nil); err != nil {
			panic(err)
		}
	}
	return run
}
