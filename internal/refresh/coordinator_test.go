package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	providers []*db.Provider
	stats     *db.RefreshStats
}

func (s *fakeStore) ListProvidersByStatus(ctx context.Context, status db.ProviderStatus) ([]*db.Provider, error) {
	var out []*db.Provider
	for _, p := range s.providers {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) GetRefreshStats(ctx context.Context, recentWithin, staleAfter time.Duration, healthyMaxFailures int) (*db.RefreshStats, error) {
	return s.stats, nil
}

type fakeSyncer struct {
	outcomes map[string]*syncer.Outcome
	synced   []string
}

func (s *fakeSyncer) SyncLoaded(ctx context.Context, provider *db.Provider) *syncer.Outcome {
	s.synced = append(s.synced, provider.ID)
	if outcome, ok := s.outcomes[provider.ID]; ok {
		return outcome
	}
	return &syncer.Outcome{Status: syncer.OutcomeSuccess, ProviderID: provider.ID, ProviderName: provider.Name}
}

func provider(id string, status db.ProviderStatus) *db.Provider {
	return &db.Provider{
		ID:      id,
		Name:    "Provider " + id,
		Type:    db.ProviderTypeOpenAI,
		BaseURL: "https://example.test",
		APIKey:  "sk-" + id,
		Status:  status,
	}
}

func newCoordinatorForTest(store Store, s Syncer, queue jobs.Queue) *Coordinator {
	return NewCoordinator(store, s, queue, jobs.NewMemoryTracker(), zap.NewNop(), DefaultConfig())
}

func TestRefreshAllSyncsActiveProviders(t *testing.T) {
	store := &fakeStore{providers: []*db.Provider{
		provider("p1", db.StatusActive),
		provider("p2", db.StatusActive),
		provider("p3", db.StatusSuspended),
	}}
	fake := &fakeSyncer{}
	c := newCoordinatorForTest(store, fake, jobs.NewMemoryQueue())

	result := c.RefreshAll(context.Background())

	assert.Len(t, result.Success, 2)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Skipped)
	assert.ElementsMatch(t, []string{"p1", "p2"}, fake.synced)
}

func TestRefreshAllSkipsRecentlySynced(t *testing.T) {
	recent := time.Now().Add(-time.Minute)
	p := provider("p1", db.StatusActive)
	p.LastSyncAt = &recent

	store := &fakeStore{providers: []*db.Provider{p}}
	fake := &fakeSyncer{}
	c := newCoordinatorForTest(store, fake, jobs.NewMemoryQueue())

	result := c.RefreshAll(context.Background())

	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "Recently synced", result.Skipped[0].Reason)
	assert.Empty(t, fake.synced)
}

func TestRefreshAllSyncsOutsideRecencyWindow(t *testing.T) {
	old := time.Now().Add(-10 * time.Minute)
	p := provider("p1", db.StatusActive)
	p.LastSyncAt = &old

	store := &fakeStore{providers: []*db.Provider{p}}
	fake := &fakeSyncer{}
	c := newCoordinatorForTest(store, fake, jobs.NewMemoryQueue())

	result := c.RefreshAll(context.Background())
	assert.Len(t, result.Success, 1)
}

func TestRefreshAllSkipsMissingCredentials(t *testing.T) {
	p := provider("p1", db.StatusActive)
	p.APIKey = ""

	store := &fakeStore{providers: []*db.Provider{p}}
	fake := &fakeSyncer{}
	c := newCoordinatorForTest(store, fake, jobs.NewMemoryQueue())

	result := c.RefreshAll(context.Background())

	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "Missing API credentials", result.Skipped[0].Reason)
	assert.Empty(t, fake.synced)
}

func TestRefreshAllSchedulesDelayedRetries(t *testing.T) {
	store := &fakeStore{providers: []*db.Provider{provider("p1", db.StatusActive)}}
	fake := &fakeSyncer{outcomes: map[string]*syncer.Outcome{
		"p1": {Status: syncer.OutcomeFailed, ProviderID: "p1"},
	}}
	queue := jobs.NewMemoryQueue()
	c := newCoordinatorForTest(store, fake, queue)

	result := c.RefreshAll(context.Background())
	require.Len(t, result.Failed, 1)

	// The retry is delayed, not immediately due.
	_, err := queue.PopDue(context.Background(), time.Now())
	assert.ErrorIs(t, err, jobs.ErrEmpty)

	job, err := queue.PopDue(context.Background(), time.Now().Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "p1", job.ProviderID)
	assert.Equal(t, "retry", job.Reason)
}

func TestForceRefreshAllSchedulesEverything(t *testing.T) {
	recent := time.Now()
	p1 := provider("p1", db.StatusActive)
	p1.LastSyncAt = &recent
	p2 := provider("p2", db.StatusActive)

	store := &fakeStore{providers: []*db.Provider{p1, p2, provider("p3", db.StatusInactive)}}
	fake := &fakeSyncer{}
	queue := jobs.NewMemoryQueue()
	c := newCoordinatorForTest(store, fake, queue)

	result, err := c.ForceRefreshAll(context.Background())
	require.NoError(t, err)

	// Force ignores recency and returns without syncing inline.
	assert.Equal(t, 2, result.ProvidersCount)
	assert.Empty(t, fake.synced)

	length, err := queue.Length(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), length)

	job, err := queue.PopDue(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "force", job.Reason)
}

func TestGetStatus(t *testing.T) {
	lastSync := time.Now().Add(-5 * time.Minute)
	store := &fakeStore{stats: &db.RefreshStats{
		TotalActive:    4,
		SyncedRecently: 3,
		NeedsSync:      1,
		Healthy:        4,
		LastGlobalSync: &lastSync,
	}}

	tracker := jobs.NewMemoryTracker()
	c := NewCoordinator(store, &fakeSyncer{}, jobs.NewMemoryQueue(), tracker, zap.NewNop(), DefaultConfig())

	status, err := c.GetStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, status.TotalProviders)
	assert.Equal(t, 3, status.SyncedRecently)
	assert.Equal(t, 1, status.NeedsSync)
	assert.Equal(t, 4, status.Healthy)
	assert.Equal(t, &lastSync, status.LastGlobalSync)
	assert.False(t, status.SyncInProgress)

	tracker.TryStart(context.Background(), "p1")
	status, err = c.GetStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.SyncInProgress)
}
