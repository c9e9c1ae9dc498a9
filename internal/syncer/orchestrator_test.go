package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leozw/usage-guardian/internal/db"
	"github.com/leozw/usage-guardian/internal/jobs"
	"github.com/leozw/usage-guardian/internal/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	providers map[string]*db.Provider
}

func (s *fakeStore) GetProvider(ctx context.Context, id string) (*db.Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, errors.New("provider not found")
	}
	return p, nil
}

type fakeIngestor struct {
	calls  int
	report *providers.UsageReport
	err    error
}

func (i *fakeIngestor) Ingest(ctx context.Context, provider *db.Provider, report *providers.UsageReport) error {
	i.calls++
	i.report = report
	return i.err
}

type fakeRecorder struct {
	calls int
}

func (r *fakeRecorder) RecordFailure(ctx context.Context, provider *db.Provider) (int, error) {
	r.calls++
	return r.calls, nil
}

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		RequestTimeout: 2 * time.Second,
		Backoff:        &ExponentialBackoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2.0},
	}
}

func newOrchestratorForTest(store Store, ingestor Ingestor, recorder FailureRecorder) *Orchestrator {
	return NewOrchestrator(store, providers.NewRegistry(), ingestor, recorder, jobs.NewMemoryTracker(), zap.NewNop(), fastConfig())
}

func openAIProvider(baseURL string) *db.Provider {
	return &db.Provider{
		ID:      "p1",
		Name:    "OpenAI Production",
		Type:    db.ProviderTypeOpenAI,
		BaseURL: baseURL,
		APIKey:  "sk-test",
		Status:  db.StatusActive,
	}
}

func healthyOpenAIServer() *httptest.Server {
	today := time.Now().Format("2006-01-02")
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprint(w, `{"data":[]}`)
		case "/v1/usage":
			fmt.Fprintf(w, `{"data":[{"date":%q,"n_requests":10}]}`, today)
		case "/v1/dashboard/billing/subscription":
			fmt.Fprint(w, `{"plan":"Pay-as-you-go","hard_limit_usd":500}`)
		case "/v1/dashboard/billing/usage":
			fmt.Fprint(w, `{"total_usage":1000}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestSyncLoadedSuccess(t *testing.T) {
	srv := healthyOpenAIServer()
	defer srv.Close()

	ingestor := &fakeIngestor{}
	recorder := &fakeRecorder{}
	o := newOrchestratorForTest(&fakeStore{}, ingestor, recorder)

	outcome := o.SyncLoaded(context.Background(), openAIProvider(srv.URL))

	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Equal(t, "Successfully refreshed OpenAI Production", outcome.Message)
	assert.NotNil(t, outcome.SyncedAt)
	assert.Equal(t, 1, ingestor.calls)
	assert.Equal(t, 10, ingestor.report.RequestCount)
	assert.Zero(t, recorder.calls)
}

func TestSyncLoadedSkipsInactive(t *testing.T) {
	o := newOrchestratorForTest(&fakeStore{}, &fakeIngestor{}, &fakeRecorder{})

	p := openAIProvider("https://example.test")
	p.Status = db.StatusSuspended

	outcome := o.SyncLoaded(context.Background(), p)
	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "Provider not active", outcome.Reason)
}

func TestSyncLoadedSkipsMissingCredentials(t *testing.T) {
	o := newOrchestratorForTest(&fakeStore{}, &fakeIngestor{}, &fakeRecorder{})

	p := openAIProvider("https://example.test")
	p.APIKey = ""

	outcome := o.SyncLoaded(context.Background(), p)
	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "Missing API credentials", outcome.Reason)
}

func TestSyncLoadedSkipsUnknownType(t *testing.T) {
	recorder := &fakeRecorder{}
	o := newOrchestratorForTest(&fakeStore{}, &fakeIngestor{}, recorder)

	p := openAIProvider("https://example.test")
	p.Type = "cohere"

	outcome := o.SyncLoaded(context.Background(), p)
	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, `Unknown provider type "cohere"`, outcome.Reason)
	// Configuration problems never count as sync failures.
	assert.Zero(t, recorder.calls)
}

func TestSyncLoadedSkipsWhenAlreadyInFlight(t *testing.T) {
	srv := healthyOpenAIServer()
	defer srv.Close()

	tracker := jobs.NewMemoryTracker()
	o := NewOrchestrator(&fakeStore{}, providers.NewRegistry(), &fakeIngestor{}, &fakeRecorder{}, tracker, zap.NewNop(), fastConfig())

	// Claim the slot as if another worker held it.
	ok, err := tracker.TryStart(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, ok)

	outcome := o.SyncLoaded(context.Background(), openAIProvider(srv.URL))
	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "Sync already in progress", outcome.Reason)
}

func TestSyncLoadedReleasesSlotAfterCycle(t *testing.T) {
	srv := healthyOpenAIServer()
	defer srv.Close()

	tracker := jobs.NewMemoryTracker()
	o := NewOrchestrator(&fakeStore{}, providers.NewRegistry(), &fakeIngestor{}, &fakeRecorder{}, tracker, zap.NewNop(), fastConfig())

	outcome := o.SyncLoaded(context.Background(), openAIProvider(srv.URL))
	require.Equal(t, OutcomeSuccess, outcome.Status)

	running, err := tracker.RunningCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, running)
}

func TestSyncLoadedRetriesThenFails(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	recorder := &fakeRecorder{}
	o := newOrchestratorForTest(&fakeStore{}, &fakeIngestor{}, recorder)

	outcome := o.SyncLoaded(context.Background(), openAIProvider(srv.URL))

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Message, "Failed to refresh OpenAI Production")
	assert.Equal(t, 3, attempts)
	// One failure per exhausted cycle, not one per attempt.
	assert.Equal(t, 1, recorder.calls)
}

func TestSyncLoadedRecoversWithinCycle(t *testing.T) {
	today := time.Now().Format("2006-01-02")
	failures := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" && failures < 1 {
			failures++
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprint(w, `{"data":[]}`)
		case "/v1/usage":
			fmt.Fprintf(w, `{"data":[{"date":%q,"n_requests":10}]}`, today)
		case "/v1/dashboard/billing/subscription":
			fmt.Fprint(w, `{"plan":"Pay-as-you-go"}`)
		case "/v1/dashboard/billing/usage":
			fmt.Fprint(w, `{"total_usage":0}`)
		}
	}))
	defer srv.Close()

	recorder := &fakeRecorder{}
	o := newOrchestratorForTest(&fakeStore{}, &fakeIngestor{}, recorder)

	outcome := o.SyncLoaded(context.Background(), openAIProvider(srv.URL))
	assert.Equal(t, OutcomeSuccess, outcome.Status)
	assert.Zero(t, recorder.calls)
}

func TestSyncLoadedIngestErrorCountsAsFailure(t *testing.T) {
	srv := healthyOpenAIServer()
	defer srv.Close()

	recorder := &fakeRecorder{}
	ingestor := &fakeIngestor{err: errors.New("db down")}
	o := newOrchestratorForTest(&fakeStore{}, ingestor, recorder)

	outcome := o.SyncLoaded(context.Background(), openAIProvider(srv.URL))
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.Equal(t, 1, recorder.calls)
}

func TestSyncProviderNotFound(t *testing.T) {
	o := newOrchestratorForTest(&fakeStore{providers: map[string]*db.Provider{}}, &fakeIngestor{}, &fakeRecorder{})

	outcome := o.SyncProvider(context.Background(), "ghost")
	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "Provider not found", outcome.Reason)
}

func TestSyncProviderLoadsAndRuns(t *testing.T) {
	srv := healthyOpenAIServer()
	defer srv.Close()

	store := &fakeStore{providers: map[string]*db.Provider{
		"p1": openAIProvider(srv.URL),
	}}
	o := newOrchestratorForTest(store, &fakeIngestor{}, &fakeRecorder{})

	outcome := o.SyncProvider(context.Background(), "p1")
	assert.Equal(t, OutcomeSuccess, outcome.Status)
}
