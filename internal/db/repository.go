package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// Provider operations
func (r *Repository) CreateProvider(ctx context.Context, p *Provider) error {
	query := `
        INSERT INTO providers (
            id, name, provider_type, base_url, api_key, status,
            last_sync_at, sync_failures_count, metadata, created_at, updated_at
        ) VALUES (
            :id, :name, :provider_type, :base_url, :api_key, :status,
            :last_sync_at, :sync_failures_count, :metadata, :created_at, :updated_at
        )`

	_, err := r.db.NamedExecContext(ctx, query, p)
	return err
}

func (r *Repository) GetProvider(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	query := `SELECT * FROM providers WHERE id = $1`
	err := r.db.GetContext(ctx, &p, query, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider not found")
	}
	return &p, err
}

func (r *Repository) ListProviders(ctx context.Context) ([]*Provider, error) {
	providers := []*Provider{}
	query := `SELECT * FROM providers ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &providers, query)
	return providers, err
}

func (r *Repository) ListProvidersByStatus(ctx context.Context, status ProviderStatus) ([]*Provider, error) {
	providers := []*Provider{}
	query := `SELECT * FROM providers WHERE status = $1 ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &providers, query, status)
	return providers, err
}

func (r *Repository) UpdateProvider(ctx context.Context, p *Provider) error {
	query := `
        UPDATE providers SET
            name = :name,
            provider_type = :provider_type,
            base_url = :base_url,
            api_key = :api_key,
            status = :status,
            updated_at = :updated_at
        WHERE id = :id`

	_, err := r.db.NamedExecContext(ctx, query, p)
	return err
}

func (r *Repository) DeleteProvider(ctx context.Context, id string) error {
	// Plans, usage records and rate limit snapshots cascade.
	query := `DELETE FROM providers WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *Repository) UpdateProviderStatus(ctx context.Context, id string, status ProviderStatus) error {
	query := `UPDATE providers SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status)
	return err
}

// IncrementSyncFailures bumps the failure counter and returns the new value
// so the caller can decide whether the suspend threshold was crossed.
func (r *Repository) IncrementSyncFailures(ctx context.Context, id string) (int, error) {
	var count int
	query := `
        UPDATE providers
        SET sync_failures_count = sync_failures_count + 1, updated_at = NOW()
        WHERE id = $1
        RETURNING sync_failures_count`
	err := r.db.GetContext(ctx, &count, query, id)
	return count, err
}

// ApplySync applies one sync cycle's write set atomically: plan upsert,
// usage record upsert for the report's calendar day, rate limit snapshot
// replace, and the provider metadata merge with last_sync_at update and
// failure counter reset. Either all of it lands or none of it does.
func (r *Repository) ApplySync(ctx context.Context, providerID string, apply *SyncApply) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Plan upsert by name
	planQuery := `
        INSERT INTO plans (id, provider_id, name, details, created_at, updated_at)
        VALUES (gen_random_uuid(), $1, $2, $3, NOW(), NOW())
        ON CONFLICT (provider_id, name) DO UPDATE SET
            details = EXCLUDED.details,
            updated_at = NOW()`

	if _, err = tx.ExecContext(ctx, planQuery, providerID, apply.PlanName, apply.PlanDetails); err != nil {
		return fmt.Errorf("plan upsert: %w", err)
	}

	// Usage record upsert for the calendar day of the report
	dayStart := time.Date(apply.Timestamp.Year(), apply.Timestamp.Month(), apply.Timestamp.Day(), 0, 0, 0, 0, apply.Timestamp.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var recordID string
	err = tx.GetContext(ctx, &recordID,
		`SELECT id FROM usage_records WHERE provider_id = $1 AND timestamp >= $2 AND timestamp < $3`,
		providerID, dayStart, dayEnd,
	)
	switch err {
	case nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE usage_records SET request_count = $2, timestamp = $3, updated_at = NOW() WHERE id = $1`,
			recordID, apply.RequestCount, apply.Timestamp,
		)
	case sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO usage_records (id, provider_id, request_count, timestamp, created_at, updated_at)
             VALUES (gen_random_uuid(), $1, $2, $3, NOW(), NOW())`,
			providerID, apply.RequestCount, apply.Timestamp,
		)
	}
	if err != nil {
		return fmt.Errorf("usage record upsert: %w", err)
	}

	// Replace the single live rate limit snapshot
	rateQuery := `
        INSERT INTO rate_limit_snapshots (provider_id, limit_value, remaining, reset_at, updated_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (provider_id) DO UPDATE SET
            limit_value = $2,
            remaining = $3,
            reset_at = $4,
            updated_at = NOW()`

	if _, err = tx.ExecContext(ctx, rateQuery, providerID, apply.RateLimit, apply.Remaining, apply.ResetAt); err != nil {
		return fmt.Errorf("rate limit snapshot: %w", err)
	}

	// Shallow metadata merge, sync bookkeeping, failure counter reset
	providerQuery := `
        UPDATE providers SET
            metadata = COALESCE(metadata, '{}'::jsonb) || $2,
            last_sync_at = $3,
            sync_failures_count = 0,
            updated_at = NOW()
        WHERE id = $1`

	if _, err = tx.ExecContext(ctx, providerQuery, providerID, apply.Metadata, apply.Timestamp); err != nil {
		return fmt.Errorf("provider metadata: %w", err)
	}

	return tx.Commit()
}

// Rate limits
func (r *Repository) LatestRateLimit(ctx context.Context, providerID string) (*RateLimitSnapshot, error) {
	var s RateLimitSnapshot
	query := `SELECT * FROM rate_limit_snapshots WHERE provider_id = $1`
	err := r.db.GetContext(ctx, &s, query, providerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &s, err
}

// Plans
func (r *Repository) CurrentPlan(ctx context.Context, providerID string) (*Plan, error) {
	var p Plan
	query := `SELECT * FROM plans WHERE provider_id = $1 ORDER BY updated_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &p, query, providerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &p, err
}

// Usage queries
func (r *Repository) RequestCountBetween(ctx context.Context, providerID string, from, to time.Time) (int, error) {
	var count int
	query := `
        SELECT COALESCE(SUM(request_count), 0) FROM usage_records
        WHERE provider_id = $1 AND timestamp >= $2 AND timestamp < $3`
	err := r.db.GetContext(ctx, &count, query, providerID, from, to)
	return count, err
}

func (r *Repository) DailyUsage(ctx context.Context, providerID string, from, to time.Time) ([]DailyUsage, error) {
	usage := []DailyUsage{}
	query := `
        SELECT date_trunc('day', timestamp) AS day, COALESCE(SUM(request_count), 0) AS requests
        FROM usage_records
        WHERE provider_id = $1 AND timestamp >= $2 AND timestamp < $3
        GROUP BY day
        ORDER BY day`
	err := r.db.SelectContext(ctx, &usage, query, providerID, from, to)
	return usage, err
}

// RefreshStats feeds the coordinator's status snapshot.
type RefreshStats struct {
	TotalActive    int        `db:"total_active"`
	SyncedRecently int        `db:"synced_recently"`
	NeedsSync      int        `db:"needs_sync"`
	Healthy        int        `db:"healthy"`
	LastGlobalSync *time.Time `db:"last_global_sync"`
}

func (r *Repository) GetRefreshStats(ctx context.Context, recentWithin, staleAfter time.Duration, healthyMaxFailures int) (*RefreshStats, error) {
	var stats RefreshStats
	query := `
        SELECT
            COUNT(*) AS total_active,
            COUNT(*) FILTER (WHERE last_sync_at > NOW() - $1::interval) AS synced_recently,
            COUNT(*) FILTER (WHERE last_sync_at IS NULL OR last_sync_at < NOW() - $2::interval) AS needs_sync,
            COUNT(*) FILTER (WHERE sync_failures_count <= $3) AS healthy,
            MAX(last_sync_at) AS last_global_sync
        FROM providers
        WHERE status = 'active'`

	err := r.db.GetContext(ctx, &stats, query,
		fmt.Sprintf("%d seconds", int(recentWithin.Seconds())),
		fmt.Sprintf("%d seconds", int(staleAfter.Seconds())),
		healthyMaxFailures,
	)
	return &stats, err
}
