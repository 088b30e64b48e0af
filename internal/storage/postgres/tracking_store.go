// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const trackingColumns = `id, target_url, spec, status, attempts, consec_fails, stalled,
	last_error, last_verdict, proxy_id, proxy_exit_ip, proxy_error, snapshot_uri,
	items_saved, created_at, updated_at, next_check_at, last_attempt_at`

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// NewPool opens a pgx connection pool from the given config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// TrackingStore persists tracking records in Postgres. The status
// column is the claim lock: Claim is a conditional UPDATE, so two
// schedulers racing on the same record cannot both win.
type TrackingStore struct {
	pool  pgxPool
	table string
	clock crawl.Clock
}

// NewTrackingStore constructs a store from an existing pool.
func NewTrackingStore(pool pgxPool, table string, clock crawl.Clock) (*TrackingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "trackings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TrackingStore{pool: pool, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *TrackingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert inserts a tracking, or re-arms the existing row for the same
// target URL with the new spec. Identity, attempt history and stats
// survive an update.
func (s *TrackingStore) Upsert(ctx context.Context, t crawl.Tracking) (crawl.Tracking, error) {
	specJSON, err := json.Marshal(t.Spec)
	if err != nil {
		return crawl.Tracking{}, fmt.Errorf("marshal spec: %w", err)
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,'pending',0,0,false,'','','','','','',0,$4,$4,$5,NULL)
ON CONFLICT (target_url) DO UPDATE SET
	spec = EXCLUDED.spec,
	status = 'pending',
	stalled = false,
	consec_fails = 0,
	next_check_at = EXCLUDED.next_check_at,
	updated_at = EXCLUDED.updated_at
RETURNING %s`, s.table, trackingColumns, trackingColumns)

	row := s.pool.QueryRow(ctx, query, t.ID, t.TargetURL, specJSON, now, t.NextCheckAt)
	return scanTracking(row)
}

// Get fetches a tracking by id.
func (s *TrackingStore) Get(ctx context.Context, id string) (crawl.Tracking, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, trackingColumns, s.table)
	t, err := scanTracking(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Tracking{}, crawl.ErrNotFound
	}
	return t, err
}

// Due returns at most limit claimable rows whose next_check_at has
// elapsed, oldest first, ties broken by id.
func (s *TrackingStore) Due(ctx context.Context, now time.Time, limit int) ([]crawl.Tracking, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status <> 'running'
  AND NOT stalled
  AND next_check_at IS NOT NULL
  AND next_check_at <= $1
ORDER BY next_check_at, id
LIMIT $2`, trackingColumns, s.table)

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due trackings: %w", err)
	}
	defer rows.Close()
	return scanTrackings(rows)
}

// Claim conditionally moves the row to running and counts the attempt.
// The WHERE clause is the compare-and-swap: without force only a
// pending row matches, so a concurrent claimer gets zero rows back.
func (s *TrackingStore) Claim(ctx context.Context, id string, force bool) (crawl.Tracking, bool, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET
	status = 'running',
	attempts = attempts + 1,
	last_attempt_at = $2,
	next_check_at = NULL,
	updated_at = $2
WHERE id = $1 AND (status = 'pending' OR $3)
RETURNING %s`, s.table, trackingColumns)

	t, err := scanTracking(s.pool.QueryRow(ctx, query, id, now, force))
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost claim or unknown id; tell them apart for the caller.
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return crawl.Tracking{}, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return crawl.Tracking{}, false, err
	}
	return t, true, nil
}

// Finish writes the terminal state computed by the runner. Only a
// running row may be finished.
func (s *TrackingStore) Finish(ctx context.Context, t crawl.Tracking) error {
	if t.Status != crawl.StatusDone && t.Status != crawl.StatusFailed {
		return errors.New("finish requires a terminal status")
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	consec_fails = $3,
	stalled = $4,
	last_error = $5,
	last_verdict = $6,
	proxy_id = $7,
	proxy_exit_ip = $8,
	proxy_error = $9,
	snapshot_uri = $10,
	items_saved = $11,
	next_check_at = $12,
	updated_at = $13
WHERE id = $1 AND status = 'running'`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		t.ID,
		string(t.Status),
		t.ConsecFails,
		t.Stalled,
		t.LastError,
		string(t.LastVerdict),
		t.ProxyID,
		t.ProxyExitIP,
		t.ProxyError,
		t.SnapshotURI,
		t.Stats.ItemsSaved,
		t.NextCheckAt,
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("finish tracking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New("finish on a tracking that is not running")
	}
	return nil
}

// Rearm moves a row back to pending with the given next check time and
// clears any stall.
func (s *TrackingStore) Rearm(ctx context.Context, id string, next *time.Time) (crawl.Tracking, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = 'pending',
	stalled = false,
	consec_fails = 0,
	next_check_at = $2,
	updated_at = $3
WHERE id = $1
RETURNING %s`, s.table, trackingColumns)

	t, err := scanTracking(s.pool.QueryRow(ctx, query, id, next, s.clock.Now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.Tracking{}, crawl.ErrNotFound
	}
	return t, err
}

// List returns the most recently updated rows, newest first.
func (s *TrackingStore) List(ctx context.Context, limit int) ([]crawl.Tracking, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
ORDER BY updated_at DESC, id DESC
LIMIT $1`, trackingColumns, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list trackings: %w", err)
	}
	defer rows.Close()
	return scanTrackings(rows)
}

// CountByStatus returns counts for every status, including zeroes.
func (s *TrackingStore) CountByStatus(ctx context.Context) (map[crawl.TrackingStatus]int, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count trackings: %w", err)
	}
	defer rows.Close()

	counts := map[crawl.TrackingStatus]int{
		crawl.StatusPending: 0,
		crawl.StatusRunning: 0,
		crawl.StatusDone:    0,
		crawl.StatusFailed:  0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[crawl.TrackingStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count trackings: %w", err)
	}
	return counts, nil
}

func scanTracking(row pgx.Row) (crawl.Tracking, error) {
	var (
		t        crawl.Tracking
		specJSON []byte
		status   string
		verdict  string
	)
	err := row.Scan(
		&t.ID,
		&t.TargetURL,
		&specJSON,
		&status,
		&t.Attempts,
		&t.ConsecFails,
		&t.Stalled,
		&t.LastError,
		&verdict,
		&t.ProxyID,
		&t.ProxyExitIP,
		&t.ProxyError,
		&t.SnapshotURI,
		&t.Stats.ItemsSaved,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.NextCheckAt,
		&t.LastAttempt,
	)
	if err != nil {
		return crawl.Tracking{}, err
	}
	if err := json.Unmarshal(specJSON, &t.Spec); err != nil {
		return crawl.Tracking{}, fmt.Errorf("unmarshal spec: %w", err)
	}
	t.Status = crawl.TrackingStatus(status)
	t.LastVerdict = crawl.Verdict(verdict)
	return t, nil
}

func scanTrackings(rows pgx.Rows) ([]crawl.Tracking, error) {
	var out []crawl.Tracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracking row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking rows: %w", err)
	}
	return out, nil
}
