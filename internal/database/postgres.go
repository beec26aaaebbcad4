package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"offlinehub/internal/config"
	"offlinehub/internal/metrics"
	"offlinehub/internal/models"
)

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	metrics *metrics.Metrics
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS downloads (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	game_id             TEXT NOT NULL,
	status              TEXT NOT NULL,
	file_size           BIGINT NOT NULL DEFAULT 0,
	downloaded_bytes    BIGINT NOT NULL DEFAULT 0,
	progress_percentage INT NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT '',
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS downloads_active_slot
	ON downloads (user_id, game_id)
	WHERE status IN ('pending', 'in_progress', 'paused');
CREATE INDEX IF NOT EXISTS downloads_user_status ON downloads (user_id, status);
`

const pgRecordColumns = `id, user_id, game_id, status, file_size, downloaded_bytes,
	progress_percentage, error_message, started_at, completed_at, created_at, updated_at`

// NewPostgresStore creates a new PostgreSQL store and ensures the downloads
// table exists. The games and memberships tables belong to the catalog and
// membership systems and are only read here.
func NewPostgresStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config error: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect error: %w", err)
	}

	s := &PostgresStore{
		pool:    pool,
		timeout: cfg.DatabaseQueryTimeout,
		metrics: m,
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema error: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) observe(start time.Time) {
	s.metrics.DatabaseQueryDuration.WithLabelValues("postgres").Observe(time.Since(start).Seconds())
}

// CreateRecord inserts a new download record. The advisory lock keyed by user
// id serializes the duplicate-active check and the quota sum against any
// concurrent initiate for the same user; the partial unique index is the
// backstop for (user, game) dedup across instances.
func (s *PostgresStore) CreateRecord(ctx context.Context, rec *models.DownloadRecord, budget int64) error {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(queryCtx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if _, err := tx.Exec(queryCtx, "SELECT pg_advisory_xact_lock(hashtext($1))", rec.UserID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	var current string
	err = tx.QueryRow(queryCtx,
		"SELECT status FROM downloads WHERE user_id = $1 AND game_id = $2 AND status = ANY($3)",
		rec.UserID, rec.GameID, statusList(models.ActiveStatuses()),
	).Scan(&current)
	switch {
	case err == nil:
		return &DuplicateActiveError{UserID: rec.UserID, GameID: rec.GameID, Current: models.Status(current)}
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("active check: %w", err)
	}

	var used int64
	err = tx.QueryRow(queryCtx,
		"SELECT COALESCE(SUM(file_size), 0) FROM downloads WHERE user_id = $1 AND status = ANY($2)",
		rec.UserID, statusList(models.QuotaStatuses()),
	).Scan(&used)
	if err != nil {
		return fmt.Errorf("quota sum: %w", err)
	}

	if used+rec.FileSize > budget {
		return &InsufficientQuotaError{Used: used, Requested: rec.FileSize, Budget: budget}
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err = tx.Exec(queryCtx,
		`INSERT INTO downloads (id, user_id, game_id, status, file_size, downloaded_bytes,
			progress_percentage, error_message, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.UserID, rec.GameID, string(rec.Status), rec.FileSize, rec.DownloadedBytes,
		rec.ProgressPercentage, rec.ErrorMessage, rec.StartedAt, rec.CompletedAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &DuplicateActiveError{UserID: rec.UserID, GameID: rec.GameID, Current: models.StatusPending}
		}
		return fmt.Errorf("insert: %w", err)
	}

	return tx.Commit(queryCtx)
}

// UpdateRecord applies mutate to the row under a FOR UPDATE lock.
func (s *PostgresStore) UpdateRecord(ctx context.Context, id string, mutate func(*models.DownloadRecord) error) (*models.DownloadRecord, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(queryCtx)

	row := tx.QueryRow(queryCtx,
		"SELECT "+pgRecordColumns+" FROM downloads WHERE id = $1 FOR UPDATE", id)

	rec, err := scanPgRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("download %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("select for update: %w", err)
	}

	if err := mutate(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(queryCtx,
		`UPDATE downloads SET status = $2, file_size = $3, downloaded_bytes = $4,
			progress_percentage = $5, error_message = $6, started_at = $7,
			completed_at = $8, updated_at = $9
		 WHERE id = $1`,
		rec.ID, string(rec.Status), rec.FileSize, rec.DownloadedBytes,
		rec.ProgressPercentage, rec.ErrorMessage, rec.StartedAt, rec.CompletedAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update: %w", err)
	}

	if err := tx.Commit(queryCtx); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecord retrieves a download record by ID
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.pool.QueryRow(queryCtx,
		"SELECT "+pgRecordColumns+" FROM downloads WHERE id = $1", id)

	rec, err := scanPgRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("download %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// GetActiveRecord retrieves the active record for (user, game), if any.
func (s *PostgresStore) GetActiveRecord(ctx context.Context, userID, gameID string) (*models.DownloadRecord, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.pool.QueryRow(queryCtx,
		"SELECT "+pgRecordColumns+" FROM downloads WHERE user_id = $1 AND game_id = $2 AND status = ANY($3)",
		userID, gameID, statusList(models.ActiveStatuses()))

	rec, err := scanPgRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("active download for game %s: %w", gameID, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// GetLatestRecord returns the user's record for a game, preferring an
// active one, otherwise the most recently created.
func (s *PostgresStore) GetLatestRecord(ctx context.Context, userID, gameID string) (*models.DownloadRecord, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.pool.QueryRow(queryCtx,
		"SELECT "+pgRecordColumns+` FROM downloads WHERE user_id = $1 AND game_id = $2
		 ORDER BY (status = ANY($3)) DESC, created_at DESC LIMIT 1`,
		userID, gameID, statusList(models.ActiveStatuses()))

	rec, err := scanPgRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("download for game %s: %w", gameID, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// ListRecords returns the user's download records, newest first. An empty
// status lists all of them.
func (s *PostgresStore) ListRecords(ctx context.Context, userID string, status models.Status, limit, offset int) ([]*models.DownloadRecord, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := "SELECT " + pgRecordColumns + " FROM downloads WHERE user_id = $1"
	args := []interface{}{userID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, string(status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := s.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.DownloadRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteRecord removes a download record by ID
func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(queryCtx, "DELETE FROM downloads WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("download %s: %w", id, ErrNotFound)
	}
	return nil
}

// UsedBytes sums file_size over the user's quota-reserving records.
func (s *PostgresStore) UsedBytes(ctx context.Context, userID string) (int64, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var used int64
	err := s.pool.QueryRow(queryCtx,
		"SELECT COALESCE(SUM(file_size), 0) FROM downloads WHERE user_id = $1 AND status = ANY($2)",
		userID, statusList(models.QuotaStatuses()),
	).Scan(&used)
	return used, err
}

// GetGame reads game file metadata from the catalog.
func (s *PostgresStore) GetGame(ctx context.Context, gameID string) (*models.GameFile, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var g models.GameFile
	err := s.pool.QueryRow(queryCtx,
		"SELECT id, title, bucket, storage_path, size_bytes FROM games WHERE id = $1", gameID,
	).Scan(&g.ID, &g.Title, &g.Bucket, &g.StoragePath, &g.SizeBytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
		}
		return nil, err
	}
	return &g, nil
}

// TierOf reads the user's membership tier. Users without a membership row
// are on the free tier.
func (s *PostgresStore) TierOf(ctx context.Context, userID string) (models.Tier, error) {
	start := time.Now()
	defer s.observe(start)

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var tier string
	err := s.pool.QueryRow(queryCtx,
		"SELECT tier FROM memberships WHERE user_id = $1", userID,
	).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TierFree, nil
		}
		return "", err
	}
	return models.Tier(tier), nil
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(checkCtx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// scanPgRecord scans one downloads row. Works for both Row and Rows.
func scanPgRecord(row pgx.Row) (*models.DownloadRecord, error) {
	var rec models.DownloadRecord
	var status string
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.GameID, &status, &rec.FileSize, &rec.DownloadedBytes,
		&rec.ProgressPercentage, &rec.ErrorMessage, &rec.StartedAt, &rec.CompletedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.Status(status)
	return &rec, nil
}
