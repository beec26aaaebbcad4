package database

import (
	"context"
	"errors"
	"fmt"

	"offlinehub/internal/config"
	"offlinehub/internal/metrics"
	"offlinehub/internal/models"
)

// ErrNotFound is returned when a record, game, or membership row is absent.
var ErrNotFound = errors.New("not found")

// DuplicateActiveError is returned by CreateRecord when the user already has
// an active (pending/in_progress/paused) download of the same game.
type DuplicateActiveError struct {
	UserID  string
	GameID  string
	Current models.Status
}

func (e *DuplicateActiveError) Error() string {
	return fmt.Sprintf("active download already exists for user %s game %s (status %s)", e.UserID, e.GameID, e.Current)
}

// InsufficientQuotaError is returned by CreateRecord when reserving the file
// would exceed the caller-supplied tier budget.
type InsufficientQuotaError struct {
	Used      int64
	Requested int64
	Budget    int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: used %d + requested %d > budget %d", e.Used, e.Requested, e.Budget)
}

// Store defines the interface for database operations.
//
// CreateRecord and UpdateRecord are the only write paths for download rows,
// and both are fully transactional: the duplicate-active check and the quota
// reservation inside CreateRecord are serialized against concurrent creates
// for the same user, and UpdateRecord holds a row lock across its mutate
// callback. Nothing outside this package touches download rows directly.
type Store interface {
	// CreateRecord inserts rec after verifying, inside one transaction
	// serialized per user, that no active record exists for (user, game)
	// and that used+file_size fits within budget.
	CreateRecord(ctx context.Context, rec *models.DownloadRecord, budget int64) error

	// UpdateRecord loads the record for update, applies mutate and persists
	// the mutated row in the same transaction. An error from mutate aborts
	// the transaction and is returned unchanged.
	UpdateRecord(ctx context.Context, id string, mutate func(*models.DownloadRecord) error) (*models.DownloadRecord, error)

	GetRecord(ctx context.Context, id string) (*models.DownloadRecord, error)
	GetActiveRecord(ctx context.Context, userID, gameID string) (*models.DownloadRecord, error)

	// GetLatestRecord returns the user's record for a game, preferring an
	// active one, otherwise the most recently created.
	GetLatestRecord(ctx context.Context, userID, gameID string) (*models.DownloadRecord, error)
	ListRecords(ctx context.Context, userID string, status models.Status, limit, offset int) ([]*models.DownloadRecord, error)
	DeleteRecord(ctx context.Context, id string) error

	// UsedBytes sums file_size over the user's quota-reserving records.
	UsedBytes(ctx context.Context, userID string) (int64, error)

	// Read-only collaborator data.
	GetGame(ctx context.Context, gameID string) (*models.GameFile, error)
	TierOf(ctx context.Context, userID string) (models.Tier, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// These indirection variables allow tests to override the concrete
// store constructors so we can exercise New(...) without real DBs.
var (
	newPostgresStoreFunc = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewPostgresStore(ctx, cfg, m)
	}
	newMySQLStoreFunc = func(cfg *config.Config, m *metrics.Metrics) (Store, error) {
		return NewMySQLStore(cfg, m)
	}
)

// New creates a new database store based on the configured engine
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (Store, error) {
	switch cfg.DBEngine {
	case "postgres", "postgresql":
		return newPostgresStoreFunc(ctx, cfg, m)
	case "mysql":
		return newMySQLStoreFunc(cfg, m)
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", cfg.DBEngine)
	}
}

// statusList renders statuses for an IN clause.
func statusList(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
