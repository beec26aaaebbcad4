package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offlinehub/internal/database"
	"offlinehub/internal/guard"
	"offlinehub/internal/metrics"
	"offlinehub/internal/models"
	"offlinehub/internal/quota"
)

// Registry owns the download record lifecycle. Every status or byte-count
// mutation in the system goes through one of its operations, each of which
// runs as a single store transaction: on any failure the record keeps its
// prior, valid state.
type Registry struct {
	logger  *zap.Logger
	db      database.Store
	quota   *quota.Service
	guard   guard.Guard
	metrics *metrics.Metrics
}

// New creates a registry.
func New(logger *zap.Logger, db database.Store, q *quota.Service, g guard.Guard, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:  logger,
		db:      db,
		quota:   q,
		guard:   g,
		metrics: m,
	}
}

func (r *Registry) op(name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.metrics.RegistryOpsTotal.WithLabelValues(name, result).Inc()
}

// Initiate admits a new download for the user and returns the pending
// record. The guard serializes double submissions; the duplicate-active and
// quota checks run atomically inside the store transaction.
func (r *Registry) Initiate(ctx context.Context, userID string, game *models.GameFile) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("initiate", err) }()

	tier, err := r.db.TierOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	release, err := r.guard.Acquire(ctx, userID, game.ID)
	if err != nil {
		if errors.Is(err, guard.ErrLockHeld) {
			r.metrics.DuplicateInitiations.Inc()
			return nil, &ConflictError{
				Current:   models.StatusPending,
				Requested: models.StatusPending,
				Reason:    "a download of this game is already being initiated",
			}
		}
		return nil, err
	}
	defer release()

	rec = &models.DownloadRecord{
		ID:       uuid.New().String(),
		UserID:   userID,
		GameID:   game.ID,
		Status:   models.StatusPending,
		FileSize: game.SizeBytes,
	}

	if err = r.db.CreateRecord(ctx, rec, tier.Budget()); err != nil {
		var dup *database.DuplicateActiveError
		if errors.As(err, &dup) {
			r.metrics.DuplicateInitiations.Inc()
			return nil, &ConflictError{
				Current:   dup.Current,
				Requested: models.StatusPending,
				Reason:    "an active download of this game already exists",
			}
		}
		var insufficient *database.InsufficientQuotaError
		if errors.As(err, &insufficient) {
			r.metrics.QuotaRejectionsTotal.Inc()
			return nil, &QuotaExceededError{
				Quota:     quota.View(insufficient.Used, tier),
				Requested: insufficient.Requested,
			}
		}
		return nil, err
	}

	r.logger.Info("download initiated",
		zap.String("id", rec.ID),
		zap.String("user_id", userID),
		zap.String("game_id", game.ID),
		zap.Int64("file_size", game.SizeBytes),
		zap.String("tier", string(tier)))
	return rec, nil
}

// Begin marks a download in_progress at the start of a transfer and pins
// the file size once the backing object's size is known. A paused or
// terminal record refuses the transfer.
func (r *Registry) Begin(ctx context.Context, id string, fileSize int64) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("begin", err) }()

	return r.db.UpdateRecord(ctx, id, func(rec *models.DownloadRecord) error {
		switch rec.Status {
		case models.StatusPending:
			rec.Status = models.StatusInProgress
			if rec.StartedAt == nil {
				now := time.Now().UTC()
				rec.StartedAt = &now
			}
		case models.StatusInProgress:
			// Already streaming, or resuming after a disconnect.
		default:
			return &ConflictError{Current: rec.Status, Requested: models.StatusInProgress}
		}

		if rec.FileSize == 0 && fileSize > 0 {
			rec.FileSize = fileSize
			rec.ProgressPercentage = models.ProgressPercent(rec.DownloadedBytes, fileSize)
		}
		return nil
	})
}

// UpdateProgress records downloadedBytes for the download and optionally
// applies a status change in the same transaction. Regressive byte counts
// are rejected; reaching file_size forces the record to completed. An
// explicit completed mark does the same, which is how zero-byte files
// finish.
func (r *Registry) UpdateProgress(ctx context.Context, id string, downloadedBytes int64, mark models.Status) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("progress", err) }()

	return r.db.UpdateRecord(ctx, id, func(rec *models.DownloadRecord) error {
		if rec.Status.Terminal() {
			return &ConflictError{Current: rec.Status, Requested: mark,
				Reason: "download is already " + string(rec.Status)}
		}
		if downloadedBytes < rec.DownloadedBytes {
			return &ValidationError{Msg: "downloaded_bytes may not decrease"}
		}
		if rec.FileSize > 0 && downloadedBytes > rec.FileSize {
			return &ValidationError{Msg: "downloaded_bytes exceeds file_size"}
		}

		if mark != "" && mark != rec.Status {
			if !rec.Status.CanTransition(mark) {
				return &ConflictError{Current: rec.Status, Requested: mark}
			}
			rec.Status = mark
			if mark == models.StatusInProgress && rec.StartedAt == nil {
				now := time.Now().UTC()
				rec.StartedAt = &now
			}
		}

		rec.DownloadedBytes = downloadedBytes
		rec.ProgressPercentage = models.ProgressPercent(downloadedBytes, rec.FileSize)

		// Size alone can never complete a zero-byte file, so the explicit
		// mark (validated above) also lands here.
		if (rec.FileSize > 0 && downloadedBytes == rec.FileSize) || rec.Status == models.StatusCompleted {
			rec.Status = models.StatusCompleted
			rec.ProgressPercentage = 100
			now := time.Now().UTC()
			rec.CompletedAt = &now
		}
		return nil
	})
}

// transition moves the record to the target status if its current status is
// in the allowed set. apply runs inside the same transaction for
// target-specific field changes.
func (r *Registry) transition(ctx context.Context, id string, from []models.Status, to models.Status, apply func(*models.DownloadRecord)) (*models.DownloadRecord, error) {
	return r.db.UpdateRecord(ctx, id, func(rec *models.DownloadRecord) error {
		allowed := false
		for _, s := range from {
			if rec.Status == s {
				allowed = true
				break
			}
		}
		if !allowed || !rec.Status.CanTransition(to) {
			return &ConflictError{Current: rec.Status, Requested: to}
		}
		rec.Status = to
		if apply != nil {
			apply(rec)
		}
		return nil
	})
}

// Pause suspends an in-progress download. A paused record refuses new
// transfer attempts until resumed.
func (r *Registry) Pause(ctx context.Context, id string) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("pause", err) }()
	return r.transition(ctx, id, []models.Status{models.StatusInProgress}, models.StatusPaused, nil)
}

// Resume reopens a paused download for transfer.
func (r *Registry) Resume(ctx context.Context, id string) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("resume", err) }()
	return r.transition(ctx, id, []models.Status{models.StatusPaused}, models.StatusInProgress, nil)
}

// Cancel aborts a pending, in-progress, or paused download, releasing its
// quota reservation.
func (r *Registry) Cancel(ctx context.Context, id string) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("cancel", err) }()
	return r.transition(ctx, id,
		[]models.Status{models.StatusPending, models.StatusInProgress, models.StatusPaused},
		models.StatusCancelled, nil)
}

// Fail marks an in-progress download failed with a diagnostic message.
func (r *Registry) Fail(ctx context.Context, id, message string) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("fail", err) }()
	rec, err = r.transition(ctx, id,
		[]models.Status{models.StatusInProgress}, models.StatusFailed,
		func(rec *models.DownloadRecord) {
			rec.ErrorMessage = message
		})
	if err == nil {
		r.logger.Warn("download failed", zap.String("id", id), zap.String("error", message))
	}
	return rec, err
}

// Retry resets a failed download to a fresh pending cycle. The record keeps
// its id and file_size; bytes, progress and diagnostics are cleared.
func (r *Registry) Retry(ctx context.Context, id string) (rec *models.DownloadRecord, err error) {
	defer func() { r.op("retry", err) }()
	return r.transition(ctx, id,
		[]models.Status{models.StatusFailed}, models.StatusPending,
		func(rec *models.DownloadRecord) {
			rec.DownloadedBytes = 0
			rec.ProgressPercentage = 0
			rec.ErrorMessage = ""
			rec.StartedAt = nil
			rec.CompletedAt = nil
		})
}

// Delete removes the record in any state and frees the bytes it reserved.
// An in-progress download is cancelled first so any live transfer loses its
// record and aborts at the next progress flush.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	defer func() { r.op("delete", err) }()

	rec, err := r.db.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	if rec.Status == models.StatusInProgress {
		if _, err := r.Cancel(ctx, id); err != nil {
			return err
		}
	}

	if err := r.db.DeleteRecord(ctx, id); err != nil {
		return err
	}

	r.logger.Info("download deleted",
		zap.String("id", id),
		zap.String("user_id", rec.UserID),
		zap.String("game_id", rec.GameID),
		zap.Int64("freed_bytes", rec.FileSize))
	return nil
}

// Get returns a record by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.DownloadRecord, error) {
	return r.db.GetRecord(ctx, id)
}

// GetActive returns the user's active record for a game, if any.
func (r *Registry) GetActive(ctx context.Context, userID, gameID string) (*models.DownloadRecord, error) {
	return r.db.GetActiveRecord(ctx, userID, gameID)
}

// List returns the user's records, optionally filtered by status.
func (r *Registry) List(ctx context.Context, userID string, status models.Status, limit, offset int) ([]*models.DownloadRecord, error) {
	return r.db.ListRecords(ctx, userID, status, limit, offset)
}
