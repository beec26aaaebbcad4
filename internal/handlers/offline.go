package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"offlinehub/internal/database"
	"offlinehub/internal/metrics"
	"offlinehub/internal/models"
	"offlinehub/internal/quota"
	"offlinehub/internal/registry"
)

// OfflineHandler serves the offline download management API: listing,
// initiation, lifecycle operations, deletion and quota reporting.
type OfflineHandler struct {
	logger          *zap.Logger
	registry        *registry.Registry
	quota           *quota.Service
	db              database.Store
	metrics         *metrics.Metrics
	defaultPageSize int
	maxPageSize     int
}

// NewOfflineHandler creates the offline API handler.
func NewOfflineHandler(
	logger *zap.Logger,
	reg *registry.Registry,
	q *quota.Service,
	db database.Store,
	m *metrics.Metrics,
	defaultPageSize int,
	maxPageSize int,
) *OfflineHandler {
	return &OfflineHandler{
		logger:          logger,
		registry:        reg,
		quota:           q,
		db:              db,
		metrics:         m,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

func (h *OfflineHandler) count(code int) {
	h.metrics.RequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (h *OfflineHandler) error(w http.ResponseWriter, code int, message string) {
	writeError(w, code, message)
	h.count(code)
}

// registryError maps a registry error onto the HTTP taxonomy.
func (h *OfflineHandler) registryError(w http.ResponseWriter, err error) {
	var conflict *registry.ConflictError
	if errors.As(err, &conflict) {
		h.error(w, http.StatusConflict, conflict.Error())
		return
	}
	var exceeded *registry.QuotaExceededError
	if errors.As(err, &exceeded) {
		writeQuotaError(w, http.StatusRequestEntityTooLarge, exceeded.Error(), exceeded.Quota)
		h.count(http.StatusRequestEntityTooLarge)
		return
	}
	var invalid *registry.ValidationError
	if errors.As(err, &invalid) {
		h.error(w, http.StatusBadRequest, invalid.Error())
		return
	}
	if registry.IsNotFound(err) {
		h.error(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("registry operation failed", zap.Error(err))
	h.error(w, http.StatusInternalServerError, "internal error")
}

type listResponse struct {
	Downloads []*models.DownloadRecord `json:"downloads"`
	Quota     *models.QuotaView        `json:"quota"`
	Page      int                      `json:"page"`
	Limit     int                      `json:"limit"`
}

// List handles GET /offline/games?status=&page=&limit=
func (h *OfflineHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)

	var status models.Status
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := models.ParseStatus(s)
		if err != nil {
			h.error(w, http.StatusBadRequest, err.Error())
			return
		}
		status = parsed
	}

	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	limit := parsePositiveInt(r.URL.Query().Get("limit"), h.defaultPageSize)
	if limit > h.maxPageSize {
		limit = h.maxPageSize
	}

	records, err := h.registry.List(ctx, userID, status, limit, (page-1)*limit)
	if err != nil {
		h.logger.Error("list failed", zap.String("user_id", userID), zap.Error(err))
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []*models.DownloadRecord{}
	}

	view, err := h.quotaView(r)
	if err != nil {
		h.logger.Error("quota view failed", zap.String("user_id", userID), zap.Error(err))
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Downloads: records,
		Quota:     view,
		Page:      page,
		Limit:     limit,
	})
	h.count(http.StatusOK)
}

type initiateResponse struct {
	ID     string        `json:"id"`
	GameID string        `json:"game_id"`
	Status models.Status `json:"status"`
	UserID string        `json:"user_id"`
}

// Initiate handles POST /offline/games/{gameId}/download
func (h *OfflineHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)
	gameID := mux.Vars(r)["gameId"]

	game, err := h.db.GetGame(ctx, gameID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.error(w, http.StatusNotFound, fmt.Sprintf("unknown game %s", gameID))
			return
		}
		h.logger.Error("game lookup failed", zap.String("game_id", gameID), zap.Error(err))
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}

	rec, err := h.registry.Initiate(ctx, userID, game)
	if err != nil {
		h.registryError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, initiateResponse{
		ID:     rec.ID,
		GameID: rec.GameID,
		Status: rec.Status,
		UserID: rec.UserID,
	})
	h.count(http.StatusCreated)
}

// lifecycle performs a registry transition resolved from the game id.
func (h *OfflineHandler) lifecycle(w http.ResponseWriter, r *http.Request, op func(id string) (*models.DownloadRecord, error)) {
	ctx := r.Context()
	userID := UserID(ctx)
	gameID := mux.Vars(r)["gameId"]

	rec, err := h.db.GetLatestRecord(ctx, userID, gameID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.error(w, http.StatusNotFound, fmt.Sprintf("no download for game %s", gameID))
			return
		}
		h.logger.Error("record lookup failed", zap.String("game_id", gameID), zap.Error(err))
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := op(rec.ID)
	if err != nil {
		h.registryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
	h.count(http.StatusOK)
}

// Pause handles POST /offline/games/{gameId}/pause
func (h *OfflineHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) (*models.DownloadRecord, error) {
		return h.registry.Pause(r.Context(), id)
	})
}

// Resume handles POST /offline/games/{gameId}/resume
func (h *OfflineHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) (*models.DownloadRecord, error) {
		return h.registry.Resume(r.Context(), id)
	})
}

// Cancel handles POST /offline/games/{gameId}/cancel
func (h *OfflineHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) (*models.DownloadRecord, error) {
		return h.registry.Cancel(r.Context(), id)
	})
}

// Retry handles POST /offline/games/{gameId}/retry
func (h *OfflineHandler) Retry(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(id string) (*models.DownloadRecord, error) {
		return h.registry.Retry(r.Context(), id)
	})
}

// Delete handles DELETE /offline/games/{gameId}
func (h *OfflineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := UserID(ctx)
	gameID := mux.Vars(r)["gameId"]

	rec, err := h.db.GetLatestRecord(ctx, userID, gameID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.error(w, http.StatusNotFound, fmt.Sprintf("no download for game %s", gameID))
			return
		}
		h.logger.Error("record lookup failed", zap.String("game_id", gameID), zap.Error(err))
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.registry.Delete(ctx, rec.ID); err != nil {
		h.registryError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "deleted",
		"id":          rec.ID,
		"game_id":     gameID,
		"freed_bytes": rec.FileSize,
	})
	h.count(http.StatusOK)
}

// Quota handles GET /offline/storage-quota
func (h *OfflineHandler) Quota(w http.ResponseWriter, r *http.Request) {
	view, err := h.quotaView(r)
	if err != nil {
		h.logger.Error("quota view failed", zap.String("user_id", UserID(r.Context())), zap.Error(err))
		h.error(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, view)
	h.count(http.StatusOK)
}

func (h *OfflineHandler) quotaView(r *http.Request) (*models.QuotaView, error) {
	ctx := r.Context()
	userID := UserID(ctx)

	tier, err := h.db.TierOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	return h.quota.GetQuota(ctx, userID, tier)
}

func parsePositiveInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil || val < 1 {
		return defaultValue
	}
	return val
}
