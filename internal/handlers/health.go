package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"offlinehub/internal/database"
	"offlinehub/internal/guard"
	"offlinehub/internal/metrics"
	"offlinehub/internal/storage"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	logger  *zap.Logger
	db      database.Store
	storage storage.Provider
	guard   guard.Guard
	metrics *metrics.Metrics
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(logger *zap.Logger, db database.Store, storageProvider storage.Provider, g guard.Guard, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{
		logger:  logger,
		db:      db,
		storage: storageProvider,
		guard:   g,
		metrics: m,
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Version string            `json:"version,omitempty"`
}

// Health returns health status (checks dependencies)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	for name, check := range map[string]func(context.Context) error{
		"database": h.db.HealthCheck,
		"storage":  h.storage.HealthCheck,
		"guard":    h.guard.HealthCheck,
	} {
		if err := check(ctx); err != nil {
			checks[name] = "unavailable"
			allHealthy = false
			h.metrics.HealthStatus.WithLabelValues(name).Set(0)
			h.metrics.HealthChecksFailed.WithLabelValues(name).Inc()
			h.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
		} else {
			checks[name] = "ok"
			h.metrics.HealthStatus.WithLabelValues(name).Set(1)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(healthResponse{
		Status:  map[bool]string{true: "healthy", false: "unhealthy"}[allHealthy],
		Checks:  checks,
		Version: "1.0.0",
	})
}
