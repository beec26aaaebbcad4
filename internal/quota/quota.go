package quota

import (
	"context"
	"fmt"

	"offlinehub/internal/database"
	"offlinehub/internal/models"
)

// Service computes per-user storage accounting from the download records.
// Active (pending/in_progress/paused) records reserve their full file size,
// so the admission decision is stable regardless of how far any transfer has
// actually progressed.
type Service struct {
	db database.Store
}

// NewService creates a quota service backed by the given store.
func NewService(db database.Store) *Service {
	return &Service{db: db}
}

// TierBudget returns the byte budget for a membership tier.
func (s *Service) TierBudget(tier models.Tier) int64 {
	return tier.Budget()
}

// GetQuota returns the user's quota snapshot under the given tier.
func (s *Service) GetQuota(ctx context.Context, userID string, tier models.Tier) (*models.QuotaView, error) {
	used, err := s.db.UsedBytes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("used bytes: %w", err)
	}
	return View(used, tier), nil
}

// CheckQuota reports whether reserving fileSize more bytes fits the budget.
// This is advisory only: the authoritative check runs inside the store's
// CreateRecord transaction.
func (s *Service) CheckQuota(ctx context.Context, userID string, fileSize int64, tier models.Tier) (bool, error) {
	used, err := s.db.UsedBytes(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("used bytes: %w", err)
	}
	return used+fileSize <= tier.Budget(), nil
}

// View builds a QuotaView from a used-byte figure and a tier.
func View(used int64, tier models.Tier) *models.QuotaView {
	total := tier.Budget()
	pct := float64(used) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return &models.QuotaView{
		Used:           used,
		Total:          total,
		Available:      total - used,
		PercentageUsed: pct,
		Tier:           tier,
	}
}
