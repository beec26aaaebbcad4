package registry

import (
	"errors"
	"fmt"

	"offlinehub/internal/database"
	"offlinehub/internal/models"
)

// ConflictError reports an illegal state transition or a duplicate active
// download. It always names the current state and, where one exists, the
// state that was requested.
type ConflictError struct {
	Current   models.Status
	Requested models.Status
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("illegal transition from %s to %s", e.Current, e.Requested)
}

// QuotaExceededError reports an initiation that would overrun the tier
// budget. It carries the quota snapshot so callers can surface an upgrade
// path.
type QuotaExceededError struct {
	Quota     *models.QuotaView
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %d bytes requested, %d available on tier %s",
		e.Requested, e.Quota.Available, e.Quota.Tier)
}

// ValidationError reports malformed or regressive input, such as a progress
// update below the stored byte count.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// IsNotFound reports whether err means a missing record, game, or file.
func IsNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsQuotaExceeded reports whether err is a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
