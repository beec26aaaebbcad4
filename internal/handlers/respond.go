package handlers

import (
	"encoding/json"
	"net/http"

	"offlinehub/internal/models"
)

// errorPayload is the structured error body clients map onto retry, dismiss
// or upgrade-prompt actions. QuotaExceeded responses carry the quota view so
// the caller can present an upgrade path.
type errorPayload struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Quota   *models.QuotaView `json:"quota,omitempty"`
}

func statusLabel(code int) string {
	switch code {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "quota_exceeded"
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusRequestedRangeNotSatisfiable:
		return "range_not_satisfiable"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusGone:
		return "expired"
	}
	return "error"
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorPayload{Status: statusLabel(code), Message: message})
}

func writeQuotaError(w http.ResponseWriter, code int, message string, quota *models.QuotaView) {
	writeJSON(w, code, errorPayload{Status: statusLabel(code), Message: message, Quota: quota})
}
