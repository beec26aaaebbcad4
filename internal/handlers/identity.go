package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"offlinehub/internal/auth"
)

const (
	userIDHeader    = "X-User-ID"
	signatureHeader = "X-User-Signature"
	expiryHeader    = "X-Auth-Expiry"
)

const userIDKey contextKey = "user_id"

// IdentityMiddleware resolves the calling user from the identity headers.
// The upstream identity system signs the user id with the shared secret;
// requests without a resolvable user are rejected before reaching any
// offline endpoint.
func IdentityMiddleware(verifier *auth.Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(userIDHeader)
			if userID == "" {
				writeError(w, http.StatusUnauthorized, "missing "+userIDHeader+" header")
				return
			}

			err := verifier.Verify(userID, r.Header.Get(expiryHeader), r.Header.Get(signatureHeader))
			if err != nil {
				statusCode := http.StatusUnauthorized
				if strings.Contains(err.Error(), "expired") {
					statusCode = http.StatusGone
					logger.Warn("expired identity", zap.String("user_id", userID))
				} else {
					logger.Warn("identity verification failed", zap.String("user_id", userID), zap.Error(err))
				}
				writeError(w, statusCode, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID retrieves the verified user id from the request context.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
