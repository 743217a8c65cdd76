package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/security"
	"github.com/username/cashledger/src/utils"
)

func (h *LedgerHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			logger.L.Debug("AuthMiddleware: Authorization header missing", "path", r.URL.Path)
			utils.SendJSONError(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		tokenString := ""
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			tokenString = authHeader
		}

		if tokenString == "" {
			logger.L.Debug("AuthMiddleware: Token string empty", "path", r.URL.Path)
			utils.SendJSONError(w, "Malformed token", http.StatusUnauthorized)
			return
		}

		actorID, privileged, err := h.authService.ValidateToken(tokenString)
		if err != nil {
			logger.L.Warn("AuthMiddleware: Token validation failed", "path", r.URL.Path, "error", err)
			utils.SendJSONError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), actorIDContextKey, actorID)
		ctx = context.WithValue(ctx, privilegedContextKey, privileged)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdminKey verifies the X-Admin-Key header against the configured
// bcrypt hash. Writes the error response itself and reports whether the
// request may proceed.
func requireAdminKey(w http.ResponseWriter, r *http.Request, adminKeyHash string) bool {
	if adminKeyHash == "" {
		utils.SendJSONError(w, "admin operations are disabled", http.StatusServiceUnavailable)
		return false
	}
	key := r.Header.Get("X-Admin-Key")
	if key == "" {
		utils.SendJSONError(w, "X-Admin-Key header required", http.StatusUnauthorized)
		return false
	}
	if err := security.CompareHashAndKey(adminKeyHash, key); err != nil {
		logger.L.Warn("Admin key mismatch", "path", r.URL.Path)
		utils.SendJSONError(w, "Invalid admin key", http.StatusForbidden)
		return false
	}
	return true
}

func (h *AdminHandler) AdminKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireAdminKey(w, r, h.adminKeyHash) {
			return
		}
		next.ServeHTTP(w, r)
	})
}
