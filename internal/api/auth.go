package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"renderforge/internal/models"
	"renderforge/internal/storage"
)

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// ExtractToken returns the bearer credential on the request, if any.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// AuthenticateRequest validates the API key on the request and returns the
// owning user. Lookup failures and bad secrets collapse into one error so
// responses do not reveal which half was wrong.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, error) {
	raw := ExtractToken(r)
	if raw == "" {
		return models.User{}, fmt.Errorf("missing api key")
	}
	keyID, secret, err := storage.ParseAPIKey(raw)
	if err != nil {
		return models.User{}, fmt.Errorf("invalid api key")
	}
	user, err := h.Store.GetUserByKeyID(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, fmt.Errorf("invalid api key")
		}
		return models.User{}, fmt.Errorf("authenticate: %w", err)
	}
	if !storage.VerifyAPIKeySecret(secret, user.APIKeyHash) {
		return models.User{}, fmt.Errorf("invalid api key")
	}
	return user, nil
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.User{}, false
	}
	return user, true
}

// requireOperator gates the administrative endpoints behind the deploy-time
// operator token. An empty configured token disables them entirely.
func (h *Handler) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	if h.OperatorToken == "" {
		writeError(w, http.StatusForbidden, fmt.Errorf("operator endpoints disabled"))
		return false
	}
	presented := ExtractToken(r)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.OperatorToken)) != 1 {
		writeError(w, http.StatusForbidden, fmt.Errorf("operator token required"))
		return false
	}
	return true
}
