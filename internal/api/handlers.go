package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"renderforge/internal/accountpool"
	"renderforge/internal/cache"
	"renderforge/internal/generation"
	"renderforge/internal/ingest"
	"renderforge/internal/models"
	"renderforge/internal/provider"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
)

// Handler carries the dependencies shared by every endpoint.
type Handler struct {
	Store      storage.Repository
	GenService *generation.Service
	Registry   *provider.Registry
	Pool       *accountpool.Pool
	Ingestor   *ingest.Ingestor
	Stats      *cache.Stats
	Queue      queue.Queue
	Logger     *slog.Logger
	// OperatorToken guards user and account administration. Empty disables
	// those endpoints.
	OperatorToken string
}

// NewHandler fills optional fields with defaults.
func NewHandler(h Handler) *Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	return &h
}

// httpStatusFor maps domain errors onto response codes. Unmapped errors are
// internal.
func httpStatusFor(err error) int {
	var validation *generation.ValidationError
	var quota *generation.QuotaError
	var cooldown *accountpool.CooldownError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &quota):
		return http.StatusTooManyRequests
	case errors.As(err, &cooldown):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, generation.ErrAlreadyTerminal),
		errors.Is(err, generation.ErrNotTerminal):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNoAccountAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, errors.New("internal error"))
		return
	}
	writeError(w, status, err)
}

// pathTail splits the part of the URL path after prefix into segments.
func pathTail(r *http.Request, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func parseGenerationID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid generation id")
	}
	return id, nil
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

// accountView is the API shape of a provider account. Credentials never
// leave the datastore.
type accountView struct {
	ID                    string           `json:"id"`
	ProviderID            string           `json:"providerId"`
	Label                 string           `json:"label,omitempty"`
	Credits               map[string]int64 `json:"credits"`
	MaxConcurrent         int              `json:"maxConcurrent"`
	CurrentProcessingJobs int              `json:"currentProcessingJobs"`
	CooldownUntil         *time.Time       `json:"cooldownUntil,omitempty"`
	CooldownStreak        int              `json:"cooldownStreak,omitempty"`
	EstimatedJobSeconds   int              `json:"estimatedJobSeconds,omitempty"`
	LastUsedAt            *time.Time       `json:"lastUsedAt,omitempty"`
	Enabled               bool             `json:"enabled"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

func newAccountView(account models.ProviderAccount) accountView {
	return accountView{
		ID:                    account.ID,
		ProviderID:            account.ProviderID,
		Label:                 account.Label,
		Credits:               account.Credits,
		MaxConcurrent:         account.MaxConcurrent,
		CurrentProcessingJobs: account.CurrentProcessingJobs,
		CooldownUntil:         account.CooldownUntil,
		CooldownStreak:        account.CooldownStreak,
		EstimatedJobSeconds:   account.EstimatedJobSeconds,
		LastUsedAt:            account.LastUsedAt,
		Enabled:               account.Enabled,
		CreatedAt:             account.CreatedAt,
		UpdatedAt:             account.UpdatedAt,
	}
}

// userView is the API shape of a user. The key hash stays server-side.
type userView struct {
	ID                string               `json:"id"`
	Email             string               `json:"email,omitempty"`
	DisplayName       string               `json:"displayName,omitempty"`
	APIKeyID          string               `json:"apiKeyId,omitempty"`
	KeyOrigin         string               `json:"keyOrigin,omitempty"`
	MaxConcurrentJobs int                  `json:"maxConcurrentJobs"`
	MaxContentRating  models.ContentRating `json:"maxContentRating"`
	CreatedAt         time.Time            `json:"createdAt"`
}

func newUserView(user models.User) userView {
	return userView{
		ID:                user.ID,
		Email:             user.Email,
		DisplayName:       user.DisplayName,
		APIKeyID:          user.APIKeyID,
		KeyOrigin:         user.KeyOrigin,
		MaxConcurrentJobs: user.MaxConcurrentJobs,
		MaxContentRating:  user.MaxContentRating,
		CreatedAt:         user.CreatedAt,
	}
}
