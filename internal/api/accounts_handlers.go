package api

import (
	"fmt"
	"net/http"

	"renderforge/internal/models"
	"renderforge/internal/storage"
)

// Providers lists the loaded provider manifests.
func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.Registry.List()})
}

// Accounts handles the operator-facing account collection.
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		accounts, err := h.Store.ListAccounts(r.Context(), r.URL.Query().Get("providerId"))
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		views := make([]accountView, 0, len(accounts))
		for _, account := range accounts {
			views = append(views, newAccountView(account))
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
	case http.MethodPost:
		h.createAccount(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

type createAccountRequest struct {
	ProviderID          string            `json:"providerId"`
	Label               string            `json:"label,omitempty"`
	Credentials         map[string]string `json:"credentials,omitempty"`
	Credits             map[string]int64  `json:"credits,omitempty"`
	MaxConcurrent       int               `json:"maxConcurrent,omitempty"`
	EstimatedJobSeconds int               `json:"estimatedJobSeconds,omitempty"`
	Enabled             bool              `json:"enabled,omitempty"`
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if _, err := h.Registry.Get(req.ProviderID); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown provider %q", req.ProviderID))
		return
	}
	account, err := h.Store.CreateAccount(r.Context(), models.ProviderAccount{
		ProviderID:          req.ProviderID,
		Label:               req.Label,
		Credentials:         req.Credentials,
		Credits:             req.Credits,
		MaxConcurrent:       req.MaxConcurrent,
		EstimatedJobSeconds: req.EstimatedJobSeconds,
		Enabled:             req.Enabled,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountView(account))
}

type updateAccountRequest struct {
	Label               *string           `json:"label,omitempty"`
	Enabled             *bool             `json:"enabled,omitempty"`
	MaxConcurrent       *int              `json:"maxConcurrent,omitempty"`
	EstimatedJobSeconds *int              `json:"estimatedJobSeconds,omitempty"`
	Credentials         map[string]string `json:"credentials,omitempty"`
}

// AccountByID routes /api/v1/accounts/{id}[/credits|/cooldown].
func (h *Handler) AccountByID(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r) {
		return
	}
	segments := pathTail(r, "/api/v1/accounts")
	if len(segments) == 0 || len(segments) > 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	id := segments[0]

	if len(segments) == 2 {
		switch {
		case segments[1] == "credits" && r.Method == http.MethodPost:
			h.refreshAccountCredits(w, r, id)
		case segments[1] == "cooldown" && r.Method == http.MethodDelete:
			h.Pool.ClearCooldown(r.Context(), id)
			writeJSON(w, http.StatusNoContent, nil)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		account, err := h.Store.GetAccount(r.Context(), id)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newAccountView(account))
	case http.MethodPatch:
		var req updateAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
		account, err := h.Store.UpdateAccount(r.Context(), id, storage.AccountUpdate{
			Label:               req.Label,
			Enabled:             req.Enabled,
			MaxConcurrent:       req.MaxConcurrent,
			EstimatedJobSeconds: req.EstimatedJobSeconds,
			Credentials:         req.Credentials,
		})
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newAccountView(account))
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// refreshAccountCredits re-reads balances from the provider on demand.
func (h *Handler) refreshAccountCredits(w http.ResponseWriter, r *http.Request, id string) {
	credits, err := h.Pool.GetCredits(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.Store.UpdateAccountCredits(r.Context(), id, credits); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credits": credits})
}
