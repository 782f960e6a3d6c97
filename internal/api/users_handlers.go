package api

import (
	"fmt"
	"net/http"

	"renderforge/internal/models"
	"renderforge/internal/storage"
)

// Users handles operator-facing user provisioning. The freshly minted API
// key appears in the creation response exactly once.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	if !h.requireOperator(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		users, err := h.Store.ListUsers(r.Context())
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		views := make([]userView, 0, len(users))
		for _, user := range users {
			views = append(views, newUserView(user))
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": views})
	case http.MethodPost:
		h.createUser(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

type createUserRequest struct {
	DisplayName       string               `json:"displayName"`
	Email             string               `json:"email,omitempty"`
	KeyOrigin         string               `json:"keyOrigin,omitempty"`
	MaxConcurrentJobs int                  `json:"maxConcurrentJobs,omitempty"`
	MaxContentRating  models.ContentRating `json:"maxContentRating,omitempty"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	user, apiKey, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
		DisplayName:       req.DisplayName,
		Email:             req.Email,
		KeyOrigin:         req.KeyOrigin,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		MaxContentRating:  req.MaxContentRating,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": newUserView(user), "apiKey": apiKey})
}

// Me returns the caller's own profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, newUserView(user))
}
