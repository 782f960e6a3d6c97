package api

import (
	"fmt"
	"net/http"

	"renderforge/internal/generation"
	"renderforge/internal/models"
	"renderforge/internal/storage"
)

// Generations handles the collection endpoint: submission and listing.
func (h *Handler) Generations(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.createGeneration(w, r, user)
	case http.MethodGet:
		h.listGenerations(w, r, user)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createGeneration(w http.ResponseWriter, r *http.Request, user models.User) {
	var req generation.CreateRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	gen, reused, err := h.GenService.Create(r.Context(), user, req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, gen)
}

func (h *Handler) listGenerations(w http.ResponseWriter, r *http.Request, user models.User) {
	query := r.URL.Query()
	filter := storage.GenerationFilter{
		WorkspaceID:   query.Get("workspaceId"),
		Status:        models.GenerationStatus(query.Get("status")),
		OperationType: models.OperationType(query.Get("operationType")),
		Limit:         queryInt(r, "limit"),
		Offset:        queryInt(r, "offset"),
	}
	generations, err := h.GenService.List(r.Context(), user, filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": generations})
}

// GenerationByID routes /api/v1/generations/{id}[/cancel|/retry|/submissions].
func (h *Handler) GenerationByID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	segments := pathTail(r, "/api/v1/generations")
	if len(segments) == 0 || len(segments) > 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	id, err := parseGenerationID(segments[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if len(segments) == 2 {
		switch {
		case segments[1] == "cancel" && r.Method == http.MethodPost:
			h.cancelGeneration(w, r, user, id)
		case segments[1] == "retry" && r.Method == http.MethodPost:
			h.retryGeneration(w, r, user, id)
		case segments[1] == "submissions" && r.Method == http.MethodGet:
			h.listGenerationSubmissions(w, r, user, id)
		default:
			writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		gen, err := h.GenService.Get(r.Context(), user, id)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, gen)
	case http.MethodDelete:
		if err := h.GenService.Delete(r.Context(), user, id); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) cancelGeneration(w http.ResponseWriter, r *http.Request, user models.User, id int64) {
	gen, err := h.GenService.Cancel(r.Context(), user, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (h *Handler) retryGeneration(w http.ResponseWriter, r *http.Request, user models.User, id int64) {
	gen, err := h.GenService.Retry(r.Context(), user, id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, gen)
}

func (h *Handler) listGenerationSubmissions(w http.ResponseWriter, r *http.Request, user models.User, id int64) {
	if _, err := h.GenService.Get(r.Context(), user, id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	submissions, err := h.Store.ListSubmissions(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": submissions})
}
