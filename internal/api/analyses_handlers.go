package api

import (
	"fmt"
	"net/http"

	"renderforge/internal/models"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
)

type createAnalysisRequest struct {
	ProviderID string         `json:"providerId"`
	Kind       string         `json:"kind"`
	Params     map[string]any `json:"params,omitempty"`
}

// Analyses handles the analysis collection: submission only, listing is by
// id.
func (h *Handler) Analyses(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req createAnalysisRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !h.Registry.Supports(req.ProviderID, models.OperationType(req.Kind)) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("provider %q does not support %q", req.ProviderID, req.Kind))
		return
	}
	analysis, err := h.Store.CreateAnalysis(r.Context(), models.Analysis{
		UserID:     user.ID,
		ProviderID: req.ProviderID,
		Kind:       req.Kind,
		Params:     req.Params,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task := queue.NewTask(queue.TaskProcessAnalysis, map[string]any{"analysis_id": analysis.ID})
	if err := h.Queue.Enqueue(r.Context(), task); err != nil {
		// The pending sweep re-enqueues the row.
		h.Logger.Error("analysis enqueue failed", "analysis_id", analysis.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, analysis)
}

// AnalysisByID serves GET /api/v1/analyses/{id}.
func (h *Handler) AnalysisByID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	segments := pathTail(r, "/api/v1/analyses")
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	id, err := parseGenerationID(segments[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid analysis id"))
		return
	}
	analysis, err := h.Store.GetAnalysis(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if analysis.UserID != user.ID {
		h.writeDomainError(w, r, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}
