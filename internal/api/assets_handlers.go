package api

import (
	"fmt"
	"net/http"

	"renderforge/internal/models"
	"renderforge/internal/storage"
)

// AssetByID routes /api/v1/assets/{id}[/variants|/uploads|/provider-uploads/{provider}].
func (h *Handler) AssetByID(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	segments := pathTail(r, "/api/v1/assets")
	if len(segments) == 0 || len(segments) > 3 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}

	asset, err := h.ownedAsset(r, user, segments[0])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	switch {
	case len(segments) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, asset)
	case len(segments) == 2 && segments[1] == "variants" && r.Method == http.MethodGet:
		variants, err := h.Store.ListAssetVariants(r.Context(), asset.ID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"variants": variants})
	case len(segments) == 2 && segments[1] == "uploads" && r.Method == http.MethodGet:
		history, err := h.Store.ListUploadHistory(r.Context(), asset.ID)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"uploads": history})
	case len(segments) == 3 && segments[1] == "provider-uploads" && r.Method == http.MethodPost:
		h.ensureProviderUpload(w, r, asset, segments[2])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

// ownedAsset loads the asset and verifies the caller owns the generation
// that produced it. Foreign assets read as not-found.
func (h *Handler) ownedAsset(r *http.Request, user models.User, id string) (models.Asset, error) {
	asset, err := h.Store.GetAsset(r.Context(), id)
	if err != nil {
		return models.Asset{}, err
	}
	gen, err := h.Store.GetGeneration(r.Context(), asset.GenerationID)
	if err != nil {
		return models.Asset{}, err
	}
	if gen.UserID != user.ID {
		return models.Asset{}, storage.ErrNotFound
	}
	return asset, nil
}

// ensureProviderUpload pushes the stored asset to the named provider and
// returns the opaque remote reference, reusing a cached one when present.
// The account is reserved for the duration so uploads respect cooldowns and
// concurrency caps.
func (h *Handler) ensureProviderUpload(w http.ResponseWriter, r *http.Request, asset models.Asset, providerID string) {
	if _, err := h.Registry.Get(providerID); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown provider %q", providerID))
		return
	}
	account, err := h.Pool.SelectAndReserve(r.Context(), providerID, "")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	defer h.Pool.Release(r.Context(), account.ID)

	remoteRef, err := h.Ingestor.EnsureProviderUpload(r.Context(), asset.ID, account)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providerId": providerID, "remoteRef": remoteRef})
}
