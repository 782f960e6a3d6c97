package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"renderforge/internal/models"
)

// Asset operations

func cloneAsset(asset models.Asset) models.Asset {
	cloned := asset
	cloned.ProviderUploads = cloneStringMap(asset.ProviderUploads)
	cloned.MediaMetadata = cloneAnyMap(asset.MediaMetadata)
	return cloned
}

func (s *Storage) CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asset.GenerationID <= 0 {
		return models.Asset{}, errors.New("generationId is required")
	}
	id := strings.TrimSpace(asset.ID)
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return models.Asset{}, err
		}
		id = generated
	}
	if _, exists := s.data.Assets[id]; exists {
		return models.Asset{}, errors.New("asset id already exists")
	}

	now := s.now()
	asset.ID = id
	if asset.IngestStatus == "" {
		asset.IngestStatus = models.AssetIngestPending
	}
	asset.CreatedAt = now
	asset.UpdatedAt = now

	s.data.Assets[id] = cloneAsset(asset)
	if err := s.persist(); err != nil {
		delete(s.data.Assets, id)
		return models.Asset{}, err
	}
	return asset, nil
}

func (s *Storage) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	return cloneAsset(asset), nil
}

// FindAssetBySHA256 returns the newest fully stored asset carrying the
// digest. Content-addressed storage treats such a hit as an already
// completed ingest.
func (s *Storage) FindAssetBySHA256(ctx context.Context, sha string) (models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sha = strings.ToLower(strings.TrimSpace(sha))
	if sha == "" {
		return models.Asset{}, ErrNotFound
	}

	var best models.Asset
	found := false
	for _, asset := range s.data.Assets {
		if asset.SHA256 != sha || asset.IngestStatus != models.AssetIngestStored {
			continue
		}
		if !found || asset.CreatedAt.After(best.CreatedAt) {
			best = asset
			found = true
		}
	}
	if !found {
		return models.Asset{}, ErrNotFound
	}
	return cloneAsset(best), nil
}

func (s *Storage) UpdateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Assets[asset.ID]
	if !ok {
		return models.Asset{}, ErrNotFound
	}

	prev := existing
	asset.CreatedAt = existing.CreatedAt
	asset.UpdatedAt = s.now()

	s.data.Assets[asset.ID] = cloneAsset(asset)
	if err := s.persist(); err != nil {
		s.data.Assets[asset.ID] = prev
		return models.Asset{}, err
	}
	return asset, nil
}

func (s *Storage) SetAssetProviderUpload(ctx context.Context, assetID, providerID, remoteRef string) (models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.data.Assets[assetID]
	if !ok {
		return models.Asset{}, ErrNotFound
	}
	providerID = strings.TrimSpace(providerID)
	remoteRef = strings.TrimSpace(remoteRef)
	if providerID == "" || remoteRef == "" {
		return models.Asset{}, errors.New("providerId and remoteRef are required")
	}

	prev := asset
	asset.ProviderUploads = cloneStringMap(asset.ProviderUploads)
	if asset.ProviderUploads == nil {
		asset.ProviderUploads = make(map[string]string)
	}
	asset.ProviderUploads[providerID] = remoteRef
	asset.UpdatedAt = s.now()

	s.data.Assets[assetID] = asset
	if err := s.persist(); err != nil {
		s.data.Assets[assetID] = prev
		return models.Asset{}, err
	}
	return cloneAsset(asset), nil
}

func (s *Storage) AddAssetVariant(ctx context.Context, variant models.AssetVariant) (models.AssetVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Assets[variant.AssetID]; !ok {
		return models.AssetVariant{}, ErrNotFound
	}
	if strings.TrimSpace(variant.Kind) == "" || strings.TrimSpace(variant.StoredKey) == "" {
		return models.AssetVariant{}, errors.New("variant kind and storedKey are required")
	}

	id, err := generateID()
	if err != nil {
		return models.AssetVariant{}, err
	}
	variant.ID = id
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = s.now()
	}

	prev := s.data.AssetVariants[variant.AssetID]
	s.data.AssetVariants[variant.AssetID] = append(append([]models.AssetVariant(nil), prev...), variant)
	if err := s.persist(); err != nil {
		if prev == nil {
			delete(s.data.AssetVariants, variant.AssetID)
		} else {
			s.data.AssetVariants[variant.AssetID] = prev
		}
		return models.AssetVariant{}, err
	}
	return variant, nil
}

func (s *Storage) ListAssetVariants(ctx context.Context, assetID string) ([]models.AssetVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variants := s.data.AssetVariants[assetID]
	out := append([]models.AssetVariant(nil), variants...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Storage) AppendUploadRecord(ctx context.Context, record models.UploadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(record.AssetID) == "" {
		return errors.New("assetId is required")
	}

	id, err := generateID()
	if err != nil {
		return err
	}
	record.ID = id
	if record.UploadedAt.IsZero() {
		record.UploadedAt = s.now()
	}

	prev := s.data.UploadHistory[record.AssetID]
	s.data.UploadHistory[record.AssetID] = append(append([]models.UploadRecord(nil), prev...), record)
	if err := s.persist(); err != nil {
		if prev == nil {
			delete(s.data.UploadHistory, record.AssetID)
		} else {
			s.data.UploadHistory[record.AssetID] = prev
		}
		return err
	}
	return nil
}

func (s *Storage) ListUploadHistory(ctx context.Context, assetID string) ([]models.UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.data.UploadHistory[assetID]
	out := append([]models.UploadRecord(nil), records...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out, nil
}
