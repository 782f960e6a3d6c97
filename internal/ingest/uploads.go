package ingest

import (
	"context"
	"fmt"
	"io"
	"os"

	"renderforge/internal/models"
)

// EnsureProviderUpload returns a provider-side reference for the asset,
// uploading it on demand through the provider adapter. References are
// cached per provider on the asset, so repeated calls are free.
func (i *Ingestor) EnsureProviderUpload(ctx context.Context, assetID string, account models.ProviderAccount) (string, error) {
	asset, err := i.store.GetAsset(ctx, assetID)
	if err != nil {
		return "", err
	}
	if ref := asset.ProviderUploads[account.ProviderID]; ref != "" {
		return ref, nil
	}
	if asset.IngestStatus != models.AssetIngestStored {
		return "", fmt.Errorf("asset %s is not stored (status %s)", assetID, asset.IngestStatus)
	}

	localPath, cleanup, err := i.materialize(ctx, asset.StoredKey)
	if err != nil {
		return "", err
	}
	defer cleanup()

	adapter, err := i.registry.Get(account.ProviderID)
	if err != nil {
		return "", err
	}
	ref, err := adapter.UploadAsset(ctx, account, localPath)
	if err != nil {
		i.appendUploadHistory(ctx, models.UploadRecord{
			AssetID:    assetID,
			ProviderID: account.ProviderID,
			Error:      err.Error(),
		})
		return "", fmt.Errorf("upload asset %s to %s: %w", assetID, account.ProviderID, err)
	}

	updated, err := i.store.SetAssetProviderUpload(ctx, assetID, account.ProviderID, ref)
	if err != nil {
		i.logger.Warn("provider upload cache failed", "asset_id", assetID, "provider_id", account.ProviderID, "error", err)
	} else {
		asset = updated
	}
	i.appendUploadHistory(ctx, models.UploadRecord{
		AssetID:    assetID,
		ProviderID: account.ProviderID,
		RemoteRef:  ref,
		Succeeded:  true,
	})
	return ref, nil
}

func (i *Ingestor) appendUploadHistory(ctx context.Context, record models.UploadRecord) {
	if err := i.store.AppendUploadRecord(ctx, record); err != nil {
		i.logger.Warn("upload history append failed", "asset_id", record.AssetID, "error", err)
	}
}

// materialize copies a blob to a local temp file for adapters that upload
// from disk.
func (i *Ingestor) materialize(ctx context.Context, key string) (string, func(), error) {
	src, err := i.blobs.Open(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(i.tempDir, "upload-*")
	if err != nil {
		return "", nil, fmt.Errorf("create upload temp: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("copy blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("close upload temp: %w", err)
	}
	path := tmp.Name()
	return path, func() { os.Remove(path) }, nil
}
