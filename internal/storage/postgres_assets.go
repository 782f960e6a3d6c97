package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"renderforge/internal/models"
)

const assetColumns = `id, generation_id, media_type, remote_url, stored_key, sha256, file_size, ingest_status,
	provider_uploads, media_metadata, created_at, updated_at`

func scanAsset(row pgx.Row) (models.Asset, error) {
	var asset models.Asset
	var uploads, metadata []byte
	err := row.Scan(
		&asset.ID, &asset.GenerationID, &asset.MediaType, &asset.RemoteURL,
		&asset.StoredKey, &asset.SHA256, &asset.FileSize, &asset.IngestStatus,
		&uploads, &metadata, &asset.CreatedAt, &asset.UpdatedAt,
	)
	if err != nil {
		return models.Asset{}, err
	}
	if asset.ProviderUploads, err = decodeStringMap(uploads); err != nil {
		return models.Asset{}, err
	}
	if asset.MediaMetadata, err = decodeJSONMap(metadata); err != nil {
		return models.Asset{}, err
	}
	return asset, nil
}

func (r *postgresRepository) CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
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

	now := r.now()
	asset.ID = id
	if asset.IngestStatus == "" {
		asset.IngestStatus = models.AssetIngestPending
	}
	asset.CreatedAt = now
	asset.UpdatedAt = now

	uploads, err := encodeJSON(asset.ProviderUploads)
	if err != nil {
		return models.Asset{}, err
	}
	metadata, err := encodeJSON(asset.MediaMetadata)
	if err != nil {
		return models.Asset{}, err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO assets (id, generation_id, media_type, remote_url, stored_key, sha256, file_size, ingest_status,
	provider_uploads, media_metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, asset.ID, asset.GenerationID, asset.MediaType, asset.RemoteURL, asset.StoredKey,
		strings.ToLower(strings.TrimSpace(asset.SHA256)), asset.FileSize, asset.IngestStatus,
		uploads, metadata, asset.CreatedAt, asset.UpdatedAt)
	if isUniqueViolation(err) {
		return models.Asset{}, errors.New("asset id already exists")
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	asset, err := scanAsset(r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Asset{}, ErrNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("select asset: %w", err)
	}
	return asset, nil
}

// FindAssetBySHA256 returns the newest fully stored asset carrying the
// digest. Content-addressed storage treats such a hit as an already
// completed ingest.
func (r *postgresRepository) FindAssetBySHA256(ctx context.Context, sha string) (models.Asset, error) {
	sha = strings.ToLower(strings.TrimSpace(sha))
	if sha == "" {
		return models.Asset{}, ErrNotFound
	}
	asset, err := scanAsset(r.pool.QueryRow(ctx, `
SELECT `+assetColumns+`
FROM assets
WHERE sha256 = $1 AND ingest_status = 'stored'
ORDER BY created_at DESC, id DESC
LIMIT 1
`, sha))
	if isNoRows(err) {
		return models.Asset{}, ErrNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("select asset by sha256: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) UpdateAsset(ctx context.Context, asset models.Asset) (models.Asset, error) {
	uploads, err := encodeJSON(asset.ProviderUploads)
	if err != nil {
		return models.Asset{}, err
	}
	metadata, err := encodeJSON(asset.MediaMetadata)
	if err != nil {
		return models.Asset{}, err
	}
	updated, err := scanAsset(r.pool.QueryRow(ctx, `
UPDATE assets
SET generation_id = $2, media_type = $3, remote_url = $4, stored_key = $5, sha256 = $6,
	file_size = $7, ingest_status = $8, provider_uploads = $9, media_metadata = $10, updated_at = $11
WHERE id = $1
RETURNING `+assetColumns,
		asset.ID, asset.GenerationID, asset.MediaType, asset.RemoteURL, asset.StoredKey,
		strings.ToLower(strings.TrimSpace(asset.SHA256)), asset.FileSize, asset.IngestStatus,
		uploads, metadata, r.now()))
	if isNoRows(err) {
		return models.Asset{}, ErrNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("update asset: %w", err)
	}
	return updated, nil
}

func (r *postgresRepository) SetAssetProviderUpload(ctx context.Context, assetID, providerID, remoteRef string) (models.Asset, error) {
	providerID = strings.TrimSpace(providerID)
	remoteRef = strings.TrimSpace(remoteRef)
	if providerID == "" || remoteRef == "" {
		return models.Asset{}, errors.New("providerId and remoteRef are required")
	}
	asset, err := scanAsset(r.pool.QueryRow(ctx, `
UPDATE assets
SET provider_uploads = COALESCE(provider_uploads, '{}'::jsonb) || jsonb_build_object($2::text, $3::text), updated_at = $4
WHERE id = $1
RETURNING `+assetColumns, assetID, providerID, remoteRef, r.now()))
	if isNoRows(err) {
		return models.Asset{}, ErrNotFound
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("set asset provider upload: %w", err)
	}
	return asset, nil
}

func (r *postgresRepository) AddAssetVariant(ctx context.Context, variant models.AssetVariant) (models.AssetVariant, error) {
	if strings.TrimSpace(variant.Kind) == "" || strings.TrimSpace(variant.StoredKey) == "" {
		return models.AssetVariant{}, errors.New("variant kind and storedKey are required")
	}
	id, err := generateID()
	if err != nil {
		return models.AssetVariant{}, err
	}
	variant.ID = id
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = r.now()
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO asset_variants (id, asset_id, kind, stored_key, width, height, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, variant.ID, variant.AssetID, variant.Kind, variant.StoredKey, variant.Width, variant.Height, variant.CreatedAt)
	if isForeignKeyViolation(err) {
		return models.AssetVariant{}, ErrNotFound
	}
	if err != nil {
		return models.AssetVariant{}, fmt.Errorf("insert asset variant: %w", err)
	}
	return variant, nil
}

func (r *postgresRepository) ListAssetVariants(ctx context.Context, assetID string) ([]models.AssetVariant, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, asset_id, kind, stored_key, width, height, created_at
FROM asset_variants
WHERE asset_id = $1
ORDER BY created_at, id
`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list asset variants: %w", err)
	}
	defer rows.Close()

	out := make([]models.AssetVariant, 0)
	for rows.Next() {
		var variant models.AssetVariant
		if err := rows.Scan(&variant.ID, &variant.AssetID, &variant.Kind, &variant.StoredKey,
			&variant.Width, &variant.Height, &variant.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset variant: %w", err)
		}
		out = append(out, variant)
	}
	return out, rows.Err()
}

func (r *postgresRepository) AppendUploadRecord(ctx context.Context, record models.UploadRecord) error {
	if strings.TrimSpace(record.AssetID) == "" {
		return errors.New("assetId is required")
	}
	id, err := generateID()
	if err != nil {
		return err
	}
	record.ID = id
	if record.UploadedAt.IsZero() {
		record.UploadedAt = r.now()
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO upload_history (id, asset_id, provider_id, remote_ref, succeeded, error_message, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, record.ID, record.AssetID, record.ProviderID, record.RemoteRef, record.Succeeded, record.Error, record.UploadedAt)
	if err != nil {
		return fmt.Errorf("insert upload record: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListUploadHistory(ctx context.Context, assetID string) ([]models.UploadRecord, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, asset_id, provider_id, remote_ref, succeeded, error_message, uploaded_at
FROM upload_history
WHERE asset_id = $1
ORDER BY uploaded_at
`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list upload history: %w", err)
	}
	defer rows.Close()

	out := make([]models.UploadRecord, 0)
	for rows.Next() {
		var record models.UploadRecord
		if err := rows.Scan(&record.ID, &record.AssetID, &record.ProviderID, &record.RemoteRef, &record.Succeeded, &record.Error, &record.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
