package ingest

import (
	"bytes"
	"context"

	"github.com/disintegration/imaging"

	"renderforge/internal/models"
)

const thumbnailMaxDim = 512

// makeThumbnail derives a bounded-size rendition of an image asset.
// Best-effort: failures are logged and never affect the ingest outcome.
func (i *Ingestor) makeThumbnail(ctx context.Context, asset models.Asset, localPath string) {
	img, err := imaging.Open(localPath, imaging.AutoOrientation(true))
	if err != nil {
		i.logger.Warn("thumbnail decode failed", "asset_id", asset.ID, "error", err)
		return
	}
	thumb := imaging.Fit(img, thumbnailMaxDim, thumbnailMaxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		i.logger.Warn("thumbnail encode failed", "asset_id", asset.ID, "error", err)
		return
	}
	key := "variants/" + asset.SHA256 + "/thumb.jpg"
	if err := i.blobs.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"); err != nil {
		i.logger.Warn("thumbnail store failed", "asset_id", asset.ID, "error", err)
		return
	}
	bounds := thumb.Bounds()
	variant := models.AssetVariant{
		AssetID:   asset.ID,
		Kind:      "thumbnail",
		StoredKey: key,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
	}
	if _, err := i.store.AddAssetVariant(ctx, variant); err != nil {
		i.logger.Warn("thumbnail record failed", "asset_id", asset.ID, "error", err)
	}
}
