package models

import (
	"fmt"
	"time"
)

// OperationType enumerates the generation operations the orchestrator accepts.
type OperationType string

const (
	OperationTextToVideo     OperationType = "text_to_video"
	OperationImageToVideo    OperationType = "image_to_video"
	OperationTextToImage     OperationType = "text_to_image"
	OperationImageToImage    OperationType = "image_to_image"
	OperationVideoExtend     OperationType = "video_extend"
	OperationVideoTransition OperationType = "video_transition"
	OperationFusion          OperationType = "fusion"
)

// OperationTypes lists every supported operation in a stable order.
func OperationTypes() []OperationType {
	return []OperationType{
		OperationTextToVideo,
		OperationImageToVideo,
		OperationTextToImage,
		OperationImageToImage,
		OperationVideoExtend,
		OperationVideoTransition,
		OperationFusion,
	}
}

// Valid reports whether the operation is one of the supported set.
func (o OperationType) Valid() bool {
	switch o {
	case OperationTextToVideo, OperationImageToVideo, OperationTextToImage,
		OperationImageToImage, OperationVideoExtend, OperationVideoTransition,
		OperationFusion:
		return true
	}
	return false
}

// GenerationStatus tracks a generation through its lifecycle.
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "PENDING"
	GenerationProcessing GenerationStatus = "PROCESSING"
	GenerationCompleted  GenerationStatus = "COMPLETED"
	GenerationFailed     GenerationStatus = "FAILED"
	GenerationCancelled  GenerationStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s GenerationStatus) Terminal() bool {
	switch s {
	case GenerationCompleted, GenerationFailed, GenerationCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a generation may move from its current
// status to the requested one. The single non-monotonic edge, FAILED back to
// PENDING, is reserved for the retry path and must be requested explicitly.
func CanTransition(from, to GenerationStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case GenerationPending:
		return to == GenerationProcessing || to == GenerationCancelled || to == GenerationFailed
	case GenerationProcessing:
		return to == GenerationCompleted || to == GenerationFailed || to == GenerationCancelled
	default:
		return false
	}
}

// BillingState tracks finalization of credit accounting, orthogonal to the
// lifecycle status.
type BillingState string

const (
	BillingUncharged BillingState = "UNCHARGED"
	BillingCharged   BillingState = "CHARGED"
	BillingSkipped   BillingState = "SKIPPED"
	BillingFailed    BillingState = "FAILED"
)

// Final reports whether the billing state can no longer advance.
func (b BillingState) Final() bool {
	return b == BillingCharged || b == BillingSkipped
}

// CanAdvanceTo reports whether the billing state may move to next. Billing
// only ever advances away from UNCHARGED; a FAILED finalization may be
// repaired by a later successful pass.
func (b BillingState) CanAdvanceTo(next BillingState) bool {
	if b == next {
		return false
	}
	switch b {
	case BillingUncharged, BillingFailed:
		return next == BillingCharged || next == BillingSkipped || next == BillingFailed
	default:
		return false
	}
}

// ContentRating orders the permitted audience ratings from most to least
// restrictive cap. Comparisons use the index within ratingOrder.
type ContentRating string

const (
	RatingSFW           ContentRating = "sfw"
	RatingRomantic      ContentRating = "romantic"
	RatingMatureImplied ContentRating = "mature_implied"
	RatingRestricted    ContentRating = "restricted"
)

var ratingOrder = []ContentRating{RatingSFW, RatingRomantic, RatingMatureImplied, RatingRestricted}

// RatingIndex returns the ordinal of the rating, or an error for unknown
// strings. Unknown ratings are rejected rather than defaulted.
func RatingIndex(r ContentRating) (int, error) {
	for i, candidate := range ratingOrder {
		if candidate == r {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown content rating %q", r)
}

// MinRating returns the more restrictive of two ratings. Both inputs must be
// known ratings.
func MinRating(a, b ContentRating) (ContentRating, error) {
	ai, err := RatingIndex(a)
	if err != nil {
		return "", err
	}
	bi, err := RatingIndex(b)
	if err != nil {
		return "", err
	}
	if ai <= bi {
		return a, nil
	}
	return b, nil
}

// CacheStrategy selects how aggressively generation results are shared
// between requests with identical canonical parameters.
type CacheStrategy string

const (
	StrategyOnce           CacheStrategy = "once"
	StrategyPerPlaythrough CacheStrategy = "per_playthrough"
	StrategyPerPlayer      CacheStrategy = "per_player"
	StrategyAlways         CacheStrategy = "always"
)

// Valid reports whether the strategy is one of the supported set.
func (s CacheStrategy) Valid() bool {
	switch s {
	case StrategyOnce, StrategyPerPlaythrough, StrategyPerPlayer, StrategyAlways:
		return true
	}
	return false
}

// Credit type identifiers. Billing prefers web balances over openapi ones
// when the generation does not pin a type.
const (
	CreditTypeWeb     = "web"
	CreditTypeOpenAPI = "openapi"
)

// InputRef is an ordered reference to a seed scene or asset feeding a
// generation. Order within Generation.Inputs is significant.
type InputRef struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Generation is the request of record for one media-generation job.
type Generation struct {
	ID                 int64            `json:"id"`
	UserID             string           `json:"userId"`
	WorkspaceID        string           `json:"workspaceId,omitempty"`
	OperationType      OperationType    `json:"operationType"`
	ProviderID         string           `json:"providerId"`
	RawParams          map[string]any   `json:"rawParams,omitempty"`
	CanonicalParams    map[string]any   `json:"canonicalParams,omitempty"`
	Inputs             []InputRef       `json:"inputs,omitempty"`
	ReproducibleHash   string           `json:"reproducibleHash"`
	Status             GenerationStatus `json:"status"`
	BillingState       BillingState     `json:"billingState"`
	ErrorMessage       string           `json:"errorMessage,omitempty"`
	BillingError       string           `json:"billingError,omitempty"`
	CreditType         string           `json:"creditType,omitempty"`
	ActualCredits      int64            `json:"actualCredits"`
	RetryCount         int              `json:"retryCount"`
	ParentGenerationID *int64           `json:"parentGenerationId,omitempty"`
	PromptVersionID    *string          `json:"promptVersionId,omitempty"`
	AssetID            *string          `json:"assetId,omitempty"`
	AccountID          *string          `json:"accountId,omitempty"`
	ScheduledAt        *time.Time       `json:"scheduledAt,omitempty"`
	StartedAt          *time.Time       `json:"startedAt,omitempty"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
	ChargedAt          *time.Time       `json:"chargedAt,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// ProviderSubmission records one attempt to dispatch a generation to a
// provider. Submissions are append-only; the latest by SubmittedAt is
// authoritative.
type ProviderSubmission struct {
	ID                  string         `json:"id"`
	GenerationID        int64          `json:"generationId"`
	AccountID           string         `json:"accountId"`
	ProviderJobID       string         `json:"providerJobId"`
	Status              string         `json:"status"`
	Response            map[string]any `json:"response,omitempty"`
	EstimatedCompletion *time.Time     `json:"estimatedCompletion,omitempty"`
	SubmittedAt         time.Time      `json:"submittedAt"`
}

// ProviderAccount is a credential against one provider together with its
// quota bookkeeping. Credentials serialize for datastore persistence; API
// responses must use a view type that omits them.
type ProviderAccount struct {
	ID                    string            `json:"id"`
	ProviderID            string            `json:"providerId"`
	Label                 string            `json:"label,omitempty"`
	Credentials           map[string]string `json:"credentials,omitempty"`
	Credits               map[string]int64  `json:"credits"`
	MaxConcurrent         int               `json:"maxConcurrent"`
	CurrentProcessingJobs int               `json:"currentProcessingJobs"`
	CooldownUntil         *time.Time        `json:"cooldownUntil,omitempty"`
	CooldownStreak        int               `json:"cooldownStreak,omitempty"`
	EstimatedJobSeconds   int               `json:"estimatedJobSeconds,omitempty"`
	LastUsedAt            *time.Time        `json:"lastUsedAt,omitempty"`
	Enabled               bool              `json:"enabled"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// InCooldown reports whether the account is cooling down at the given
// instant.
func (a ProviderAccount) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

// TotalCredits sums the balances across all credit types.
func (a ProviderAccount) TotalCredits() int64 {
	var total int64
	for _, balance := range a.Credits {
		total += balance
	}
	return total
}

// HasCreditBalance reports whether any credit type has a positive balance.
func (a ProviderAccount) HasCreditBalance() bool {
	for _, balance := range a.Credits {
		if balance > 0 {
			return true
		}
	}
	return false
}

// AssetIngestStatus tracks whether an asset's bytes have been pulled into
// local content-addressed storage.
type AssetIngestStatus string

const (
	AssetIngestPending AssetIngestStatus = "pending"
	AssetIngestStored  AssetIngestStatus = "stored"
	AssetIngestFailed  AssetIngestStatus = "failed"
)

// Asset is a produced artifact. StoredKey is the content-addressed location
// once ingested; ProviderUploads caches opaque per-provider upload
// references for cross-provider reuse.
type Asset struct {
	ID              string            `json:"id"`
	GenerationID    int64             `json:"generationId"`
	MediaType       string            `json:"mediaType"`
	RemoteURL       string            `json:"remoteUrl,omitempty"`
	StoredKey       string            `json:"storedKey,omitempty"`
	SHA256          string            `json:"sha256,omitempty"`
	FileSize        int64             `json:"fileSize"`
	IngestStatus    AssetIngestStatus `json:"ingestStatus"`
	ProviderUploads map[string]string `json:"providerUploads,omitempty"`
	MediaMetadata   map[string]any    `json:"mediaMetadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// AssetVariant is a derived rendition of an asset, currently thumbnails.
type AssetVariant struct {
	ID        string    `json:"id"`
	AssetID   string    `json:"assetId"`
	Kind      string    `json:"kind"`
	StoredKey string    `json:"storedKey"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PromptVersion is an immutable snapshot of a prompt text. Its ID is the
// SHA-256 of the normalized text, so equal prompts share one version.
type PromptVersion struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Analysis  map[string]any `json:"analysis,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// UploadRecord is a best-effort audit entry for one cross-provider asset
// upload attempt, successful or not. Failures to append history never fail
// the upload itself.
type UploadRecord struct {
	ID         string    `json:"id"`
	AssetID    string    `json:"assetId"`
	ProviderID string    `json:"providerId"`
	RemoteRef  string    `json:"remoteRef,omitempty"`
	Succeeded  bool      `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Analysis is a narrow secondary job type that shares the generation
// lifecycle and account accounting but none of the dedup or billing
// machinery.
type Analysis struct {
	ID            int64            `json:"id"`
	UserID        string           `json:"userId"`
	ProviderID    string           `json:"providerId"`
	AccountID     *string          `json:"accountId,omitempty"`
	Kind          string           `json:"kind,omitempty"`
	Status        GenerationStatus `json:"status"`
	Params        map[string]any   `json:"params,omitempty"`
	Result        map[string]any   `json:"result,omitempty"`
	ProviderJobID string           `json:"providerJobId,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	StartedAt     *time.Time       `json:"startedAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// User is a caller of the orchestrator. Keys are presented as
// rf_<keyID>_<secret>; APIKeyID locates the user and APIKeyHash stores the
// derived hash of the secret. The secret itself is never persisted, and API
// responses must use a view type that omits the hash. KeyOrigin selects the
// preferred credit type for billing (web or openapi).
type User struct {
	ID                string        `json:"id"`
	Email             string        `json:"email,omitempty"`
	DisplayName       string        `json:"displayName,omitempty"`
	APIKeyID          string        `json:"apiKeyId,omitempty"`
	APIKeyHash        string        `json:"apiKeyHash,omitempty"`
	KeyOrigin         string        `json:"keyOrigin,omitempty"`
	MaxConcurrentJobs int           `json:"maxConcurrentJobs"`
	MaxContentRating  ContentRating `json:"maxContentRating"`
	CreatedAt         time.Time     `json:"createdAt"`
}
