package storage

import (
	"context"
	"errors"
	"time"

	"renderforge/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded transition loses to a
	// concurrent writer or the row is not in the required state.
	ErrConflict = errors.New("conflict")
	// ErrNoAccountAvailable is returned by ReserveAccount when no enabled
	// account has spare concurrency and a positive credit balance.
	ErrNoAccountAvailable = errors.New("no account available")
	// ErrInsufficientCredits is returned by DeductAccountCredit when the
	// balance would go negative.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// GenerationFilter narrows ListGenerations. Zero values are ignored.
type GenerationFilter struct {
	UserID        string
	WorkspaceID   string
	Status        models.GenerationStatus
	OperationType models.OperationType
	Limit         int
	Offset        int
}

// BillingUpdate finalizes credit accounting for one generation. ChargedAt is
// only honored when State is CHARGED; every other state clears it.
type BillingUpdate struct {
	State         models.BillingState
	CreditType    string
	ActualCredits int64
	ChargedAt     *time.Time
	BillingError  string
}

// AccountUpdate mutates operator-editable account fields. Nil pointers leave
// the field untouched.
type AccountUpdate struct {
	Label               *string
	Enabled             *bool
	MaxConcurrent       *int
	EstimatedJobSeconds *int
	Credentials         map[string]string
}

// CreateUserParams captures the attributes set when provisioning a caller.
// The generated API key is returned exactly once by CreateUser.
type CreateUserParams struct {
	DisplayName       string
	Email             string
	KeyOrigin         string
	MaxConcurrentJobs int
	MaxContentRating  models.ContentRating
}

// Repository exposes the datastore operations required by the API handlers,
// the dispatch and polling pipeline, billing, and ingest orchestration.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (models.User, string, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	GetUserByKeyID(ctx context.Context, keyID string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	CreateGeneration(ctx context.Context, gen models.Generation) (models.Generation, error)
	GetGeneration(ctx context.Context, id int64) (models.Generation, error)
	ListGenerations(ctx context.Context, filter GenerationFilter) ([]models.Generation, error)
	CountActiveGenerations(ctx context.Context, userID string) (int, error)
	FindGenerationByHash(ctx context.Context, hash string) (models.Generation, error)
	ListProcessingGenerations(ctx context.Context) ([]models.Generation, error)
	ListStalePendingGenerations(ctx context.Context, olderThan time.Time, limit int) ([]models.Generation, error)
	MarkGenerationProcessing(ctx context.Context, id int64, accountID string, startedAt time.Time) (models.Generation, error)
	MarkGenerationCompleted(ctx context.Context, id int64, assetID string, completedAt time.Time) (models.Generation, error)
	MarkGenerationFailed(ctx context.Context, id int64, message string, failedAt time.Time) (models.Generation, error)
	MarkGenerationCancelled(ctx context.Context, id int64, cancelledAt time.Time) (models.Generation, error)
	ResetGenerationForRetry(ctx context.Context, id int64, retryCount int) (models.Generation, error)
	UpdateGenerationBilling(ctx context.Context, id int64, update BillingUpdate) (models.Generation, error)
	DeleteGeneration(ctx context.Context, id int64) error

	AppendSubmission(ctx context.Context, sub models.ProviderSubmission) (models.ProviderSubmission, error)
	LatestSubmission(ctx context.Context, generationID int64) (models.ProviderSubmission, error)
	ListSubmissions(ctx context.Context, generationID int64) ([]models.ProviderSubmission, error)

	CreateAccount(ctx context.Context, account models.ProviderAccount) (models.ProviderAccount, error)
	GetAccount(ctx context.Context, id string) (models.ProviderAccount, error)
	ListAccounts(ctx context.Context, providerID string) ([]models.ProviderAccount, error)
	UpdateAccount(ctx context.Context, id string, update AccountUpdate) (models.ProviderAccount, error)
	ReserveAccount(ctx context.Context, providerID string, now time.Time) (models.ProviderAccount, error)
	ReleaseAccount(ctx context.Context, id string) error
	SetAccountCooldown(ctx context.Context, id string, until *time.Time, streak int) error
	UpdateAccountCredits(ctx context.Context, id string, credits map[string]int64) error
	DeductAccountCredit(ctx context.Context, id, creditType string, amount int64) error
	SetAccountProcessingJobs(ctx context.Context, id string, jobs int) error
	CountProcessingByAccount(ctx context.Context) (map[string]int, error)

	CreateAsset(ctx context.Context, asset models.Asset) (models.Asset, error)
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	FindAssetBySHA256(ctx context.Context, sha string) (models.Asset, error)
	UpdateAsset(ctx context.Context, asset models.Asset) (models.Asset, error)
	SetAssetProviderUpload(ctx context.Context, assetID, providerID, remoteRef string) (models.Asset, error)
	AddAssetVariant(ctx context.Context, variant models.AssetVariant) (models.AssetVariant, error)
	ListAssetVariants(ctx context.Context, assetID string) ([]models.AssetVariant, error)
	AppendUploadRecord(ctx context.Context, record models.UploadRecord) error
	ListUploadHistory(ctx context.Context, assetID string) ([]models.UploadRecord, error)

	FindPromptVersion(ctx context.Context, id string) (models.PromptVersion, error)
	CreatePromptVersion(ctx context.Context, version models.PromptVersion) (models.PromptVersion, error)

	CreateAnalysis(ctx context.Context, analysis models.Analysis) (models.Analysis, error)
	GetAnalysis(ctx context.Context, id int64) (models.Analysis, error)
	ListProcessingAnalyses(ctx context.Context) ([]models.Analysis, error)
	ListStalePendingAnalyses(ctx context.Context, olderThan time.Time, limit int) ([]models.Analysis, error)
	MarkAnalysisProcessing(ctx context.Context, id int64, accountID string, startedAt time.Time) (models.Analysis, error)
	SetAnalysisProviderJob(ctx context.Context, id int64, providerJobID string) error
	MarkAnalysisCompleted(ctx context.Context, id int64, result map[string]any, completedAt time.Time) (models.Analysis, error)
	MarkAnalysisFailed(ctx context.Context, id int64, message string, failedAt time.Time) (models.Analysis, error)
}

var _ Repository = (*Storage)(nil)
var _ Repository = (*postgresRepository)(nil)
