// Package provider defines the uniform capability surface over external
// generation services: the Adapter interface, the closed failure taxonomy,
// and the manifest-driven registry that binds provider ids to adapters.
package provider

import (
	"context"
	"time"

	"renderforge/internal/models"
)

// JobStatus is the provider-mapped state of one submission.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobFiltered   JobStatus = "filtered"
	JobCancelled  JobStatus = "cancelled"
)

// Submission is what an adapter returns from a successful Execute call.
type Submission struct {
	ProviderJobID       string
	Status              JobStatus
	URLs                []string
	Metadata            map[string]any
	EstimatedCompletion *time.Time
}

// StatusResult is one poll of a provider job.
type StatusResult struct {
	Status       JobStatus
	Progress     int
	URLs         []string
	Width        int
	Height       int
	Duration     float64
	ErrorMessage string
	Raw          map[string]any
}

// Adapter is the provider capability surface. MapParameters must be total for
// supported operations and return an unsupported_operation error otherwise.
// All failures map into the package taxonomy.
type Adapter interface {
	ID() string
	SupportedOperations() []models.OperationType
	MapParameters(op models.OperationType, canonical map[string]any) (map[string]any, error)
	Execute(ctx context.Context, account models.ProviderAccount, op models.OperationType, payload map[string]any) (Submission, error)
	CheckStatus(ctx context.Context, account models.ProviderAccount, providerJobID string) (StatusResult, error)
	Cancel(ctx context.Context, account models.ProviderAccount, providerJobID string) (bool, error)
	UploadAsset(ctx context.Context, account models.ProviderAccount, localPath string) (string, error)
	ComputeActualCredits(gen models.Generation, actualDuration float64) int64
	ExtractAccountData(raw map[string]any) (map[string]string, error)
	GetCredits(ctx context.Context, account models.ProviderAccount) (map[string]int64, error)
}

// Supports reports whether the adapter handles the operation.
func Supports(adapter Adapter, op models.OperationType) bool {
	for _, supported := range adapter.SupportedOperations() {
		if supported == op {
			return true
		}
	}
	return false
}
