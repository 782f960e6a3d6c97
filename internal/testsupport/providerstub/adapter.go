// Package providerstub provides a scripted provider adapter for tests. Every
// hook is a plain function field so a test can script exactly the provider
// behaviour it needs; unset hooks fall back to a well-behaved default.
package providerstub

import (
	"context"
	"fmt"
	"sync"

	"renderforge/internal/models"
	"renderforge/internal/provider"
)

// Adapter implements provider.Adapter with scriptable hooks.
type Adapter struct {
	ProviderID string
	Operations []models.OperationType

	MapParametersFunc func(op models.OperationType, canonical map[string]any) (map[string]any, error)
	ExecuteFunc       func(ctx context.Context, account models.ProviderAccount, op models.OperationType, payload map[string]any) (provider.Submission, error)
	CheckStatusFunc   func(ctx context.Context, account models.ProviderAccount, providerJobID string) (provider.StatusResult, error)
	CancelFunc        func(ctx context.Context, account models.ProviderAccount, providerJobID string) (bool, error)
	UploadAssetFunc   func(ctx context.Context, account models.ProviderAccount, localPath string) (string, error)
	CreditsFunc       func(gen models.Generation, actualDuration float64) int64
	GetCreditsFunc    func(ctx context.Context, account models.ProviderAccount) (map[string]int64, error)

	mu           sync.Mutex
	executeCalls int
	statusCalls  int
	cancelCalls  int
	uploadCalls  int
}

// New returns a stub adapter supporting text_to_video unless told otherwise.
func New(id string, ops ...models.OperationType) *Adapter {
	if len(ops) == 0 {
		ops = []models.OperationType{models.OperationTextToVideo}
	}
	return &Adapter{ProviderID: id, Operations: ops}
}

func (a *Adapter) ID() string { return a.ProviderID }

func (a *Adapter) SupportedOperations() []models.OperationType {
	return append([]models.OperationType(nil), a.Operations...)
}

func (a *Adapter) MapParameters(op models.OperationType, canonical map[string]any) (map[string]any, error) {
	if !provider.Supports(a, op) {
		return nil, provider.NewUnsupportedOperationError(fmt.Sprintf("operation %s not supported", op))
	}
	if a.MapParametersFunc != nil {
		return a.MapParametersFunc(op, canonical)
	}
	mapped := make(map[string]any, len(canonical))
	for key, value := range canonical {
		mapped[key] = value
	}
	return mapped, nil
}

func (a *Adapter) Execute(ctx context.Context, account models.ProviderAccount, op models.OperationType, payload map[string]any) (provider.Submission, error) {
	a.mu.Lock()
	a.executeCalls++
	call := a.executeCalls
	a.mu.Unlock()
	if a.ExecuteFunc != nil {
		return a.ExecuteFunc(ctx, account, op, payload)
	}
	return provider.Submission{
		ProviderJobID: fmt.Sprintf("%s-job-%d", a.ProviderID, call),
		Status:        provider.JobProcessing,
	}, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, account models.ProviderAccount, providerJobID string) (provider.StatusResult, error) {
	a.mu.Lock()
	a.statusCalls++
	a.mu.Unlock()
	if a.CheckStatusFunc != nil {
		return a.CheckStatusFunc(ctx, account, providerJobID)
	}
	return provider.StatusResult{
		Status:   provider.JobCompleted,
		Progress: 100,
		URLs:     []string{fmt.Sprintf("https://cdn.example.com/%s.mp4", providerJobID)},
		Duration: 5,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, account models.ProviderAccount, providerJobID string) (bool, error) {
	a.mu.Lock()
	a.cancelCalls++
	a.mu.Unlock()
	if a.CancelFunc != nil {
		return a.CancelFunc(ctx, account, providerJobID)
	}
	return true, nil
}

func (a *Adapter) UploadAsset(ctx context.Context, account models.ProviderAccount, localPath string) (string, error) {
	a.mu.Lock()
	a.uploadCalls++
	call := a.uploadCalls
	a.mu.Unlock()
	if a.UploadAssetFunc != nil {
		return a.UploadAssetFunc(ctx, account, localPath)
	}
	return fmt.Sprintf("%s-upload-%d", a.ProviderID, call), nil
}

func (a *Adapter) ComputeActualCredits(gen models.Generation, actualDuration float64) int64 {
	if a.CreditsFunc != nil {
		return a.CreditsFunc(gen, actualDuration)
	}
	return int64(actualDuration)
}

func (a *Adapter) ExtractAccountData(raw map[string]any) (map[string]string, error) {
	data := make(map[string]string, len(raw))
	for key, value := range raw {
		data[key] = fmt.Sprint(value)
	}
	return data, nil
}

func (a *Adapter) GetCredits(ctx context.Context, account models.ProviderAccount) (map[string]int64, error) {
	if a.GetCreditsFunc != nil {
		return a.GetCreditsFunc(ctx, account)
	}
	return map[string]int64{"video": 1000}, nil
}

// ExecuteCalls reports how many times Execute ran.
func (a *Adapter) ExecuteCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executeCalls
}

// StatusCalls reports how many times CheckStatus ran.
func (a *Adapter) StatusCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusCalls
}

// CancelCalls reports how many times Cancel ran.
func (a *Adapter) CancelCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelCalls
}

// UploadCalls reports how many times UploadAsset ran.
func (a *Adapter) UploadCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploadCalls
}

var _ provider.Adapter = (*Adapter)(nil)
