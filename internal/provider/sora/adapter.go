// Package sora implements the provider adapter for the Sora video API.
// Authentication is an API key; all credits draw from a single openapi pool.
package sora

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/provider"
)

const (
	defaultBaseURL = "https://api.sora.example.com"
	defaultTimeout = 8 * time.Second
)

// Config configures the adapter. BaseURL is overridable for tests.
type Config struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// Adapter talks to the Sora JSON API.
type Adapter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// New builds a Sora adapter.
func New(cfg Config) *Adapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{baseURL: baseURL, client: client, timeout: timeout}
}

// NewFromManifest is the registry constructor.
func NewFromManifest(manifest provider.Manifest) (provider.Adapter, error) {
	return New(Config{}), nil
}

func (a *Adapter) ID() string {
	return "sora"
}

func (a *Adapter) SupportedOperations() []models.OperationType {
	return []models.OperationType{
		models.OperationTextToVideo,
		models.OperationImageToVideo,
		models.OperationImageToImage,
		models.OperationFusion,
	}
}

func (a *Adapter) MapParameters(op models.OperationType, canonical map[string]any) (map[string]any, error) {
	if !provider.Supports(a, op) {
		return nil, provider.NewUnsupportedOperationError(fmt.Sprintf("sora does not support %s", op))
	}
	payload := map[string]any{
		"model": stringValue(canonical, "model", "sora-1"),
	}
	if prompt := stringValue(canonical, "prompt", ""); prompt != "" {
		payload["prompt"] = prompt
	}
	if duration := floatValue(canonical, "duration", 5); duration > 0 {
		payload["duration_seconds"] = duration
	}
	if pacing := stringValue(canonical, "pacing", ""); pacing != "" {
		payload["pacing"] = pacing
	}
	switch op {
	case models.OperationImageToVideo:
		payload["image_url"] = stringValue(canonical, "image_url", "")
	case models.OperationImageToImage:
		if urls, ok := canonical["image_urls"]; ok {
			payload["image_urls"] = urls
		} else if url := stringValue(canonical, "image_url", ""); url != "" {
			payload["image_urls"] = []string{url}
		}
	case models.OperationFusion:
		payload["sources"] = canonical["image_urls"]
	}
	return payload, nil
}

type jobResponse struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Progress    int      `json:"progress"`
	OutputURLs  []string `json:"output_urls"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	DurationSec float64  `json:"duration_seconds"`
	Error       struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	EstimatedSeconds int `json:"estimated_seconds"`
}

func (a *Adapter) Execute(ctx context.Context, account models.ProviderAccount, op models.OperationType, payload map[string]any) (provider.Submission, error) {
	var response jobResponse
	if err := a.do(ctx, account, http.MethodPost, "/v1/jobs", payload, &response); err != nil {
		return provider.Submission{}, err
	}
	if response.ID == "" {
		return provider.Submission{}, provider.NewProviderError("sora returned no job id", nil)
	}
	submission := provider.Submission{
		ProviderJobID: response.ID,
		Status:        mapStatus(response.Status),
		URLs:          response.OutputURLs,
		Metadata:      map[string]any{"estimated_seconds": response.EstimatedSeconds},
	}
	if response.EstimatedSeconds > 0 {
		eta := time.Now().UTC().Add(time.Duration(response.EstimatedSeconds) * time.Second)
		submission.EstimatedCompletion = &eta
	}
	return submission, nil
}

func (a *Adapter) CheckStatus(ctx context.Context, account models.ProviderAccount, providerJobID string) (provider.StatusResult, error) {
	var response jobResponse
	if err := a.do(ctx, account, http.MethodGet, "/v1/jobs/"+providerJobID, nil, &response); err != nil {
		return provider.StatusResult{}, err
	}
	result := provider.StatusResult{
		Status:   mapStatus(response.Status),
		Progress: response.Progress,
		URLs:     response.OutputURLs,
		Width:    response.Width,
		Height:   response.Height,
		Duration: response.DurationSec,
		Raw:      map[string]any{"status": response.Status},
	}
	if response.Error.Message != "" {
		result.ErrorMessage = response.Error.Message
	}
	if result.Status == provider.JobFiltered && result.ErrorMessage == "" {
		result.ErrorMessage = "Content filtered (output)"
	}
	return result, nil
}

func (a *Adapter) Cancel(ctx context.Context, account models.ProviderAccount, providerJobID string) (bool, error) {
	err := a.do(ctx, account, http.MethodPost, "/v1/jobs/"+providerJobID+"/cancel", nil, nil)
	if err != nil {
		if provider.CodeOf(err) == provider.CodeJobNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type uploadResponse struct {
	FileID string `json:"file_id"`
}

func (a *Adapter) UploadAsset(ctx context.Context, account models.ProviderAccount, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", provider.NewProviderError("read upload source", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/files", bytes.NewReader(data))
	if err != nil {
		return "", provider.NewProviderError("build upload request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	setAuth(req, account)
	resp, err := a.client.Do(req)
	if err != nil {
		return "", provider.NewProviderError("sora upload", err)
	}
	defer resp.Body.Close()
	if err := checkHTTPStatus(resp); err != nil {
		return "", err
	}
	var decoded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", provider.NewProviderError("decode upload response", err)
	}
	return decoded.FileID, nil
}

// ComputeActualCredits prices per rendered second, with a floor of one
// second. Image operations bill a flat rate.
func (a *Adapter) ComputeActualCredits(gen models.Generation, actualDuration float64) int64 {
	switch gen.OperationType {
	case models.OperationImageToImage, models.OperationFusion:
		return 10
	}
	duration := actualDuration
	if duration <= 0 {
		duration = floatValue(gen.CanonicalParams, "duration", 5)
	}
	seconds := int64(math.Ceil(duration))
	if seconds < 1 {
		seconds = 1
	}
	return seconds * 8
}

func (a *Adapter) ExtractAccountData(raw map[string]any) (map[string]string, error) {
	key := stringValue(raw, "api_key", "")
	if key == "" {
		return nil, provider.NewAuthenticationError("capture carries no api key")
	}
	credentials := map[string]string{"api_key": key}
	if org := stringValue(raw, "organization", ""); org != "" {
		credentials["organization"] = org
	}
	return credentials, nil
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func (a *Adapter) GetCredits(ctx context.Context, account models.ProviderAccount) (map[string]int64, error) {
	var response balanceResponse
	if err := a.do(ctx, account, http.MethodGet, "/v1/account/balance", nil, &response); err != nil {
		return nil, err
	}
	return map[string]int64{models.CreditTypeOpenAPI: response.Balance}, nil
}

func (a *Adapter) do(ctx context.Context, account models.ProviderAccount, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return provider.NewProviderError("marshal request", err)
		}
		body = bytes.NewReader(encoded)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return provider.NewProviderError("build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setAuth(req, account)

	resp, err := a.client.Do(req)
	if err != nil {
		return provider.NewProviderError("sora request", err)
	}
	defer resp.Body.Close()
	if err := checkHTTPStatus(resp); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return provider.NewProviderError("decode response", err)
	}
	return nil
}

func mapStatus(status string) provider.JobStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "completed":
		return provider.JobCompleted
	case "failed", "error":
		return provider.JobFailed
	case "rejected", "moderation_blocked":
		return provider.JobFiltered
	case "cancelled", "canceled":
		return provider.JobCancelled
	default:
		return provider.JobProcessing
	}
}

func setAuth(req *http.Request, account models.ProviderAccount) {
	if key := strings.TrimSpace(account.Credentials["api_key"]); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if org := strings.TrimSpace(account.Credentials["organization"]); org != "" {
		req.Header.Set("X-Organization", org)
	}
}

func checkHTTPStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(data))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return provider.NewAuthenticationError(message)
	case http.StatusPaymentRequired:
		return provider.NewQuotaExceededError(message)
	case http.StatusTooManyRequests:
		return provider.NewRateLimitError(message, parseRetryAfter(resp))
	case http.StatusNotFound:
		return provider.NewJobNotFoundError(message)
	case http.StatusUnprocessableEntity:
		return provider.NewContentFilteredError(message)
	default:
		return provider.NewProviderError(fmt.Sprintf("%s: %s", resp.Status, message), nil)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	header := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func stringValue(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if value, ok := params[key].(string); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func floatValue(params map[string]any, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if parsed, err := v.Float64(); err == nil {
			return parsed
		}
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
