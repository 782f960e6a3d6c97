// Package pixverse implements the provider adapter for the Pixverse video
// generation API. Authentication is a bearer JWT captured from the web
// client; credits are split between web and openapi pools.
package pixverse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/provider"
)

const (
	defaultBaseURL = "https://app-api.pixverse.ai"
	defaultTimeout = 10 * time.Second
)

// Config configures the adapter. BaseURL is overridable for tests.
type Config struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// Adapter talks to the Pixverse JSON API.
type Adapter struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// New builds a Pixverse adapter.
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
	return "pixverse"
}

func (a *Adapter) SupportedOperations() []models.OperationType {
	return []models.OperationType{
		models.OperationTextToVideo,
		models.OperationImageToVideo,
		models.OperationVideoExtend,
		models.OperationVideoTransition,
	}
}

// MapParameters translates canonical params into the Pixverse request body.
func (a *Adapter) MapParameters(op models.OperationType, canonical map[string]any) (map[string]any, error) {
	if !provider.Supports(a, op) {
		return nil, provider.NewUnsupportedOperationError(fmt.Sprintf("pixverse does not support %s", op))
	}
	payload := map[string]any{
		"model":   stringValue(canonical, "model", "v2"),
		"quality": stringValue(canonical, "quality", "standard"),
	}
	if prompt := stringValue(canonical, "prompt", ""); prompt != "" {
		payload["prompt"] = prompt
	}
	if duration := floatValue(canonical, "duration", 5); duration > 0 {
		payload["duration"] = int(math.Round(duration))
	}
	if seed, ok := canonical["seed"]; ok {
		payload["seed"] = seed
	}
	if audio, ok := canonical["audio"]; ok {
		payload["sound_effect_switch"] = audio
	}
	switch op {
	case models.OperationImageToVideo:
		payload["img_url"] = stringValue(canonical, "image_url", "")
	case models.OperationVideoExtend:
		if url := stringValue(canonical, "video_url", ""); url != "" {
			payload["video_url"] = url
		}
		if original := stringValue(canonical, "original_video_id", ""); original != "" {
			payload["original_video_id"] = original
		}
	case models.OperationVideoTransition:
		payload["img_urls"] = canonical["image_urls"]
		payload["prompts"] = canonical["prompts"]
	}
	return payload, nil
}

type generateResponse struct {
	ErrCode int    `json:"ErrCode"`
	ErrMsg  string `json:"ErrMsg"`
	Resp    struct {
		VideoID      int64  `json:"video_id"`
		EstimatedSec int    `json:"estimated_seconds"`
		Status       string `json:"status"`
	} `json:"Resp"`
}

func (a *Adapter) Execute(ctx context.Context, account models.ProviderAccount, op models.OperationType, payload map[string]any) (provider.Submission, error) {
	path := "/openapi/v2/video/generate"
	if op == models.OperationVideoTransition {
		path = "/openapi/v2/video/transition/generate"
	}
	var response generateResponse
	if err := a.do(ctx, account, http.MethodPost, path, payload, &response); err != nil {
		return provider.Submission{}, err
	}
	if response.ErrCode != 0 {
		return provider.Submission{}, mapErrCode(response.ErrCode, response.ErrMsg)
	}
	if response.Resp.VideoID == 0 {
		return provider.Submission{}, provider.NewProviderError("pixverse returned no video id", nil)
	}
	submission := provider.Submission{
		ProviderJobID: strconv.FormatInt(response.Resp.VideoID, 10),
		Status:        provider.JobProcessing,
		Metadata:      map[string]any{"estimated_seconds": response.Resp.EstimatedSec},
	}
	if response.Resp.EstimatedSec > 0 {
		eta := time.Now().UTC().Add(time.Duration(response.Resp.EstimatedSec) * time.Second)
		submission.EstimatedCompletion = &eta
	}
	return submission, nil
}

type statusResponse struct {
	ErrCode int    `json:"ErrCode"`
	ErrMsg  string `json:"ErrMsg"`
	Resp    struct {
		Status   int     `json:"status"`
		URL      string  `json:"url"`
		Width    int     `json:"output_width"`
		Height   int     `json:"output_height"`
		Duration float64 `json:"duration"`
		Progress int     `json:"progress"`
		ErrMsg   string  `json:"err_msg"`
	} `json:"Resp"`
}

// Pixverse job status codes.
const (
	statusCompleted  = 1
	statusFailed     = 7
	statusFiltered   = 8
	statusProcessing = 5
	statusQueued     = 10
)

func (a *Adapter) CheckStatus(ctx context.Context, account models.ProviderAccount, providerJobID string) (provider.StatusResult, error) {
	var response statusResponse
	path := "/openapi/v2/video/result/" + providerJobID
	if err := a.do(ctx, account, http.MethodGet, path, nil, &response); err != nil {
		return provider.StatusResult{}, err
	}
	if response.ErrCode != 0 {
		return provider.StatusResult{}, mapErrCode(response.ErrCode, response.ErrMsg)
	}
	result := provider.StatusResult{
		Progress: response.Resp.Progress,
		Width:    response.Resp.Width,
		Height:   response.Resp.Height,
		Duration: response.Resp.Duration,
		Raw:      map[string]any{"status": response.Resp.Status},
	}
	if response.Resp.URL != "" {
		result.URLs = []string{response.Resp.URL}
	}
	switch response.Resp.Status {
	case statusCompleted:
		result.Status = provider.JobCompleted
	case statusFailed:
		result.Status = provider.JobFailed
		result.ErrorMessage = firstNonEmpty(response.Resp.ErrMsg, "generation failed")
	case statusFiltered:
		result.Status = provider.JobFiltered
		result.ErrorMessage = firstNonEmpty(response.Resp.ErrMsg, "Content filtered (output)")
	case statusProcessing, statusQueued:
		result.Status = provider.JobProcessing
	default:
		result.Status = provider.JobProcessing
	}
	return result, nil
}

func (a *Adapter) Cancel(ctx context.Context, account models.ProviderAccount, providerJobID string) (bool, error) {
	var response generateResponse
	path := "/openapi/v2/video/cancel/" + providerJobID
	if err := a.do(ctx, account, http.MethodPost, path, nil, &response); err != nil {
		return false, err
	}
	return response.ErrCode == 0, nil
}

type uploadResponse struct {
	ErrCode int    `json:"ErrCode"`
	ErrMsg  string `json:"ErrMsg"`
	Resp    struct {
		URL string `json:"url"`
	} `json:"Resp"`
}

// UploadAsset pushes a local file to Pixverse media storage and returns the
// opaque remote reference used as img_url in later requests.
func (a *Adapter) UploadAsset(ctx context.Context, account models.ProviderAccount, localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", provider.NewProviderError("open upload source", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", provider.NewProviderError("build upload form", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", provider.NewProviderError("read upload source", err)
	}
	if err := writer.Close(); err != nil {
		return "", provider.NewProviderError("finish upload form", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/openapi/v2/image/upload", body)
	if err != nil {
		return "", provider.NewProviderError("build upload request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	setAuth(req, account)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", provider.NewProviderError("pixverse upload", err)
	}
	defer resp.Body.Close()
	if err := checkHTTPStatus(resp); err != nil {
		return "", err
	}
	var decoded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", provider.NewProviderError("decode upload response", err)
	}
	if decoded.ErrCode != 0 {
		return "", mapErrCode(decoded.ErrCode, decoded.ErrMsg)
	}
	return decoded.Resp.URL, nil
}

// Pricing: credits per generation by quality, scaled by 5-second blocks.
var qualityCredits = map[string]int64{
	"turbo":    20,
	"standard": 30,
	"high":     60,
	"ultra":    90,
}

// ComputeActualCredits prices a generation from its canonical quality and the
// actual rendered duration when known, falling back to the requested target.
func (a *Adapter) ComputeActualCredits(gen models.Generation, actualDuration float64) int64 {
	quality := stringValue(gen.CanonicalParams, "quality", "standard")
	perBlock, ok := qualityCredits[quality]
	if !ok {
		perBlock = qualityCredits["standard"]
	}
	duration := actualDuration
	if duration <= 0 {
		duration = floatValue(gen.CanonicalParams, "duration", 5)
	}
	blocks := int64(math.Ceil(duration / 5))
	if blocks < 1 {
		blocks = 1
	}
	return perBlock * blocks
}

// ExtractAccountData harvests the JWT and account id from a raw browser
// capture.
func (a *Adapter) ExtractAccountData(raw map[string]any) (map[string]string, error) {
	token := stringValue(raw, "token", "")
	if token == "" {
		token = stringValue(raw, "jwt", "")
	}
	if token == "" {
		return nil, provider.NewAuthenticationError("capture carries no jwt token")
	}
	credentials := map[string]string{"jwt": token}
	if accountID := stringValue(raw, "account_id", ""); accountID != "" {
		credentials["account_id"] = accountID
	}
	return credentials, nil
}

type balanceResponse struct {
	ErrCode int    `json:"ErrCode"`
	ErrMsg  string `json:"ErrMsg"`
	Resp    struct {
		WebCredits     int64 `json:"credit_package"`
		OpenAPICredits int64 `json:"openapi_balance"`
	} `json:"Resp"`
}

func (a *Adapter) GetCredits(ctx context.Context, account models.ProviderAccount) (map[string]int64, error) {
	var response balanceResponse
	if err := a.do(ctx, account, http.MethodGet, "/openapi/v2/account/balance", nil, &response); err != nil {
		return nil, err
	}
	if response.ErrCode != 0 {
		return nil, mapErrCode(response.ErrCode, response.ErrMsg)
	}
	return map[string]int64{
		models.CreditTypeWeb:     response.Resp.WebCredits,
		models.CreditTypeOpenAPI: response.Resp.OpenAPICredits,
	}, nil
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
		return provider.NewProviderError("pixverse request", err)
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

func setAuth(req *http.Request, account models.ProviderAccount) {
	if token := strings.TrimSpace(account.Credentials["jwt"]); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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

// Pixverse application error codes that map onto the taxonomy.
func mapErrCode(code int, message string) error {
	switch code {
	case 400017, 400018:
		return provider.NewContentFilteredError(firstNonEmpty(message, "Content filtered (prompt)"))
	case 400011:
		return provider.NewJobNotFoundError(message)
	case 400032, 500054:
		return provider.NewQuotaExceededError(firstNonEmpty(message, "insufficient credits"))
	case 401001, 403001:
		return provider.NewAuthenticationError(message)
	case 429001:
		return provider.NewRateLimitError(message, 0)
	default:
		return provider.NewProviderError(fmt.Sprintf("pixverse error %d: %s", code, message), nil)
	}
}

func stringValue(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if value, ok := params[key]; ok {
		switch v := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
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

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
