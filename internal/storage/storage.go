package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"renderforge/internal/models"
)

const defaultMaxListLimit = 100

const defaultUserConcurrentJobs = 10

type dataset struct {
	Users            map[string]models.User                `json:"users"`
	Generations      map[int64]models.Generation           `json:"generations"`
	Submissions      map[int64][]models.ProviderSubmission `json:"submissions"`
	Accounts         map[string]models.ProviderAccount     `json:"accounts"`
	Assets           map[string]models.Asset               `json:"assets"`
	AssetVariants    map[string][]models.AssetVariant      `json:"assetVariants"`
	UploadHistory    map[string][]models.UploadRecord      `json:"uploadHistory"`
	PromptVersions   map[string]models.PromptVersion       `json:"promptVersions"`
	Analyses         map[int64]models.Analysis             `json:"analyses"`
	NextGenerationID int64                                 `json:"nextGenerationId"`
	NextAnalysisID   int64                                 `json:"nextAnalysisId"`
}

// Storage is the JSON-file-backed datastore. An empty path keeps the dataset
// purely in memory, which tests and the worker's dry-run mode rely on.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	clock           func() time.Time
	maxListLimit    int
}

// NewStorage opens or creates the datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:     strings.TrimSpace(path),
		clock:        func() time.Time { return time.Now().UTC() },
		maxListLimit: defaultMaxListLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func newDataset() dataset {
	return dataset{
		Users:          make(map[string]models.User),
		Generations:    make(map[int64]models.Generation),
		Submissions:    make(map[int64][]models.ProviderSubmission),
		Accounts:       make(map[string]models.ProviderAccount),
		Assets:         make(map[string]models.Asset),
		AssetVariants:  make(map[string][]models.AssetVariant),
		UploadHistory:  make(map[string][]models.UploadRecord),
		PromptVersions: make(map[string]models.PromptVersion),
		Analyses:       make(map[int64]models.Analysis),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Generations == nil {
		s.data.Generations = make(map[int64]models.Generation)
	}
	if s.data.Submissions == nil {
		s.data.Submissions = make(map[int64][]models.ProviderSubmission)
	}
	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]models.ProviderAccount)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.Asset)
	}
	if s.data.AssetVariants == nil {
		s.data.AssetVariants = make(map[string][]models.AssetVariant)
	}
	if s.data.UploadHistory == nil {
		s.data.UploadHistory = make(map[string][]models.UploadRecord)
	}
	if s.data.PromptVersions == nil {
		s.data.PromptVersions = make(map[string]models.PromptVersion)
	}
	if s.data.Analyses == nil {
		s.data.Analyses = make(map[int64]models.Analysis)
	}
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) now() time.Time {
	return s.clock().UTC()
}

func (s *Storage) clampLimit(limit int) int {
	if limit <= 0 || limit > s.maxListLimit {
		return s.maxListLimit
	}
	return limit
}

// Ping reports datastore liveness. The memory store is always reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return nil
}

// User operations

func normalizeKeyOrigin(origin string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(origin))
	if normalized == "" {
		return models.CreditTypeWeb, nil
	}
	if normalized != models.CreditTypeWeb && normalized != models.CreditTypeOpenAPI {
		return "", fmt.Errorf("unsupported key origin %q", origin)
	}
	return normalized, nil
}

func (s *Storage) CreateUser(ctx context.Context, params CreateUserParams) (models.User, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, "", errors.New("displayName is required")
	}

	origin, err := normalizeKeyOrigin(params.KeyOrigin)
	if err != nil {
		return models.User{}, "", err
	}

	rating := params.MaxContentRating
	if rating == "" {
		rating = models.RatingSFW
	}
	if _, err := models.RatingIndex(rating); err != nil {
		return models.User{}, "", err
	}

	maxJobs := params.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = defaultUserConcurrentJobs
	}

	id, err := generateID()
	if err != nil {
		return models.User{}, "", err
	}
	key, err := newAPIKey()
	if err != nil {
		return models.User{}, "", err
	}
	hash, err := hashAPIKeySecret(key.Secret)
	if err != nil {
		return models.User{}, "", fmt.Errorf("hash api key: %w", err)
	}

	user := models.User{
		ID:                id,
		Email:             strings.TrimSpace(strings.ToLower(params.Email)),
		DisplayName:       displayName,
		APIKeyID:          key.ID,
		APIKeyHash:        hash,
		KeyOrigin:         origin,
		MaxConcurrentJobs: maxJobs,
		MaxContentRating:  rating,
		CreatedAt:         s.now(),
	}

	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, id)
		return models.User{}, "", err
	}

	return user, key.Raw, nil
}

func (s *Storage) GetUser(ctx context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return user, nil
}

func (s *Storage) GetUserByKeyID(ctx context.Context, keyID string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if user.APIKeyID == keyID {
			return user, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (s *Storage) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// Prompt version operations

func (s *Storage) FindPromptVersion(ctx context.Context, id string) (models.PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.data.PromptVersions[id]
	if !ok {
		return models.PromptVersion{}, ErrNotFound
	}
	return clonePromptVersion(version), nil
}

// CreatePromptVersion inserts the version if absent and returns the stored
// row either way, matching find-or-create semantics.
func (s *Storage) CreatePromptVersion(ctx context.Context, version models.PromptVersion) (models.PromptVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(version.ID)
	if id == "" {
		return models.PromptVersion{}, errors.New("prompt version id is required")
	}
	if existing, ok := s.data.PromptVersions[id]; ok {
		return clonePromptVersion(existing), nil
	}
	if strings.TrimSpace(version.Text) == "" {
		return models.PromptVersion{}, errors.New("prompt version text is required")
	}

	version.ID = id
	if version.CreatedAt.IsZero() {
		version.CreatedAt = s.now()
	}

	s.data.PromptVersions[id] = clonePromptVersion(version)
	if err := s.persist(); err != nil {
		delete(s.data.PromptVersions, id)
		return models.PromptVersion{}, err
	}
	return version, nil
}

func clonePromptVersion(version models.PromptVersion) models.PromptVersion {
	cloned := version
	cloned.Analysis = cloneAnyMap(version.Analysis)
	return cloned
}

func cloneAnyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	cloned := make(map[string]any, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}

func cloneStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	cloned := make(map[string]string, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}

func cloneCreditsMap(src map[string]int64) map[string]int64 {
	if src == nil {
		return nil
	}
	cloned := make(map[string]int64, len(src))
	for k, v := range src {
		cloned[k] = v
	}
	return cloned
}

func cloneTimePtr(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	cloned := *src
	return &cloned
}

func cloneStringPtr(src *string) *string {
	if src == nil {
		return nil
	}
	cloned := *src
	return &cloned
}

func cloneInt64Ptr(src *int64) *int64 {
	if src == nil {
		return nil
	}
	cloned := *src
	return &cloned
}
