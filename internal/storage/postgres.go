package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderforge/internal/models"
)

// postgresRepository is the Postgres-backed datastore. Guarded lifecycle
// transitions compile to conditional UPDATE statements, so concurrent
// writers race on the database rather than on process-local locks.
type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. The caller must
// ensure migrations have been applied, normally via RunMigrations, before
// invoking this constructor.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

// Close drains the connection pool, honoring the context deadline.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) now() time.Time {
	return r.cfg.Clock().UTC()
}

func (r *postgresRepository) clampLimit(limit int) int {
	if limit <= 0 || limit > r.cfg.MaxListLimit {
		return r.cfg.MaxListLimit
	}
	return limit
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func encodeJSON(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

func decodeJSONValue(data []byte, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func decodeJSONMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

func decodeStringMap(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

func decodeCreditsMap(data []byte) (map[string]int64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

// User operations

func (r *postgresRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, string, error) {
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
		CreatedAt:         r.now(),
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO users (id, email, display_name, api_key_id, api_key_hash, key_origin, max_concurrent_jobs, max_content_rating, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, user.ID, user.Email, user.DisplayName, user.APIKeyID, user.APIKeyHash, user.KeyOrigin, user.MaxConcurrentJobs, user.MaxContentRating, user.CreatedAt)
	if err != nil {
		return models.User{}, "", fmt.Errorf("insert user: %w", err)
	}
	return user, key.Raw, nil
}

const userColumns = `id, email, display_name, api_key_id, api_key_hash, key_origin, max_concurrent_jobs, max_content_rating, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(
		&user.ID, &user.Email, &user.DisplayName,
		&user.APIKeyID, &user.APIKeyHash, &user.KeyOrigin,
		&user.MaxConcurrentJobs, &user.MaxContentRating, &user.CreatedAt,
	)
	return user, err
}

func (r *postgresRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if isNoRows(err) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) GetUserByKeyID(ctx context.Context, keyID string) (models.User, error) {
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE api_key_id = $1`, keyID))
	if isNoRows(err) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("select user by key: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Prompt version operations

func (r *postgresRepository) FindPromptVersion(ctx context.Context, id string) (models.PromptVersion, error) {
	var version models.PromptVersion
	var analysis []byte
	err := r.pool.QueryRow(ctx, `
SELECT id, body, analysis, created_at
FROM prompt_versions
WHERE id = $1
`, id).Scan(&version.ID, &version.Text, &analysis, &version.CreatedAt)
	if isNoRows(err) {
		return models.PromptVersion{}, ErrNotFound
	}
	if err != nil {
		return models.PromptVersion{}, fmt.Errorf("select prompt version: %w", err)
	}
	if version.Analysis, err = decodeJSONMap(analysis); err != nil {
		return models.PromptVersion{}, err
	}
	return version, nil
}

// CreatePromptVersion inserts the version if absent and returns the stored
// row either way, matching find-or-create semantics.
func (r *postgresRepository) CreatePromptVersion(ctx context.Context, version models.PromptVersion) (models.PromptVersion, error) {
	id := strings.TrimSpace(version.ID)
	if id == "" {
		return models.PromptVersion{}, errors.New("prompt version id is required")
	}
	if existing, err := r.FindPromptVersion(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return models.PromptVersion{}, err
	}
	if strings.TrimSpace(version.Text) == "" {
		return models.PromptVersion{}, errors.New("prompt version text is required")
	}

	if version.CreatedAt.IsZero() {
		version.CreatedAt = r.now()
	}
	analysis, err := encodeJSON(version.Analysis)
	if err != nil {
		return models.PromptVersion{}, err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO prompt_versions (id, body, analysis, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING
`, id, version.Text, analysis, version.CreatedAt)
	if err != nil {
		return models.PromptVersion{}, fmt.Errorf("insert prompt version: %w", err)
	}
	version.ID = id
	return r.FindPromptVersion(ctx, id)
}
