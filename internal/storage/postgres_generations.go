package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"renderforge/internal/models"
)

const generationColumns = `id, user_id, workspace_id, operation_type, provider_id, raw_params, canonical_params, inputs,
	reproducible_hash, status, billing_state, error_message, billing_error, credit_type, actual_credits, retry_count,
	parent_generation_id, prompt_version_id, asset_id, account_id,
	scheduled_at, started_at, completed_at, charged_at, created_at, updated_at`

func scanGeneration(row pgx.Row) (models.Generation, error) {
	var gen models.Generation
	var rawParams, canonicalParams, inputs []byte
	err := row.Scan(
		&gen.ID, &gen.UserID, &gen.WorkspaceID, &gen.OperationType, &gen.ProviderID,
		&rawParams, &canonicalParams, &inputs,
		&gen.ReproducibleHash, &gen.Status, &gen.BillingState, &gen.ErrorMessage, &gen.BillingError,
		&gen.CreditType, &gen.ActualCredits, &gen.RetryCount,
		&gen.ParentGenerationID, &gen.PromptVersionID, &gen.AssetID, &gen.AccountID,
		&gen.ScheduledAt, &gen.StartedAt, &gen.CompletedAt, &gen.ChargedAt,
		&gen.CreatedAt, &gen.UpdatedAt,
	)
	if err != nil {
		return models.Generation{}, err
	}
	if gen.RawParams, err = decodeJSONMap(rawParams); err != nil {
		return models.Generation{}, err
	}
	if gen.CanonicalParams, err = decodeJSONMap(canonicalParams); err != nil {
		return models.Generation{}, err
	}
	if len(inputs) > 0 {
		if err := decodeJSONValue(inputs, &gen.Inputs); err != nil {
			return models.Generation{}, err
		}
	}
	return gen, nil
}

func (r *postgresRepository) collectGenerations(rows pgx.Rows) ([]models.Generation, error) {
	defer rows.Close()
	out := make([]models.Generation, 0)
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, gen)
	}
	return out, rows.Err()
}

func (r *postgresRepository) CreateGeneration(ctx context.Context, gen models.Generation) (models.Generation, error) {
	if strings.TrimSpace(gen.UserID) == "" {
		return models.Generation{}, errors.New("userId is required")
	}
	if !gen.OperationType.Valid() {
		return models.Generation{}, fmt.Errorf("unsupported operation %q", gen.OperationType)
	}
	if strings.TrimSpace(gen.ProviderID) == "" {
		return models.Generation{}, errors.New("providerId is required")
	}
	if strings.TrimSpace(gen.ReproducibleHash) == "" {
		return models.Generation{}, errors.New("reproducibleHash is required")
	}
	if gen.Status != "" && gen.Status != models.GenerationPending {
		return models.Generation{}, fmt.Errorf("new generations start PENDING, got %s", gen.Status)
	}
	if gen.BillingState != "" && gen.BillingState != models.BillingUncharged {
		return models.Generation{}, fmt.Errorf("new generations start UNCHARGED, got %s", gen.BillingState)
	}

	rawParams, err := encodeJSON(gen.RawParams)
	if err != nil {
		return models.Generation{}, err
	}
	canonicalParams, err := encodeJSON(gen.CanonicalParams)
	if err != nil {
		return models.Generation{}, err
	}
	inputs, err := encodeJSON(gen.Inputs)
	if err != nil {
		return models.Generation{}, err
	}

	now := r.now()
	gen.Status = models.GenerationPending
	gen.BillingState = models.BillingUncharged
	gen.CreatedAt = now
	gen.UpdatedAt = now

	err = r.pool.QueryRow(ctx, `
INSERT INTO generations (user_id, workspace_id, operation_type, provider_id, raw_params, canonical_params, inputs,
	reproducible_hash, status, billing_state, error_message, billing_error, credit_type, actual_credits, retry_count,
	parent_generation_id, prompt_version_id, scheduled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', '', $11, $12, $13, $14, $15, $16, $17, $18)
RETURNING id
`, gen.UserID, gen.WorkspaceID, gen.OperationType, gen.ProviderID, rawParams, canonicalParams, inputs,
		gen.ReproducibleHash, gen.Status, gen.BillingState, gen.CreditType, gen.ActualCredits, gen.RetryCount,
		gen.ParentGenerationID, gen.PromptVersionID, gen.ScheduledAt, gen.CreatedAt, gen.UpdatedAt).Scan(&gen.ID)
	if err != nil {
		return models.Generation{}, fmt.Errorf("insert generation: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) GetGeneration(ctx context.Context, id int64) (models.Generation, error) {
	gen, err := scanGeneration(r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Generation{}, ErrNotFound
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("select generation: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) ListGenerations(ctx context.Context, filter GenerationFilter) ([]models.Generation, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)
	addCondition := func(column string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.UserID != "" {
		addCondition("user_id", filter.UserID)
	}
	if filter.WorkspaceID != "" {
		addCondition("workspace_id", filter.WorkspaceID)
	}
	if filter.Status != "" {
		addCondition("status", filter.Status)
	}
	if filter.OperationType != "" {
		addCondition("operation_type", filter.OperationType)
	}

	query := `SELECT ` + generationColumns + ` FROM generations`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, r.clampLimit(filter.Limit), offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return r.collectGenerations(rows)
}

func (r *postgresRepository) CountActiveGenerations(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM generations
WHERE user_id = $1 AND status IN ('PENDING', 'PROCESSING')
`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active generations: %w", err)
	}
	return count, nil
}

// FindGenerationByHash returns the most recent generation carrying the hash
// that is still useful for dedup: PENDING, PROCESSING, or COMPLETED rows.
func (r *postgresRepository) FindGenerationByHash(ctx context.Context, hash string) (models.Generation, error) {
	gen, err := scanGeneration(r.pool.QueryRow(ctx, `
SELECT `+generationColumns+`
FROM generations
WHERE reproducible_hash = $1 AND status IN ('PENDING', 'PROCESSING', 'COMPLETED')
ORDER BY created_at DESC, id DESC
LIMIT 1
`, hash))
	if isNoRows(err) {
		return models.Generation{}, ErrNotFound
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("select generation by hash: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) ListProcessingGenerations(ctx context.Context) ([]models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+generationColumns+`
FROM generations
WHERE status = 'PROCESSING'
ORDER BY started_at NULLS LAST, id
`)
	if err != nil {
		return nil, fmt.Errorf("list processing generations: %w", err)
	}
	return r.collectGenerations(rows)
}

func (r *postgresRepository) ListStalePendingGenerations(ctx context.Context, olderThan time.Time, limit int) ([]models.Generation, error) {
	query := `
SELECT ` + generationColumns + `
FROM generations
WHERE status = 'PENDING' AND updated_at <= $1
ORDER BY updated_at, id
`
	args := []any{olderThan.UTC()}
	if limit > 0 {
		args = append(args, limit)
		query += `LIMIT $2`
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale pending generations: %w", err)
	}
	return r.collectGenerations(rows)
}

// generationTransitionError distinguishes a missing row from one already
// past the required state after a guarded UPDATE matched nothing.
func (r *postgresRepository) generationTransitionError(ctx context.Context, id int64) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM generations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check generation %d: %w", id, err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (r *postgresRepository) MarkGenerationProcessing(ctx context.Context, id int64, accountID string, startedAt time.Time) (models.Generation, error) {
	if strings.TrimSpace(accountID) == "" {
		return models.Generation{}, errors.New("accountId is required")
	}
	gen, err := scanGeneration(r.pool.QueryRow(ctx, `
UPDATE generations
SET status = 'PROCESSING', account_id = $2, started_at = $3, updated_at = $4
WHERE id = $1 AND status = 'PENDING'
RETURNING `+generationColumns, id, accountID, startedAt.UTC(), r.now()))
	if isNoRows(err) {
		return models.Generation{}, r.generationTransitionError(ctx, id)
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("mark generation processing: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) MarkGenerationCompleted(ctx context.Context, id int64, assetID string, completedAt time.Time) (models.Generation, error) {
	if strings.TrimSpace(assetID) == "" {
		return models.Generation{}, errors.New("assetId is required for completion")
	}
	gen, err := scanGeneration(r.pool.QueryRow(ctx, `
UPDATE generations
SET status = 'COMPLETED', asset_id = $2, completed_at = $3, error_message = '', updated_at = $4
WHERE id = $1 AND status = 'PROCESSING'
RETURNING `+generationColumns, id, assetID, completedAt.UTC(), r.now()))
	if isNoRows(err) {
		return models.Generation{}, r.generationTransitionError(ctx, id)
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("mark generation completed: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) MarkGenerationFailed(ctx context.Context, id int64, message string, failedAt time.Time) (models.Generation, error) {
	gen, err := scanGeneration(r.pool.QueryRow(ctx, `
UPDATE generations
SET status = 'FAILED', error_message = $2, completed_at = $3, updated_at = $4
WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
RETURNING `+generationColumns, id, strings.TrimSpace(message), failedAt.UTC(), r.now()))
	if isNoRows(err) {
		return models.Generation{}, r.generationTransitionError(ctx, id)
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("mark generation failed: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) MarkGenerationCancelled(ctx context.Context, id int64, cancelledAt time.Time) (models.Generation, error) {
	gen, err := scanGeneration(r.pool.QueryRow(ctx, `
UPDATE generations
SET status = 'CANCELLED', completed_at = $2, updated_at = $3
WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
RETURNING `+generationColumns, id, cancelledAt.UTC(), r.now()))
	if isNoRows(err) {
		return models.Generation{}, r.generationTransitionError(ctx, id)
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("mark generation cancelled: %w", err)
	}
	return gen, nil
}

// ResetGenerationForRetry rewinds a FAILED row to PENDING for another
// attempt. Billing returns to UNCHARGED so the next settlement reflects the
// new attempt.
func (r *postgresRepository) ResetGenerationForRetry(ctx context.Context, id int64, retryCount int) (models.Generation, error) {
	gen, err := scanGeneration(r.pool.QueryRow(ctx, `
UPDATE generations
SET status = 'PENDING', billing_state = 'UNCHARGED',
	error_message = '', billing_error = '', credit_type = '', actual_credits = 0,
	retry_count = $2, account_id = NULL, started_at = NULL, completed_at = NULL, charged_at = NULL,
	updated_at = $3
WHERE id = $1 AND status = 'FAILED' AND retry_count < $2
RETURNING `+generationColumns, id, retryCount, r.now()))
	if isNoRows(err) {
		current, getErr := r.GetGeneration(ctx, id)
		if getErr != nil {
			return models.Generation{}, getErr
		}
		if current.Status != models.GenerationFailed {
			return models.Generation{}, ErrConflict
		}
		return models.Generation{}, fmt.Errorf("retry count must advance beyond %d", current.RetryCount)
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("reset generation for retry: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) UpdateGenerationBilling(ctx context.Context, id int64, update BillingUpdate) (models.Generation, error) {
	switch update.State {
	case models.BillingCharged, models.BillingSkipped, models.BillingFailed:
	default:
		return models.Generation{}, ErrConflict
	}
	var chargedAt *time.Time
	if update.State == models.BillingCharged {
		if update.ChargedAt == nil {
			return models.Generation{}, errors.New("chargedAt is required for CHARGED")
		}
		if strings.TrimSpace(update.CreditType) == "" {
			return models.Generation{}, errors.New("creditType is required for CHARGED")
		}
		charged := update.ChargedAt.UTC()
		chargedAt = &charged
	}

	gen, err := scanGeneration(r.pool.QueryRow(ctx, `
UPDATE generations
SET billing_state = $2, credit_type = $3, actual_credits = $4, billing_error = $5, charged_at = $6, updated_at = $7
WHERE id = $1 AND billing_state IN ('UNCHARGED', 'FAILED') AND billing_state <> $2
RETURNING `+generationColumns,
		id, update.State, update.CreditType, update.ActualCredits,
		strings.TrimSpace(update.BillingError), chargedAt, r.now()))
	if isNoRows(err) {
		return models.Generation{}, r.generationTransitionError(ctx, id)
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("update generation billing: %w", err)
	}
	return gen, nil
}

func (r *postgresRepository) DeleteGeneration(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM generations
WHERE id = $1 AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')
`, id)
	if err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.generationTransitionError(ctx, id)
	}
	return nil
}

// Submission operations

const submissionColumns = `id, generation_id, account_id, provider_job_id, status, response, estimated_completion, submitted_at`

func scanSubmission(row pgx.Row) (models.ProviderSubmission, error) {
	var sub models.ProviderSubmission
	var response []byte
	err := row.Scan(
		&sub.ID, &sub.GenerationID, &sub.AccountID, &sub.ProviderJobID, &sub.Status,
		&response, &sub.EstimatedCompletion, &sub.SubmittedAt,
	)
	if err != nil {
		return models.ProviderSubmission{}, err
	}
	if sub.Response, err = decodeJSONMap(response); err != nil {
		return models.ProviderSubmission{}, err
	}
	return sub, nil
}

func (r *postgresRepository) AppendSubmission(ctx context.Context, sub models.ProviderSubmission) (models.ProviderSubmission, error) {
	if strings.TrimSpace(sub.AccountID) == "" {
		return models.ProviderSubmission{}, errors.New("accountId is required")
	}
	id, err := generateID()
	if err != nil {
		return models.ProviderSubmission{}, err
	}
	sub.ID = id
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = r.now()
	}
	response, err := encodeJSON(sub.Response)
	if err != nil {
		return models.ProviderSubmission{}, err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO provider_submissions (id, generation_id, account_id, provider_job_id, status, response, estimated_completion, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, sub.ID, sub.GenerationID, sub.AccountID, sub.ProviderJobID, sub.Status, response, sub.EstimatedCompletion, sub.SubmittedAt)
	if isForeignKeyViolation(err) {
		return models.ProviderSubmission{}, ErrNotFound
	}
	if err != nil {
		return models.ProviderSubmission{}, fmt.Errorf("insert submission: %w", err)
	}
	return sub, nil
}

func (r *postgresRepository) LatestSubmission(ctx context.Context, generationID int64) (models.ProviderSubmission, error) {
	sub, err := scanSubmission(r.pool.QueryRow(ctx, `
SELECT `+submissionColumns+`
FROM provider_submissions
WHERE generation_id = $1
ORDER BY submitted_at DESC
LIMIT 1
`, generationID))
	if isNoRows(err) {
		return models.ProviderSubmission{}, ErrNotFound
	}
	if err != nil {
		return models.ProviderSubmission{}, fmt.Errorf("select latest submission: %w", err)
	}
	return sub, nil
}

func (r *postgresRepository) ListSubmissions(ctx context.Context, generationID int64) ([]models.ProviderSubmission, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+submissionColumns+`
FROM provider_submissions
WHERE generation_id = $1
ORDER BY submitted_at
`, generationID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	out := make([]models.ProviderSubmission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
