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

const analysisColumns = `id, user_id, provider_id, account_id, kind, status, params, result,
	provider_job_id, error_message, started_at, completed_at, created_at`

func scanAnalysis(row pgx.Row) (models.Analysis, error) {
	var analysis models.Analysis
	var params, result []byte
	err := row.Scan(
		&analysis.ID, &analysis.UserID, &analysis.ProviderID, &analysis.AccountID,
		&analysis.Kind, &analysis.Status, &params, &result,
		&analysis.ProviderJobID, &analysis.ErrorMessage,
		&analysis.StartedAt, &analysis.CompletedAt, &analysis.CreatedAt,
	)
	if err != nil {
		return models.Analysis{}, err
	}
	if analysis.Params, err = decodeJSONMap(params); err != nil {
		return models.Analysis{}, err
	}
	if analysis.Result, err = decodeJSONMap(result); err != nil {
		return models.Analysis{}, err
	}
	return analysis, nil
}

func (r *postgresRepository) collectAnalyses(rows pgx.Rows) ([]models.Analysis, error) {
	defer rows.Close()
	out := make([]models.Analysis, 0)
	for rows.Next() {
		analysis, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, analysis)
	}
	return out, rows.Err()
}

func (r *postgresRepository) CreateAnalysis(ctx context.Context, analysis models.Analysis) (models.Analysis, error) {
	if strings.TrimSpace(analysis.UserID) == "" {
		return models.Analysis{}, errors.New("userId is required")
	}
	if strings.TrimSpace(analysis.ProviderID) == "" {
		return models.Analysis{}, errors.New("providerId is required")
	}
	if analysis.Status != "" && analysis.Status != models.GenerationPending {
		return models.Analysis{}, errors.New("new analyses start PENDING")
	}

	analysis.Status = models.GenerationPending
	analysis.CreatedAt = r.now()
	params, err := encodeJSON(analysis.Params)
	if err != nil {
		return models.Analysis{}, err
	}
	err = r.pool.QueryRow(ctx, `
INSERT INTO analyses (user_id, provider_id, kind, status, params, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, analysis.UserID, analysis.ProviderID, analysis.Kind, analysis.Status, params, analysis.CreatedAt).Scan(&analysis.ID)
	if err != nil {
		return models.Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}
	return analysis, nil
}

func (r *postgresRepository) GetAnalysis(ctx context.Context, id int64) (models.Analysis, error) {
	analysis, err := scanAnalysis(r.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id))
	if isNoRows(err) {
		return models.Analysis{}, ErrNotFound
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("select analysis: %w", err)
	}
	return analysis, nil
}

func (r *postgresRepository) ListProcessingAnalyses(ctx context.Context) ([]models.Analysis, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+analysisColumns+`
FROM analyses
WHERE status = 'PROCESSING'
ORDER BY started_at NULLS LAST, id
`)
	if err != nil {
		return nil, fmt.Errorf("list processing analyses: %w", err)
	}
	return r.collectAnalyses(rows)
}

func (r *postgresRepository) ListStalePendingAnalyses(ctx context.Context, olderThan time.Time, limit int) ([]models.Analysis, error) {
	query := `
SELECT ` + analysisColumns + `
FROM analyses
WHERE status = 'PENDING' AND created_at <= $1
ORDER BY created_at, id
`
	args := []any{olderThan.UTC()}
	if limit > 0 {
		args = append(args, limit)
		query += `LIMIT $2`
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale pending analyses: %w", err)
	}
	return r.collectAnalyses(rows)
}

func (r *postgresRepository) analysisTransitionError(ctx context.Context, id int64) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM analyses WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check analysis %d: %w", id, err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (r *postgresRepository) MarkAnalysisProcessing(ctx context.Context, id int64, accountID string, startedAt time.Time) (models.Analysis, error) {
	if strings.TrimSpace(accountID) == "" {
		return models.Analysis{}, errors.New("accountId is required")
	}
	analysis, err := scanAnalysis(r.pool.QueryRow(ctx, `
UPDATE analyses
SET status = 'PROCESSING', account_id = $2, started_at = $3
WHERE id = $1 AND status = 'PENDING'
RETURNING `+analysisColumns, id, accountID, startedAt.UTC()))
	if isNoRows(err) {
		return models.Analysis{}, r.analysisTransitionError(ctx, id)
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("mark analysis processing: %w", err)
	}
	return analysis, nil
}

func (r *postgresRepository) SetAnalysisProviderJob(ctx context.Context, id int64, providerJobID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE analyses
SET provider_job_id = $2
WHERE id = $1
`, id, strings.TrimSpace(providerJobID))
	if err != nil {
		return fmt.Errorf("set analysis provider job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) MarkAnalysisCompleted(ctx context.Context, id int64, result map[string]any, completedAt time.Time) (models.Analysis, error) {
	encoded, err := encodeJSON(result)
	if err != nil {
		return models.Analysis{}, err
	}
	analysis, err := scanAnalysis(r.pool.QueryRow(ctx, `
UPDATE analyses
SET status = 'COMPLETED', result = $2, completed_at = $3, error_message = ''
WHERE id = $1 AND status = 'PROCESSING'
RETURNING `+analysisColumns, id, encoded, completedAt.UTC()))
	if isNoRows(err) {
		return models.Analysis{}, r.analysisTransitionError(ctx, id)
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("mark analysis completed: %w", err)
	}
	return analysis, nil
}

func (r *postgresRepository) MarkAnalysisFailed(ctx context.Context, id int64, message string, failedAt time.Time) (models.Analysis, error) {
	analysis, err := scanAnalysis(r.pool.QueryRow(ctx, `
UPDATE analyses
SET status = 'FAILED', error_message = $2, completed_at = $3
WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
RETURNING `+analysisColumns, id, strings.TrimSpace(message), failedAt.UTC()))
	if isNoRows(err) {
		return models.Analysis{}, r.analysisTransitionError(ctx, id)
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("mark analysis failed: %w", err)
	}
	return analysis, nil
}
