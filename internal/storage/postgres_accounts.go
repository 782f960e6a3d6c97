package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"renderforge/internal/models"
)

const accountColumns = `id, provider_id, label, credentials, credits, max_concurrent, current_processing_jobs,
	cooldown_until, cooldown_streak, estimated_job_seconds, last_used_at, enabled, created_at, updated_at`

func scanAccount(row pgx.Row) (models.ProviderAccount, error) {
	var account models.ProviderAccount
	var credentials, credits []byte
	err := row.Scan(
		&account.ID, &account.ProviderID, &account.Label, &credentials, &credits,
		&account.MaxConcurrent, &account.CurrentProcessingJobs,
		&account.CooldownUntil, &account.CooldownStreak, &account.EstimatedJobSeconds,
		&account.LastUsedAt, &account.Enabled, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return models.ProviderAccount{}, err
	}
	if account.Credentials, err = decodeStringMap(credentials); err != nil {
		return models.ProviderAccount{}, err
	}
	if account.Credits, err = decodeCreditsMap(credits); err != nil {
		return models.ProviderAccount{}, err
	}
	return account, nil
}

func (r *postgresRepository) CreateAccount(ctx context.Context, account models.ProviderAccount) (models.ProviderAccount, error) {
	if strings.TrimSpace(account.ProviderID) == "" {
		return models.ProviderAccount{}, errors.New("providerId is required")
	}
	id := strings.TrimSpace(account.ID)
	if id == "" {
		generated, err := generateID()
		if err != nil {
			return models.ProviderAccount{}, err
		}
		id = generated
	}

	now := r.now()
	account.ID = id
	if account.MaxConcurrent <= 0 {
		account.MaxConcurrent = 1
	}
	account.CurrentProcessingJobs = 0
	account.CooldownUntil = nil
	account.CooldownStreak = 0
	account.CreatedAt = now
	account.UpdatedAt = now

	credentials, err := encodeJSON(account.Credentials)
	if err != nil {
		return models.ProviderAccount{}, err
	}
	credits, err := encodeJSON(account.Credits)
	if err != nil {
		return models.ProviderAccount{}, err
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO provider_accounts (id, provider_id, label, credentials, credits, max_concurrent, current_processing_jobs,
	cooldown_streak, estimated_job_seconds, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8, $9, $10)
`, account.ID, account.ProviderID, account.Label, credentials, credits,
		account.MaxConcurrent, account.EstimatedJobSeconds, account.Enabled, account.CreatedAt, account.UpdatedAt)
	if isUniqueViolation(err) {
		return models.ProviderAccount{}, fmt.Errorf("account %s already exists", id)
	}
	if err != nil {
		return models.ProviderAccount{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

func (r *postgresRepository) GetAccount(ctx context.Context, id string) (models.ProviderAccount, error) {
	account, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE id = $1`, id))
	if isNoRows(err) {
		return models.ProviderAccount{}, ErrNotFound
	}
	if err != nil {
		return models.ProviderAccount{}, fmt.Errorf("select account: %w", err)
	}
	return account, nil
}

func (r *postgresRepository) ListAccounts(ctx context.Context, providerID string) ([]models.ProviderAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM provider_accounts`
	args := []any{}
	if providerID != "" {
		query += ` WHERE provider_id = $1`
		args = append(args, providerID)
	}
	query += ` ORDER BY provider_id, id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]models.ProviderAccount, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *postgresRepository) UpdateAccount(ctx context.Context, id string, update AccountUpdate) (models.ProviderAccount, error) {
	assignments := []string{}
	args := []any{id}
	assign := func(column string, value any) {
		args = append(args, value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Label != nil {
		assign("label", strings.TrimSpace(*update.Label))
	}
	if update.Enabled != nil {
		assign("enabled", *update.Enabled)
	}
	if update.MaxConcurrent != nil && *update.MaxConcurrent > 0 {
		assign("max_concurrent", *update.MaxConcurrent)
	}
	if update.EstimatedJobSeconds != nil && *update.EstimatedJobSeconds >= 0 {
		assign("estimated_job_seconds", *update.EstimatedJobSeconds)
	}
	if update.Credentials != nil {
		credentials, err := encodeJSON(update.Credentials)
		if err != nil {
			return models.ProviderAccount{}, err
		}
		assign("credentials", credentials)
	}
	assign("updated_at", r.now())

	query := `UPDATE provider_accounts SET ` + strings.Join(assignments, ", ") + ` WHERE id = $1 RETURNING ` + accountColumns
	account, err := scanAccount(r.pool.QueryRow(ctx, query, args...))
	if isNoRows(err) {
		return models.ProviderAccount{}, ErrNotFound
	}
	if err != nil {
		return models.ProviderAccount{}, fmt.Errorf("update account: %w", err)
	}
	return account, nil
}

// ReserveAccount atomically claims one processing slot on the most suitable
// account for the provider: enabled, out of cooldown, below its concurrency
// cap, and holding a positive credit balance. Ties break toward the largest
// remaining balance, then least recently used, then lowest id. The candidate
// rows are locked for the duration so concurrent reservations serialize.
func (r *postgresRepository) ReserveAccount(ctx context.Context, providerID string, now time.Time) (models.ProviderAccount, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.ProviderAccount{}, fmt.Errorf("begin reserve transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	rows, err := tx.Query(ctx, `
SELECT `+accountColumns+`
FROM provider_accounts
WHERE provider_id = $1
	AND enabled
	AND (cooldown_until IS NULL OR cooldown_until <= $2)
	AND current_processing_jobs < max_concurrent
FOR UPDATE
`, providerID, now.UTC())
	if err != nil {
		return models.ProviderAccount{}, fmt.Errorf("select reservable accounts: %w", err)
	}
	candidates := make([]models.ProviderAccount, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return models.ProviderAccount{}, fmt.Errorf("scan account: %w", err)
		}
		if account.HasCreditBalance() {
			candidates = append(candidates, account)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.ProviderAccount{}, fmt.Errorf("select reservable accounts: %w", err)
	}
	if len(candidates) == 0 {
		return models.ProviderAccount{}, ErrNoAccountAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i], candidates[j]
		if lt, rt := left.TotalCredits(), right.TotalCredits(); lt != rt {
			return lt > rt
		}
		switch {
		case left.LastUsedAt == nil && right.LastUsedAt != nil:
			return true
		case left.LastUsedAt != nil && right.LastUsedAt == nil:
			return false
		case left.LastUsedAt != nil && right.LastUsedAt != nil && !left.LastUsedAt.Equal(*right.LastUsedAt):
			return left.LastUsedAt.Before(*right.LastUsedAt)
		}
		return left.ID < right.ID
	})

	chosen := candidates[0]
	used := now.UTC()
	updated := r.now()
	if _, err := tx.Exec(ctx, `
UPDATE provider_accounts
SET current_processing_jobs = current_processing_jobs + 1, last_used_at = $2, updated_at = $3
WHERE id = $1
`, chosen.ID, used, updated); err != nil {
		return models.ProviderAccount{}, fmt.Errorf("claim account slot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.ProviderAccount{}, fmt.Errorf("commit reservation: %w", err)
	}

	chosen.CurrentProcessingJobs++
	chosen.LastUsedAt = &used
	chosen.UpdatedAt = updated
	return chosen, nil
}

// ReleaseAccount returns one processing slot, never dropping below zero.
func (r *postgresRepository) ReleaseAccount(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE provider_accounts
SET current_processing_jobs = GREATEST(current_processing_jobs - 1, 0), updated_at = $2
WHERE id = $1
`, id, r.now())
	if err != nil {
		return fmt.Errorf("release account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) SetAccountCooldown(ctx context.Context, id string, until *time.Time, streak int) error {
	var cooled *time.Time
	if until != nil {
		value := until.UTC()
		cooled = &value
	}
	query := `UPDATE provider_accounts SET cooldown_until = $2, updated_at = $3 WHERE id = $1`
	args := []any{id, cooled, r.now()}
	if streak >= 0 {
		query = `UPDATE provider_accounts SET cooldown_until = $2, cooldown_streak = $3, updated_at = $4 WHERE id = $1`
		args = []any{id, cooled, streak, r.now()}
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set account cooldown: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAccountCredits replaces the balances with a fresh read from the
// provider.
func (r *postgresRepository) UpdateAccountCredits(ctx context.Context, id string, credits map[string]int64) error {
	encoded, err := encodeJSON(credits)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE provider_accounts
SET credits = $2, updated_at = $3
WHERE id = $1
`, id, encoded, r.now())
	if err != nil {
		return fmt.Errorf("update account credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeductAccountCredit is the sole mutation that spends balance. The deduction
// runs under a row lock so the balance check and write are atomic.
func (r *postgresRepository) DeductAccountCredit(ctx context.Context, id, creditType string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("deduction amount must not be negative")
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin deduction transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var credits []byte
	err = tx.QueryRow(ctx, `SELECT credits FROM provider_accounts WHERE id = $1 FOR UPDATE`, id).Scan(&credits)
	if isNoRows(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select account credits: %w", err)
	}
	balances, err := decodeCreditsMap(credits)
	if err != nil {
		return err
	}
	balance, ok := balances[creditType]
	if !ok || balance < amount {
		return ErrInsufficientCredits
	}
	if amount == 0 {
		return nil
	}

	balances[creditType] = balance - amount
	encoded, err := encodeJSON(balances)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
UPDATE provider_accounts
SET credits = $2, updated_at = $3
WHERE id = $1
`, id, encoded, r.now()); err != nil {
		return fmt.Errorf("write account credits: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit deduction: %w", err)
	}
	return nil
}

// SetAccountProcessingJobs clamps the concurrency counter to an observed
// value. The reconcile sweep uses it to repair drift from missed releases.
func (r *postgresRepository) SetAccountProcessingJobs(ctx context.Context, id string, jobs int) error {
	if jobs < 0 {
		jobs = 0
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE provider_accounts
SET current_processing_jobs = $2, updated_at = $3
WHERE id = $1 AND current_processing_jobs <> $2
`, id, jobs, r.now())
	if err != nil {
		return fmt.Errorf("set account processing jobs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM provider_accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check account %s: %w", id, err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// CountProcessingByAccount tallies PROCESSING generations and analyses per
// account id, the ground truth the reconcile sweep clamps counters against.
func (r *postgresRepository) CountProcessingByAccount(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, query := range []string{
		`SELECT account_id, COUNT(*) FROM generations WHERE status = 'PROCESSING' AND account_id IS NOT NULL GROUP BY account_id`,
		`SELECT account_id, COUNT(*) FROM analyses WHERE status = 'PROCESSING' AND account_id IS NOT NULL GROUP BY account_id`,
	} {
		rows, err := r.pool.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("count processing by account: %w", err)
		}
		for rows.Next() {
			var accountID string
			var count int
			if err := rows.Scan(&accountID, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan processing count: %w", err)
			}
			counts[accountID] += count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("count processing by account: %w", err)
		}
	}
	return counts, nil
}
