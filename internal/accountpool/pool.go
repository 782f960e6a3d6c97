// Package accountpool selects and reserves provider credentials: atomic
// concurrency reservation, exponential cooldowns on auth/quota failures,
// credit accounting, and the periodic counter reconciliation sweep.
package accountpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/observability/metrics"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
)

// ErrNoAccountAvailable reports that no enabled account has both spare
// concurrency and a positive credit balance.
var ErrNoAccountAvailable = errors.New("no account available")

// CooldownError reports that every otherwise-eligible account is cooling
// down; Until is the earliest expiry.
type CooldownError struct {
	Until time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("all accounts cooling down until %s", e.Until.Format(time.RFC3339))
}

const (
	cooldownBase       = 5 * time.Minute
	cooldownCap        = 6 * time.Hour
	creditsCallTimeout = 8 * time.Second
)

// Config wires the pool.
type Config struct {
	Store    storage.Repository
	Registry *provider.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Clock    func() time.Time
}

// Pool owns ProviderAccount rows: reservation, release, cooldowns, and
// credit balances.
type Pool struct {
	store    storage.Repository
	registry *provider.Registry
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clock    func() time.Time
}

// New builds a Pool.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Pool{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		metrics:  recorder,
		clock:    clock,
	}
}

// SelectAndReserve picks the best candidate account for the provider and
// atomically claims one processing slot on it. When no account qualifies it
// distinguishes exhaustion from cooldown so the queue can back off
// appropriately.
func (p *Pool) SelectAndReserve(ctx context.Context, providerID, userID string) (models.ProviderAccount, error) {
	now := p.clock()
	account, err := p.store.ReserveAccount(ctx, providerID, now)
	if err == nil {
		p.metrics.ObserveReservation("reserved")
		return account, nil
	}
	if !errors.Is(err, storage.ErrNoAccountAvailable) {
		return models.ProviderAccount{}, fmt.Errorf("reserve account for %s: %w", providerID, err)
	}

	// Distinguish "everything is cooling down" from genuine exhaustion.
	accounts, listErr := p.store.ListAccounts(ctx, providerID)
	if listErr == nil {
		var earliest *time.Time
		for _, candidate := range accounts {
			if !candidate.Enabled || !candidate.InCooldown(now) {
				continue
			}
			if candidate.CurrentProcessingJobs >= candidate.MaxConcurrent || !candidate.HasCreditBalance() {
				continue
			}
			if earliest == nil || candidate.CooldownUntil.Before(*earliest) {
				earliest = candidate.CooldownUntil
			}
		}
		if earliest != nil {
			p.metrics.ObserveReservation("cooldown")
			return models.ProviderAccount{}, &CooldownError{Until: *earliest}
		}
	}
	p.metrics.ObserveReservation("unavailable")
	return models.ProviderAccount{}, ErrNoAccountAvailable
}

// Release returns a reservation slot. Missing accounts are logged, not
// fatal: a terminal transition must never fail on release.
func (p *Pool) Release(ctx context.Context, accountID string) {
	if accountID == "" {
		return
	}
	if err := p.store.ReleaseAccount(ctx, accountID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("account release failed", "account_id", accountID, "error", err)
	}
}

// RecordProviderError reacts to a provider failure attributed to the
// account. Authentication and quota errors start or extend an exponential
// cooldown and release the reservation; other codes only release.
func (p *Pool) RecordProviderError(ctx context.Context, accountID string, provErr error) {
	if accountID == "" {
		return
	}
	defer p.Release(ctx, accountID)

	switch provider.CodeOf(provErr) {
	case provider.CodeAuthentication, provider.CodeQuotaExceeded:
	default:
		return
	}
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		p.logger.Warn("cooldown lookup failed", "account_id", accountID, "error", err)
		return
	}
	streak := account.CooldownStreak + 1
	cooldown := cooldownBase
	for i := 1; i < streak; i++ {
		cooldown *= 2
		if cooldown >= cooldownCap {
			cooldown = cooldownCap
			break
		}
	}
	until := p.clock().Add(cooldown)
	if err := p.store.SetAccountCooldown(ctx, accountID, &until, streak); err != nil {
		p.logger.Warn("set cooldown failed", "account_id", accountID, "error", err)
		return
	}
	p.logger.Warn("account cooling down",
		"account_id", accountID,
		"provider_error", provider.CodeOf(provErr),
		"streak", streak,
		"until", until)
}

// ClearCooldown resets the cooldown streak after a healthy interaction.
func (p *Pool) ClearCooldown(ctx context.Context, accountID string) {
	if accountID == "" {
		return
	}
	if err := p.store.SetAccountCooldown(ctx, accountID, nil, 0); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("clear cooldown failed", "account_id", accountID, "error", err)
	}
}

// GetCredits reads the stored balances.
func (p *Pool) GetCredits(ctx context.Context, accountID string) (map[string]int64, error) {
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return account.Credits, nil
}

// RefreshCredits re-reads balances from the provider and stores them.
// Best-effort: failures are logged, the stored balances stand.
func (p *Pool) RefreshCredits(ctx context.Context, accountID string) {
	if accountID == "" || p.registry == nil {
		return
	}
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		p.logger.Warn("credit refresh lookup failed", "account_id", accountID, "error", err)
		return
	}
	adapter, err := p.registry.Get(account.ProviderID)
	if err != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, creditsCallTimeout)
	defer cancel()
	credits, err := adapter.GetCredits(callCtx, account)
	if err != nil {
		p.logger.Warn("credit refresh failed", "account_id", accountID, "error", err)
		return
	}
	if err := p.store.UpdateAccountCredits(ctx, accountID, credits); err != nil {
		p.logger.Warn("credit refresh store failed", "account_id", accountID, "error", err)
	}
}

// DeductCredit is the sole balance mutation path, used by the billing
// finalizer.
func (p *Pool) DeductCredit(ctx context.Context, accountID, creditType string, amount int64) error {
	return p.store.DeductAccountCredit(ctx, accountID, creditType, amount)
}

// ReconcileCounters clamps every account's current_processing_jobs to the
// observed count of PROCESSING generations plus running analyses. Runs at
// startup and every five minutes to repair drift from missed releases.
func (p *Pool) ReconcileCounters(ctx context.Context) error {
	counts, err := p.store.CountProcessingByAccount(ctx)
	if err != nil {
		return fmt.Errorf("count processing jobs: %w", err)
	}
	accounts, err := p.store.ListAccounts(ctx, "")
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, account := range accounts {
		actual := counts[account.ID]
		if account.CurrentProcessingJobs == actual {
			continue
		}
		if err := p.store.SetAccountProcessingJobs(ctx, account.ID, actual); err != nil {
			p.logger.Warn("counter reconcile failed", "account_id", account.ID, "error", err)
			continue
		}
		p.logger.Info("account counter reconciled",
			"account_id", account.ID,
			"recorded", account.CurrentProcessingJobs,
			"actual", actual)
	}
	return nil
}
