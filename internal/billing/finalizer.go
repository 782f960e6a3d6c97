// Package billing finalizes credit accounting for terminal generations.
// Finalization is idempotent and must never block a terminal transition: a
// billing problem lands the generation in billing state FAILED with the
// cause recorded, to be repaired by a later pass.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/observability/metrics"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
)

var errNoAccount = errors.New("generation has no account attribution")

// Config wires the finalizer.
type Config struct {
	Store    storage.Repository
	Registry *provider.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Clock    func() time.Time
}

// Finalizer settles the billing state of terminal generations.
type Finalizer struct {
	store    storage.Repository
	registry *provider.Registry
	logger   *slog.Logger
	metrics  *metrics.Recorder
	clock    func() time.Time
}

// New builds a Finalizer.
func New(cfg Config) *Finalizer {
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
	return &Finalizer{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   logger,
		metrics:  recorder,
		clock:    clock,
	}
}

// Finalize settles billing for a terminal generation and returns the updated
// row. Calling it on a non-terminal or already-settled generation is a no-op.
// It never returns an error: failures are persisted as billing state FAILED
// with billing_error set, and the input generation is returned when even
// persisting fails.
func (f *Finalizer) Finalize(ctx context.Context, gen models.Generation, actualDuration float64) models.Generation {
	if !gen.Status.Terminal() || gen.BillingState.Final() {
		return gen
	}

	if gen.Status != models.GenerationCompleted {
		return f.persist(ctx, gen, storage.BillingUpdate{State: models.BillingSkipped})
	}

	account, err := f.resolveAccount(ctx, gen)
	if err != nil {
		return f.persist(ctx, gen, storage.BillingUpdate{
			State:        models.BillingFailed,
			BillingError: "resolve account: " + err.Error(),
		})
	}

	adapter, err := f.registry.Get(gen.ProviderID)
	if err != nil {
		return f.persist(ctx, gen, storage.BillingUpdate{
			State:        models.BillingFailed,
			BillingError: "resolve provider: " + err.Error(),
		})
	}
	credits := adapter.ComputeActualCredits(gen, actualDuration)
	if credits <= 0 {
		return f.persist(ctx, gen, storage.BillingUpdate{State: models.BillingSkipped})
	}

	creditType := gen.CreditType
	if creditType == "" {
		creditType = pickCreditType(account.Credits)
	}
	if creditType == "" {
		return f.persist(ctx, gen, storage.BillingUpdate{
			State:         models.BillingFailed,
			ActualCredits: credits,
			BillingError:  "no credit type with a positive balance",
		})
	}

	if err := f.store.DeductAccountCredit(ctx, account.ID, creditType, credits); err != nil {
		return f.persist(ctx, gen, storage.BillingUpdate{
			State:         models.BillingFailed,
			CreditType:    creditType,
			ActualCredits: credits,
			BillingError:  "deduct credit: " + err.Error(),
		})
	}

	chargedAt := f.clock()
	return f.persist(ctx, gen, storage.BillingUpdate{
		State:         models.BillingCharged,
		CreditType:    creditType,
		ActualCredits: credits,
		ChargedAt:     &chargedAt,
	})
}

func (f *Finalizer) resolveAccount(ctx context.Context, gen models.Generation) (models.ProviderAccount, error) {
	if gen.AccountID == nil || *gen.AccountID == "" {
		return models.ProviderAccount{}, errNoAccount
	}
	return f.store.GetAccount(ctx, *gen.AccountID)
}

func (f *Finalizer) persist(ctx context.Context, gen models.Generation, update storage.BillingUpdate) models.Generation {
	f.metrics.ObserveBillingOutcome(string(update.State))
	if update.State == models.BillingFailed {
		f.logger.Warn("billing finalization failed",
			"generation_id", gen.ID,
			"provider_id", gen.ProviderID,
			"error", update.BillingError)
	}
	updated, err := f.store.UpdateGenerationBilling(ctx, gen.ID, update)
	if err != nil {
		f.logger.Error("billing state persist failed",
			"generation_id", gen.ID,
			"state", update.State,
			"error", err)
		return gen
	}
	return updated
}

// pickCreditType prefers web, then openapi, then the remaining types in
// lexicographic order; only types with a positive balance qualify.
func pickCreditType(credits map[string]int64) string {
	if credits[models.CreditTypeWeb] > 0 {
		return models.CreditTypeWeb
	}
	if credits[models.CreditTypeOpenAPI] > 0 {
		return models.CreditTypeOpenAPI
	}
	rest := make([]string, 0, len(credits))
	for creditType, balance := range credits {
		if balance > 0 {
			rest = append(rest, creditType)
		}
	}
	sort.Strings(rest)
	if len(rest) == 0 {
		return ""
	}
	return rest[0]
}
