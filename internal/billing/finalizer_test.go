package billing

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
	"renderforge/internal/testsupport/providerstub"
)

type billingFixture struct {
	store     *storage.Storage
	registry  *provider.Registry
	finalizer *Finalizer
	adapter   *providerstub.Adapter
	account   models.ProviderAccount
}

func newBillingFixture(t *testing.T, credits map[string]int64) *billingFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	adapter := providerstub.New("pixverse")
	registry := provider.NewRegistry(provider.RegistryConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	registry.Register(adapter, provider.Manifest{Kind: provider.KindVideo})

	if credits == nil {
		credits = map[string]int64{models.CreditTypeWeb: 100}
	}
	account, err := store.CreateAccount(context.Background(), models.ProviderAccount{
		ProviderID: "pixverse",
		Credits:    credits,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	return &billingFixture{
		store:    store,
		registry: registry,
		adapter:  adapter,
		account:  account,
		finalizer: New(Config{
			Store:    store,
			Registry: registry,
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		}),
	}
}

func (f *billingFixture) completedGeneration(t *testing.T) models.Generation {
	t.Helper()
	ctx := context.Background()
	gen, err := f.store.CreateGeneration(ctx, models.Generation{
		UserID:           "u-1",
		OperationType:    models.OperationTextToVideo,
		ProviderID:       "pixverse",
		ReproducibleHash: "hash-" + time.Now().Format("150405.000000000"),
	})
	if err != nil {
		t.Fatalf("create generation: %v", err)
	}
	if _, err := f.store.MarkGenerationProcessing(ctx, gen.ID, f.account.ID, time.Now()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	gen, err = f.store.MarkGenerationCompleted(ctx, gen.ID, "asset-1", time.Now())
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	return gen
}

func TestFinalizeChargesCompletedGeneration(t *testing.T) {
	f := newBillingFixture(t, map[string]int64{models.CreditTypeWeb: 100})
	gen := f.completedGeneration(t)

	settled := f.finalizer.Finalize(context.Background(), gen, 8)
	if settled.BillingState != models.BillingCharged {
		t.Fatalf("billing state = %s, want CHARGED", settled.BillingState)
	}
	if settled.ActualCredits != 8 || settled.CreditType != models.CreditTypeWeb {
		t.Fatalf("charge = %d %s, want 8 web", settled.ActualCredits, settled.CreditType)
	}
	if settled.ChargedAt == nil {
		t.Fatal("chargedAt missing on CHARGED row")
	}

	account, _ := f.store.GetAccount(context.Background(), f.account.ID)
	if account.Credits[models.CreditTypeWeb] != 92 {
		t.Fatalf("account balance = %d, want 92", account.Credits[models.CreditTypeWeb])
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newBillingFixture(t, map[string]int64{models.CreditTypeWeb: 100})
	gen := f.completedGeneration(t)

	settled := f.finalizer.Finalize(context.Background(), gen, 10)
	again := f.finalizer.Finalize(context.Background(), settled, 10)
	if again.BillingState != models.BillingCharged || again.ActualCredits != 10 {
		t.Fatalf("second pass changed the settlement: %#v", again)
	}

	account, _ := f.store.GetAccount(context.Background(), f.account.ID)
	if account.Credits[models.CreditTypeWeb] != 90 {
		t.Fatalf("balance deducted twice: %d, want 90", account.Credits[models.CreditTypeWeb])
	}
}

func TestFinalizeSkipsFailedGeneration(t *testing.T) {
	f := newBillingFixture(t, nil)
	ctx := context.Background()
	gen, err := f.store.CreateGeneration(ctx, models.Generation{
		UserID:           "u-1",
		OperationType:    models.OperationTextToVideo,
		ProviderID:       "pixverse",
		ReproducibleHash: "hash-failed",
	})
	if err != nil {
		t.Fatalf("create generation: %v", err)
	}
	gen, err = f.store.MarkGenerationFailed(ctx, gen.ID, "provider exploded", time.Now())
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	settled := f.finalizer.Finalize(ctx, gen, 0)
	if settled.BillingState != models.BillingSkipped {
		t.Fatalf("billing state = %s, want SKIPPED", settled.BillingState)
	}
}

func TestFinalizeIgnoresNonTerminalGeneration(t *testing.T) {
	f := newBillingFixture(t, nil)
	gen, err := f.store.CreateGeneration(context.Background(), models.Generation{
		UserID:           "u-1",
		OperationType:    models.OperationTextToVideo,
		ProviderID:       "pixverse",
		ReproducibleHash: "hash-pending",
	})
	if err != nil {
		t.Fatalf("create generation: %v", err)
	}

	settled := f.finalizer.Finalize(context.Background(), gen, 5)
	if settled.BillingState != models.BillingUncharged {
		t.Fatalf("pending generation was settled: %s", settled.BillingState)
	}
}

func TestFinalizeSkipsZeroCreditCharge(t *testing.T) {
	f := newBillingFixture(t, nil)
	f.adapter.CreditsFunc = func(gen models.Generation, actualDuration float64) int64 { return 0 }
	gen := f.completedGeneration(t)

	settled := f.finalizer.Finalize(context.Background(), gen, 0)
	if settled.BillingState != models.BillingSkipped {
		t.Fatalf("billing state = %s, want SKIPPED for zero credits", settled.BillingState)
	}
}

func TestFinalizeRecordsInsufficientCredits(t *testing.T) {
	f := newBillingFixture(t, map[string]int64{models.CreditTypeWeb: 3})
	gen := f.completedGeneration(t)

	settled := f.finalizer.Finalize(context.Background(), gen, 10)
	if settled.BillingState != models.BillingFailed {
		t.Fatalf("billing state = %s, want FAILED", settled.BillingState)
	}
	if settled.BillingError == "" {
		t.Fatal("billing error should record the cause")
	}

	// A later repair pass can still settle after the balance is topped up.
	if err := f.store.UpdateAccountCredits(context.Background(), f.account.ID, map[string]int64{models.CreditTypeWeb: 50}); err != nil {
		t.Fatalf("top up: %v", err)
	}
	repaired := f.finalizer.Finalize(context.Background(), settled, 10)
	if repaired.BillingState != models.BillingCharged {
		t.Fatalf("repair pass state = %s, want CHARGED", repaired.BillingState)
	}
}

func TestPickCreditTypePreference(t *testing.T) {
	cases := []struct {
		name    string
		credits map[string]int64
		want    string
	}{
		{"prefers web", map[string]int64{"web": 5, "openapi": 10, "bonus": 20}, "web"},
		{"falls back to openapi", map[string]int64{"web": 0, "openapi": 10, "bonus": 20}, "openapi"},
		{"lexicographic for the rest", map[string]int64{"zeta": 1, "bonus": 1}, "bonus"},
		{"empty when exhausted", map[string]int64{"web": 0, "openapi": 0}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := pickCreditType(tc.credits); got != tc.want {
				t.Fatalf("pickCreditType = %q, want %q", got, tc.want)
			}
		})
	}
}
