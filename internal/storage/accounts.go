package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"renderforge/internal/models"
)

// Account operations

func cloneAccount(account models.ProviderAccount) models.ProviderAccount {
	cloned := account
	cloned.Credentials = cloneStringMap(account.Credentials)
	cloned.Credits = cloneCreditsMap(account.Credits)
	cloned.CooldownUntil = cloneTimePtr(account.CooldownUntil)
	cloned.LastUsedAt = cloneTimePtr(account.LastUsedAt)
	return cloned
}

func (s *Storage) CreateAccount(ctx context.Context, account models.ProviderAccount) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	if _, exists := s.data.Accounts[id]; exists {
		return models.ProviderAccount{}, fmt.Errorf("account %s already exists", id)
	}

	now := s.now()
	account.ID = id
	if account.MaxConcurrent <= 0 {
		account.MaxConcurrent = 1
	}
	account.CurrentProcessingJobs = 0
	account.CooldownUntil = nil
	account.CooldownStreak = 0
	account.CreatedAt = now
	account.UpdatedAt = now

	s.data.Accounts[id] = cloneAccount(account)
	if err := s.persist(); err != nil {
		delete(s.data.Accounts, id)
		return models.ProviderAccount{}, err
	}
	return account, nil
}

func (s *Storage) GetAccount(ctx context.Context, id string) (models.ProviderAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.data.Accounts[id]
	if !ok {
		return models.ProviderAccount{}, ErrNotFound
	}
	return cloneAccount(account), nil
}

func (s *Storage) ListAccounts(ctx context.Context, providerID string) ([]models.ProviderAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]models.ProviderAccount, 0, len(s.data.Accounts))
	for _, account := range s.data.Accounts {
		if providerID != "" && account.ProviderID != providerID {
			continue
		}
		accounts = append(accounts, cloneAccount(account))
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].ProviderID != accounts[j].ProviderID {
			return accounts[i].ProviderID < accounts[j].ProviderID
		}
		return accounts[i].ID < accounts[j].ID
	})
	return accounts, nil
}

func (s *Storage) UpdateAccount(ctx context.Context, id string, update AccountUpdate) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return models.ProviderAccount{}, ErrNotFound
	}

	prev := account
	if update.Label != nil {
		account.Label = strings.TrimSpace(*update.Label)
	}
	if update.Enabled != nil {
		account.Enabled = *update.Enabled
	}
	if update.MaxConcurrent != nil && *update.MaxConcurrent > 0 {
		account.MaxConcurrent = *update.MaxConcurrent
	}
	if update.EstimatedJobSeconds != nil && *update.EstimatedJobSeconds >= 0 {
		account.EstimatedJobSeconds = *update.EstimatedJobSeconds
	}
	if update.Credentials != nil {
		account.Credentials = cloneStringMap(update.Credentials)
	}
	account.UpdatedAt = s.now()

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = prev
		return models.ProviderAccount{}, err
	}
	return cloneAccount(account), nil
}

// ReserveAccount atomically claims one processing slot on the most suitable
// account for the provider: enabled, out of cooldown, below its concurrency
// cap, and holding a positive credit balance. Ties break toward the largest
// remaining balance, then least recently used, then lowest id.
func (s *Storage) ReserveAccount(ctx context.Context, providerID string, now time.Time) (models.ProviderAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]models.ProviderAccount, 0)
	for _, account := range s.data.Accounts {
		if account.ProviderID != providerID || !account.Enabled {
			continue
		}
		if account.InCooldown(now) {
			continue
		}
		if account.CurrentProcessingJobs >= account.MaxConcurrent {
			continue
		}
		if !account.HasCreditBalance() {
			continue
		}
		candidates = append(candidates, account)
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
	prev := s.data.Accounts[chosen.ID]
	used := now.UTC()
	chosen.CurrentProcessingJobs++
	chosen.LastUsedAt = &used
	chosen.UpdatedAt = s.now()

	s.data.Accounts[chosen.ID] = chosen
	if err := s.persist(); err != nil {
		s.data.Accounts[chosen.ID] = prev
		return models.ProviderAccount{}, err
	}
	return cloneAccount(chosen), nil
}

// ReleaseAccount returns one processing slot, never dropping below zero.
func (s *Storage) ReleaseAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return ErrNotFound
	}
	if account.CurrentProcessingJobs == 0 {
		return nil
	}

	prev := account
	account.CurrentProcessingJobs--
	account.UpdatedAt = s.now()

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = prev
		return err
	}
	return nil
}

func (s *Storage) SetAccountCooldown(ctx context.Context, id string, until *time.Time, streak int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return ErrNotFound
	}

	prev := account
	if until != nil {
		cooled := until.UTC()
		account.CooldownUntil = &cooled
	} else {
		account.CooldownUntil = nil
	}
	if streak >= 0 {
		account.CooldownStreak = streak
	}
	account.UpdatedAt = s.now()

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = prev
		return err
	}
	return nil
}

// UpdateAccountCredits replaces the balances with a fresh read from the
// provider.
func (s *Storage) UpdateAccountCredits(ctx context.Context, id string, credits map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return ErrNotFound
	}

	prev := account
	account.Credits = cloneCreditsMap(credits)
	account.UpdatedAt = s.now()

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = prev
		return err
	}
	return nil
}

// DeductAccountCredit is the sole mutation that spends balance. The deduction
// is conditional on the balance covering the amount.
func (s *Storage) DeductAccountCredit(ctx context.Context, id, creditType string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < 0 {
		return fmt.Errorf("deduction amount must not be negative")
	}

	account, ok := s.data.Accounts[id]
	if !ok {
		return ErrNotFound
	}
	balance, ok := account.Credits[creditType]
	if !ok || balance < amount {
		return ErrInsufficientCredits
	}
	if amount == 0 {
		return nil
	}

	prev := account
	account.Credits = cloneCreditsMap(account.Credits)
	account.Credits[creditType] = balance - amount
	account.UpdatedAt = s.now()

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = prev
		return err
	}
	return nil
}

// SetAccountProcessingJobs clamps the concurrency counter to an observed
// value. The reconcile sweep uses it to repair drift from missed releases.
func (s *Storage) SetAccountProcessingJobs(ctx context.Context, id string, jobs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return ErrNotFound
	}
	if jobs < 0 {
		jobs = 0
	}
	if account.CurrentProcessingJobs == jobs {
		return nil
	}

	prev := account
	account.CurrentProcessingJobs = jobs
	account.UpdatedAt = s.now()

	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = prev
		return err
	}
	return nil
}

// CountProcessingByAccount tallies PROCESSING generations and analyses per
// account id, the ground truth the reconcile sweep clamps counters against.
func (s *Storage) CountProcessingByAccount(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, gen := range s.data.Generations {
		if gen.Status == models.GenerationProcessing && gen.AccountID != nil {
			counts[*gen.AccountID]++
		}
	}
	for _, analysis := range s.data.Analyses {
		if analysis.Status == models.GenerationProcessing && analysis.AccountID != nil {
			counts[*analysis.AccountID]++
		}
	}
	return counts, nil
}
