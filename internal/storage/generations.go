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

// Generation operations

func cloneGeneration(gen models.Generation) models.Generation {
	cloned := gen
	cloned.RawParams = cloneAnyMap(gen.RawParams)
	cloned.CanonicalParams = cloneAnyMap(gen.CanonicalParams)
	if gen.Inputs != nil {
		cloned.Inputs = append([]models.InputRef(nil), gen.Inputs...)
	}
	cloned.ParentGenerationID = cloneInt64Ptr(gen.ParentGenerationID)
	cloned.PromptVersionID = cloneStringPtr(gen.PromptVersionID)
	cloned.AssetID = cloneStringPtr(gen.AssetID)
	cloned.AccountID = cloneStringPtr(gen.AccountID)
	cloned.ScheduledAt = cloneTimePtr(gen.ScheduledAt)
	cloned.StartedAt = cloneTimePtr(gen.StartedAt)
	cloned.CompletedAt = cloneTimePtr(gen.CompletedAt)
	cloned.ChargedAt = cloneTimePtr(gen.ChargedAt)
	return cloned
}

func (s *Storage) CreateGeneration(ctx context.Context, gen models.Generation) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	prevNext := s.data.NextGenerationID
	id := prevNext + 1
	now := s.now()

	gen.ID = id
	gen.Status = models.GenerationPending
	gen.BillingState = models.BillingUncharged
	gen.CreatedAt = now
	gen.UpdatedAt = now

	s.data.NextGenerationID = id
	s.data.Generations[id] = cloneGeneration(gen)
	if err := s.persist(); err != nil {
		delete(s.data.Generations, id)
		s.data.NextGenerationID = prevNext
		return models.Generation{}, err
	}
	return gen, nil
}

func (s *Storage) GetGeneration(ctx context.Context, id int64) (models.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen, ok := s.data.Generations[id]
	if !ok {
		return models.Generation{}, ErrNotFound
	}
	return cloneGeneration(gen), nil
}

func (s *Storage) ListGenerations(ctx context.Context, filter GenerationFilter) ([]models.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.Generation, 0)
	for _, gen := range s.data.Generations {
		if filter.UserID != "" && gen.UserID != filter.UserID {
			continue
		}
		if filter.WorkspaceID != "" && gen.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.Status != "" && gen.Status != filter.Status {
			continue
		}
		if filter.OperationType != "" && gen.OperationType != filter.OperationType {
			continue
		}
		matches = append(matches, gen)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matches) {
		return []models.Generation{}, nil
	}
	matches = matches[offset:]
	limit := s.clampLimit(filter.Limit)
	if limit < len(matches) {
		matches = matches[:limit]
	}

	out := make([]models.Generation, 0, len(matches))
	for _, gen := range matches {
		out = append(out, cloneGeneration(gen))
	}
	return out, nil
}

func (s *Storage) CountActiveGenerations(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, gen := range s.data.Generations {
		if gen.UserID != userID {
			continue
		}
		if gen.Status == models.GenerationPending || gen.Status == models.GenerationProcessing {
			count++
		}
	}
	return count, nil
}

// FindGenerationByHash returns the most recent generation carrying the hash
// that is still useful for dedup: PENDING, PROCESSING, or COMPLETED rows.
// FAILED and CANCELLED rows never satisfy a dedup lookup.
func (s *Storage) FindGenerationByHash(ctx context.Context, hash string) (models.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best models.Generation
	found := false
	for _, gen := range s.data.Generations {
		if gen.ReproducibleHash != hash {
			continue
		}
		if gen.Status == models.GenerationFailed || gen.Status == models.GenerationCancelled {
			continue
		}
		if !found || gen.CreatedAt.After(best.CreatedAt) || (gen.CreatedAt.Equal(best.CreatedAt) && gen.ID > best.ID) {
			best = gen
			found = true
		}
	}
	if !found {
		return models.Generation{}, ErrNotFound
	}
	return cloneGeneration(best), nil
}

func (s *Storage) ListProcessingGenerations(ctx context.Context) ([]models.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.Generation, 0)
	for _, gen := range s.data.Generations {
		if gen.Status == models.GenerationProcessing {
			matches = append(matches, gen)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		left, right := matches[i].StartedAt, matches[j].StartedAt
		switch {
		case left == nil && right == nil:
			return matches[i].ID < matches[j].ID
		case left == nil:
			return false
		case right == nil:
			return true
		case !left.Equal(*right):
			return left.Before(*right)
		default:
			return matches[i].ID < matches[j].ID
		}
	})

	out := make([]models.Generation, 0, len(matches))
	for _, gen := range matches {
		out = append(out, cloneGeneration(gen))
	}
	return out, nil
}

func (s *Storage) ListStalePendingGenerations(ctx context.Context, olderThan time.Time, limit int) ([]models.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]models.Generation, 0)
	for _, gen := range s.data.Generations {
		if gen.Status != models.GenerationPending {
			continue
		}
		if gen.UpdatedAt.After(olderThan) {
			continue
		}
		matches = append(matches, gen)
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].UpdatedAt.Equal(matches[j].UpdatedAt) {
			return matches[i].UpdatedAt.Before(matches[j].UpdatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}

	out := make([]models.Generation, 0, len(matches))
	for _, gen := range matches {
		out = append(out, cloneGeneration(gen))
	}
	return out, nil
}

func (s *Storage) MarkGenerationProcessing(ctx context.Context, id int64, accountID string, startedAt time.Time) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.data.Generations[id]
	if !ok {
		return models.Generation{}, ErrNotFound
	}
	if !models.CanTransition(gen.Status, models.GenerationProcessing) {
		return models.Generation{}, ErrConflict
	}
	if strings.TrimSpace(accountID) == "" {
		return models.Generation{}, errors.New("accountId is required")
	}

	prev := gen
	started := startedAt.UTC()
	gen.Status = models.GenerationProcessing
	gen.AccountID = &accountID
	gen.StartedAt = &started
	gen.UpdatedAt = s.now()

	s.data.Generations[id] = gen
	if err := s.persist(); err != nil {
		s.data.Generations[id] = prev
		return models.Generation{}, err
	}
	return cloneGeneration(gen), nil
}

func (s *Storage) MarkGenerationCompleted(ctx context.Context, id int64, assetID string, completedAt time.Time) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.data.Generations[id]
	if !ok {
		return models.Generation{}, ErrNotFound
	}
	if !models.CanTransition(gen.Status, models.GenerationCompleted) {
		return models.Generation{}, ErrConflict
	}
	if strings.TrimSpace(assetID) == "" {
		return models.Generation{}, errors.New("assetId is required for completion")
	}

	prev := gen
	completed := completedAt.UTC()
	gen.Status = models.GenerationCompleted
	gen.AssetID = &assetID
	gen.CompletedAt = &completed
	gen.ErrorMessage = ""
	gen.UpdatedAt = s.now()

	s.data.Generations[id] = gen
	if err := s.persist(); err != nil {
		s.data.Generations[id] = prev
		return models.Generation{}, err
	}
	return cloneGeneration(gen), nil
}

func (s *Storage) MarkGenerationFailed(ctx context.Context, id int64, message string, failedAt time.Time) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.data.Generations[id]
	if !ok {
		return models.Generation{}, ErrNotFound
	}
	if !models.CanTransition(gen.Status, models.GenerationFailed) {
		return models.Generation{}, ErrConflict
	}

	prev := gen
	failed := failedAt.UTC()
	gen.Status = models.GenerationFailed
	gen.ErrorMessage = strings.TrimSpace(message)
	gen.CompletedAt = &failed
	gen.UpdatedAt = s.now()

	s.data.Generations[id] = gen
	if err := s.persist(); err != nil {
		s.data.Generations[id] = prev
		return models.Generation{}, err
	}
	return cloneGeneration(gen), nil
}

func (s *Storage) MarkGenerationCancelled(ctx context.Context, id int64, cancelledAt time.Time) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.data.Generations[id]
	if !ok {
		return models.Generation{}, ErrNotFound
	}
	if !models.CanTransition(gen.Status, models.GenerationCancelled) {
		return models.Generation{}, ErrConflict
	}

	prev := gen
	cancelled := cancelledAt.UTC()
	gen.Status = models.GenerationCancelled
	gen.CompletedAt = &cancelled
	gen.UpdatedAt = s.now()

	s.data.Generations[id] = gen
	if err := s.persist(); err != nil {
		s.data.Generations[id] = prev
		return models.Generation{}, err
	}
	return cloneGeneration(gen), nil
}

// ResetGenerationForRetry rewinds a FAILED row to PENDING for another
// attempt. Billing returns to UNCHARGED so the next settlement reflects the
// new attempt; a CHARGED row can never reach this path because charged rows
// are COMPLETED.
func (s *Storage) ResetGenerationForRetry(ctx context.Context, id int64, retryCount int) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.data.Generations[id]
	if !ok {
		return models.Generation{}, ErrNotFound
	}
	if gen.Status != models.GenerationFailed {
		return models.Generation{}, ErrConflict
	}
	if retryCount <= gen.RetryCount {
		return models.Generation{}, fmt.Errorf("retry count must advance beyond %d", gen.RetryCount)
	}

	prev := gen
	gen.Status = models.GenerationPending
	gen.BillingState = models.BillingUncharged
	gen.ErrorMessage = ""
	gen.BillingError = ""
	gen.CreditType = ""
	gen.ActualCredits = 0
	gen.RetryCount = retryCount
	gen.AccountID = nil
	gen.StartedAt = nil
	gen.CompletedAt = nil
	gen.ChargedAt = nil
	gen.UpdatedAt = s.now()

	s.data.Generations[id] = gen
	if err := s.persist(); err != nil {
		s.data.Generations[id] = prev
		return models.Generation{}, err
	}
	return cloneGeneration(gen), nil
}

func (s *Storage) UpdateGenerationBilling(ctx context.Context, id int64, update BillingUpdate) (models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.data.Generations[id]
	if !ok {
		return models.Generation{}, ErrNotFound
	}
	if !gen.BillingState.CanAdvanceTo(update.State) {
		return models.Generation{}, ErrConflict
	}
	if update.State == models.BillingCharged {
		if update.ChargedAt == nil {
			return models.Generation{}, errors.New("chargedAt is required for CHARGED")
		}
		if strings.TrimSpace(update.CreditType) == "" {
			return models.Generation{}, errors.New("creditType is required for CHARGED")
		}
	}

	prev := gen
	gen.BillingState = update.State
	gen.CreditType = update.CreditType
	gen.ActualCredits = update.ActualCredits
	gen.BillingError = strings.TrimSpace(update.BillingError)
	if update.State == models.BillingCharged {
		charged := update.ChargedAt.UTC()
		gen.ChargedAt = &charged
	} else {
		gen.ChargedAt = nil
	}
	gen.UpdatedAt = s.now()

	s.data.Generations[id] = gen
	if err := s.persist(); err != nil {
		s.data.Generations[id] = prev
		return models.Generation{}, err
	}
	return cloneGeneration(gen), nil
}

func (s *Storage) DeleteGeneration(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.data.Generations[id]
	if !ok {
		return ErrNotFound
	}
	if !gen.Status.Terminal() {
		return ErrConflict
	}

	prevSubs := s.data.Submissions[id]
	delete(s.data.Generations, id)
	delete(s.data.Submissions, id)
	if err := s.persist(); err != nil {
		s.data.Generations[id] = gen
		if prevSubs != nil {
			s.data.Submissions[id] = prevSubs
		}
		return err
	}
	return nil
}

// Submission operations

func cloneSubmission(sub models.ProviderSubmission) models.ProviderSubmission {
	cloned := sub
	cloned.Response = cloneAnyMap(sub.Response)
	cloned.EstimatedCompletion = cloneTimePtr(sub.EstimatedCompletion)
	return cloned
}

func (s *Storage) AppendSubmission(ctx context.Context, sub models.ProviderSubmission) (models.ProviderSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Generations[sub.GenerationID]; !ok {
		return models.ProviderSubmission{}, ErrNotFound
	}
	if strings.TrimSpace(sub.AccountID) == "" {
		return models.ProviderSubmission{}, errors.New("accountId is required")
	}

	id, err := generateID()
	if err != nil {
		return models.ProviderSubmission{}, err
	}
	sub.ID = id
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.now()
	}

	prev := s.data.Submissions[sub.GenerationID]
	s.data.Submissions[sub.GenerationID] = append(append([]models.ProviderSubmission(nil), prev...), cloneSubmission(sub))
	if err := s.persist(); err != nil {
		if prev == nil {
			delete(s.data.Submissions, sub.GenerationID)
		} else {
			s.data.Submissions[sub.GenerationID] = prev
		}
		return models.ProviderSubmission{}, err
	}
	return sub, nil
}

func (s *Storage) LatestSubmission(ctx context.Context, generationID int64) (models.ProviderSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.data.Submissions[generationID]
	if len(subs) == 0 {
		return models.ProviderSubmission{}, ErrNotFound
	}
	best := subs[0]
	for _, sub := range subs[1:] {
		if sub.SubmittedAt.After(best.SubmittedAt) {
			best = sub
		}
	}
	return cloneSubmission(best), nil
}

func (s *Storage) ListSubmissions(ctx context.Context, generationID int64) ([]models.ProviderSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := s.data.Submissions[generationID]
	out := make([]models.ProviderSubmission, 0, len(subs))
	for _, sub := range subs {
		out = append(out, cloneSubmission(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}
