package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"renderforge/internal/events"
	"renderforge/internal/models"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
)

var (
	// ErrAlreadyTerminal rejects cancel on a finished generation.
	ErrAlreadyTerminal = errors.New("generation is already terminal")
	// ErrNotTerminal rejects delete on a live generation.
	ErrNotTerminal = errors.New("generation is still in flight")
)

// Get returns the generation if the user owns it. Foreign rows read as
// not-found rather than forbidden.
func (s *Service) Get(ctx context.Context, user models.User, id int64) (models.Generation, error) {
	gen, err := s.store.GetGeneration(ctx, id)
	if err != nil {
		return models.Generation{}, err
	}
	if gen.UserID != user.ID {
		return models.Generation{}, storage.ErrNotFound
	}
	return gen, nil
}

// List returns the user's generations, newest first.
func (s *Service) List(ctx context.Context, user models.User, filter storage.GenerationFilter) ([]models.Generation, error) {
	filter.UserID = user.ID
	return s.store.ListGenerations(ctx, filter)
}

// Retry creates a new generation linked to a terminal parent, copying its
// raw parameters and carrying the retry count forward.
func (s *Service) Retry(ctx context.Context, user models.User, id int64) (models.Generation, error) {
	parent, err := s.Get(ctx, user, id)
	if err != nil {
		return models.Generation{}, err
	}
	if !parent.Status.Terminal() {
		return models.Generation{}, ErrNotTerminal
	}
	if err := s.checkQuota(ctx, user); err != nil {
		return models.Generation{}, err
	}

	parentID := parent.ID
	child := models.Generation{
		UserID:             parent.UserID,
		WorkspaceID:        parent.WorkspaceID,
		OperationType:      parent.OperationType,
		ProviderID:         parent.ProviderID,
		RawParams:          parent.RawParams,
		CanonicalParams:    parent.CanonicalParams,
		Inputs:             parent.Inputs,
		ReproducibleHash:   parent.ReproducibleHash,
		Status:             models.GenerationPending,
		BillingState:       models.BillingUncharged,
		CreditType:         parent.CreditType,
		RetryCount:         parent.RetryCount + 1,
		ParentGenerationID: &parentID,
		PromptVersionID:    parent.PromptVersionID,
	}
	child, err = s.store.CreateGeneration(ctx, child)
	if err != nil {
		return models.Generation{}, fmt.Errorf("persist retry generation: %w", err)
	}

	task := queue.NewTask(queue.TaskProcessGeneration, map[string]any{"generation_id": child.ID})
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.Error("retry enqueue failed", "generation_id", child.ID, "error", err)
	}
	s.publish(ctx, events.TopicJobCreated, child, "")
	return child, nil
}

// Cancel terminates a live generation. The provider-side cancel is
// best-effort; the local transition, billing skip, and account release
// always happen.
func (s *Service) Cancel(ctx context.Context, user models.User, id int64) (models.Generation, error) {
	gen, err := s.Get(ctx, user, id)
	if err != nil {
		return models.Generation{}, err
	}
	if gen.Status.Terminal() {
		return models.Generation{}, ErrAlreadyTerminal
	}

	if gen.Status == models.GenerationProcessing {
		s.cancelUpstream(ctx, gen)
	}

	cancelled, err := s.store.MarkGenerationCancelled(ctx, gen.ID, s.clock())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent transition won; report the row as it now is.
			return s.store.GetGeneration(ctx, gen.ID)
		}
		return models.Generation{}, fmt.Errorf("cancel generation: %w", err)
	}
	cancelled = s.billing.Finalize(ctx, cancelled, 0)
	if cancelled.AccountID != nil {
		s.pool.Release(ctx, *cancelled.AccountID)
	}
	s.publish(ctx, events.TopicJobCancelled, cancelled, "")
	return cancelled, nil
}

// cancelUpstream asks the provider to stop the job. Failures are logged;
// local cancellation proceeds regardless.
func (s *Service) cancelUpstream(ctx context.Context, gen models.Generation) {
	sub, err := s.store.LatestSubmission(ctx, gen.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("cancel submission lookup failed", "generation_id", gen.ID, "error", err)
		}
		return
	}
	account, err := s.store.GetAccount(ctx, sub.AccountID)
	if err != nil {
		s.logger.Warn("cancel account lookup failed", "generation_id", gen.ID, "error", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()
	if _, err := s.registry.Cancel(callCtx, gen.ProviderID, account, sub.ProviderJobID); err != nil {
		s.logger.Warn("provider cancel failed",
			"generation_id", gen.ID,
			"provider_id", gen.ProviderID,
			"provider_job_id", sub.ProviderJobID,
			"error", err)
	}
}

// Delete removes a terminal generation owned by the user.
func (s *Service) Delete(ctx context.Context, user models.User, id int64) error {
	gen, err := s.Get(ctx, user, id)
	if err != nil {
		return err
	}
	if !gen.Status.Terminal() {
		return ErrNotTerminal
	}
	return s.store.DeleteGeneration(ctx, gen.ID)
}

// ScheduledAfter reports whether the generation is deferred past now.
func ScheduledAfter(gen models.Generation, now time.Time) bool {
	return gen.ScheduledAt != nil && gen.ScheduledAt.After(now)
}
