package pipeline

import (
	"context"
	"errors"
	"fmt"

	"renderforge/internal/accountpool"
	"renderforge/internal/events"
	"renderforge/internal/generation"
	"renderforge/internal/models"
	"renderforge/internal/observability/logging"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
)

// ProcessGeneration dispatches one PENDING generation to its provider. It
// is idempotent: non-PENDING rows and deferred schedules exit cleanly. A
// returned error means the task should be redelivered with backoff.
func (p *Pipeline) ProcessGeneration(ctx context.Context, id int64) error {
	ctx = logging.ContextWithGenerationID(ctx, id)
	gen, err := p.store.GetGeneration(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("task for unknown generation dropped", "generation_id", id)
			return nil
		}
		return fmt.Errorf("load generation %d: %w", id, err)
	}
	if gen.Status != models.GenerationPending {
		return nil
	}
	now := p.clock()
	if generation.ScheduledAfter(gen, now) {
		// The requeue sweeper re-dispatches once the schedule is due.
		return nil
	}

	account, err := p.reserveAccount(ctx, gen)
	if err != nil {
		return err
	}

	gen, err = p.store.MarkGenerationProcessing(ctx, gen.ID, account.ID, p.clock())
	if err != nil {
		p.pool.Release(ctx, account.ID)
		if errors.Is(err, storage.ErrConflict) {
			// Lost to a concurrent transition (e.g. cancel).
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	p.publish(ctx, events.TopicJobStarted, gen, "")

	adapter, err := p.registry.Get(gen.ProviderID)
	if err != nil {
		p.failSubmission(ctx, gen, account, err)
		return nil
	}
	payload, err := adapter.MapParameters(gen.OperationType, gen.CanonicalParams)
	if err != nil {
		p.failSubmission(ctx, gen, account, err)
		return nil
	}
	submission, err := p.registry.Execute(ctx, gen.ProviderID, account, gen.OperationType, payload)
	if err != nil {
		p.failSubmission(ctx, gen, account, err)
		return nil
	}

	record := models.ProviderSubmission{
		GenerationID:        gen.ID,
		AccountID:           account.ID,
		ProviderJobID:       submission.ProviderJobID,
		Status:              string(submission.Status),
		Response:            submissionResponse(submission),
		EstimatedCompletion: submission.EstimatedCompletion,
		SubmittedAt:         p.clock(),
	}
	if _, err := p.store.AppendSubmission(ctx, record); err != nil {
		// The job is running upstream; losing the record would strand it,
		// so surface the error for redelivery. The append is idempotent
		// enough: duplicates resolve by latest SubmittedAt.
		return fmt.Errorf("record submission: %w", err)
	}
	p.logger.Info("generation submitted",
		"generation_id", gen.ID,
		"provider_id", gen.ProviderID,
		"provider_job_id", submission.ProviderJobID,
		"account_id", account.ID)
	return nil
}

// reserveAccount claims a provider credential, retrying transient storage
// conflicts a bounded number of times. Pool-level exhaustion propagates so
// the queue backs off.
func (p *Pipeline) reserveAccount(ctx context.Context, gen models.Generation) (models.ProviderAccount, error) {
	var lastErr error
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		account, err := p.pool.SelectAndReserve(ctx, gen.ProviderID, gen.UserID)
		if err == nil {
			return account, nil
		}
		var cooldown *accountpool.CooldownError
		if errors.Is(err, accountpool.ErrNoAccountAvailable) || errors.As(err, &cooldown) {
			return models.ProviderAccount{}, err
		}
		lastErr = err
	}
	return models.ProviderAccount{}, fmt.Errorf("reserve account: %w", lastErr)
}

// failSubmission settles a generation whose dispatch failed: terminal
// FAILED, billing skipped, account released (with cooldown bookkeeping for
// auth/quota errors), then the retry controller decides whether it runs
// again.
func (p *Pipeline) failSubmission(ctx context.Context, gen models.Generation, account models.ProviderAccount, cause error) {
	message := cause.Error()
	p.metrics.ObserveProviderError(gen.ProviderID, string(provider.CodeOf(cause)))

	failed, err := p.store.MarkGenerationFailed(ctx, gen.ID, message, p.clock())
	if err != nil {
		p.logger.Error("mark failed errored", "generation_id", gen.ID, "error", err)
		failed = gen
		failed.ErrorMessage = message
	}
	failed = p.billing.Finalize(ctx, failed, 0)
	p.pool.RecordProviderError(ctx, account.ID, cause)
	p.publish(ctx, events.TopicJobFailed, failed, message)
	p.maybeAutoRetry(ctx, failed, cause)
}

func submissionResponse(sub provider.Submission) map[string]any {
	response := make(map[string]any, len(sub.Metadata)+1)
	for key, value := range sub.Metadata {
		response[key] = value
	}
	if len(sub.URLs) > 0 {
		response["urls"] = sub.URLs
	}
	return response
}

func (p *Pipeline) publish(ctx context.Context, topic events.Topic, gen models.Generation, errMsg string) {
	event := events.New(topic, gen.ID, gen.UserID)
	event.Status = string(gen.Status)
	event.Error = errMsg
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Warn("event publish failed", "topic", topic, "generation_id", gen.ID, "error", err)
	}
	p.metrics.ObserveEventPublished(string(topic))
}
