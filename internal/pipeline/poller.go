package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"renderforge/internal/events"
	"renderforge/internal/models"
	"renderforge/internal/observability/logging"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
)

// PollJobStatuses advances every PROCESSING generation one step: checks
// the provider, ingests completed output, and settles terminal states.
// Rows poll concurrently with bounded parallelism; one row's failure never
// stops the sweep.
func (p *Pipeline) PollJobStatuses(ctx context.Context) error {
	generations, err := p.store.ListProcessingGenerations(ctx)
	if err != nil {
		return fmt.Errorf("list processing generations: %w", err)
	}
	if len(generations) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.pollParallelism)
	for _, gen := range generations {
		gen := gen
		group.Go(func() error {
			p.pollGeneration(logging.ContextWithGenerationID(groupCtx, gen.ID), gen)
			return nil
		})
	}
	return group.Wait()
}

func (p *Pipeline) pollGeneration(ctx context.Context, gen models.Generation) {
	sub, err := p.store.LatestSubmission(ctx, gen.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.settleFailure(ctx, gen, "no submission recorded", nil)
			return
		}
		p.logger.Warn("submission lookup failed", "generation_id", gen.ID, "error", err)
		return
	}
	now := p.clock()
	if gen.StartedAt != nil && now.Sub(*gen.StartedAt) > p.processingTimeout {
		p.settleFailure(ctx, gen, fmt.Sprintf("processing timeout after %s", p.processingTimeout), nil)
		return
	}

	account, err := p.store.GetAccount(ctx, sub.AccountID)
	if err != nil {
		p.logger.Warn("poll account lookup failed", "generation_id", gen.ID, "account_id", sub.AccountID, "error", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, statusCallTimeout)
	result, err := p.registry.CheckStatus(callCtx, gen.ProviderID, account, sub.ProviderJobID)
	cancel()
	if err != nil {
		if provider.CodeOf(err) == provider.CodeJobNotFound {
			p.settleFailure(ctx, gen, "provider job not found", err)
			return
		}
		// Transient: the next sweep retries.
		p.logger.Warn("status check failed",
			"generation_id", gen.ID,
			"provider_id", gen.ProviderID,
			"provider_job_id", sub.ProviderJobID,
			"error", err)
		return
	}

	switch result.Status {
	case provider.JobCompleted:
		p.settleCompletion(ctx, gen, result)
	case provider.JobFailed:
		p.settleFailure(ctx, gen, failureMessage(result, "provider reported failure"), nil)
	case provider.JobFiltered:
		p.settleFailure(ctx, gen, failureMessage(result, "content filtered (output)"), provider.NewContentFilteredError(result.ErrorMessage))
	case provider.JobCancelled:
		p.settleCancellation(ctx, gen)
	default:
		// Still processing; leave the row alone.
	}
}

// settleCompletion ingests the output and finishes the happy path. An
// ingest failure turns the row FAILED so the retry controller can decide.
func (p *Pipeline) settleCompletion(ctx context.Context, gen models.Generation, result provider.StatusResult) {
	asset, err := p.ingestor.IngestGenerationOutput(ctx, gen, result)
	if err != nil {
		p.settleFailure(ctx, gen, fmt.Sprintf("ingest failed: %v", err), nil)
		return
	}
	completed, err := p.store.MarkGenerationCompleted(ctx, gen.ID, asset.ID, p.clock())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return
		}
		p.logger.Error("mark completed failed", "generation_id", gen.ID, "error", err)
		return
	}
	completed = p.billing.Finalize(ctx, completed, result.Duration)
	p.releaseAndRefresh(ctx, completed)
	p.publish(ctx, events.TopicJobCompleted, completed, "")
	p.logger.Info("generation completed",
		"generation_id", completed.ID,
		"asset_id", asset.ID,
		"billing_state", completed.BillingState)
}

func (p *Pipeline) settleFailure(ctx context.Context, gen models.Generation, message string, cause error) {
	failed, err := p.store.MarkGenerationFailed(ctx, gen.ID, message, p.clock())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return
		}
		p.logger.Error("mark failed errored", "generation_id", gen.ID, "error", err)
		return
	}
	failed = p.billing.Finalize(ctx, failed, 0)
	p.releaseAndRefresh(ctx, failed)
	p.publish(ctx, events.TopicJobFailed, failed, message)
	p.maybeAutoRetry(ctx, failed, cause)
}

func (p *Pipeline) settleCancellation(ctx context.Context, gen models.Generation) {
	cancelled, err := p.store.MarkGenerationCancelled(ctx, gen.ID, p.clock())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return
		}
		p.logger.Error("mark cancelled failed", "generation_id", gen.ID, "error", err)
		return
	}
	cancelled = p.billing.Finalize(ctx, cancelled, 0)
	p.releaseAndRefresh(ctx, cancelled)
	p.publish(ctx, events.TopicJobCancelled, cancelled, "")
}

// releaseAndRefresh frees the reservation slot and opportunistically
// re-reads provider balances (providers may auto-refund failed jobs).
func (p *Pipeline) releaseAndRefresh(ctx context.Context, gen models.Generation) {
	if gen.AccountID == nil || *gen.AccountID == "" {
		return
	}
	p.pool.Release(ctx, *gen.AccountID)
	p.pool.RefreshCredits(ctx, *gen.AccountID)
}

func failureMessage(result provider.StatusResult, fallback string) string {
	if result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return fallback
}
