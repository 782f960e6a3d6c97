package pipeline

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"renderforge/internal/models"
	"renderforge/internal/provider"
	"renderforge/internal/storage"
)

// ProcessAnalysis dispatches one PENDING analysis. Analyses share the
// generation lifecycle and account accounting but none of the dedup,
// caching, or billing machinery.
func (p *Pipeline) ProcessAnalysis(ctx context.Context, id int64) error {
	analysis, err := p.store.GetAnalysis(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Warn("task for unknown analysis dropped", "analysis_id", id)
			return nil
		}
		return fmt.Errorf("load analysis %d: %w", id, err)
	}
	if analysis.Status != models.GenerationPending {
		return nil
	}

	account, err := p.pool.SelectAndReserve(ctx, analysis.ProviderID, analysis.UserID)
	if err != nil {
		return err
	}
	analysis, err = p.store.MarkAnalysisProcessing(ctx, analysis.ID, account.ID, p.clock())
	if err != nil {
		p.pool.Release(ctx, account.ID)
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return fmt.Errorf("mark analysis processing: %w", err)
	}

	// The analysis kind doubles as the operation the provider must support.
	submission, err := p.registry.Execute(ctx, analysis.ProviderID, account, models.OperationType(analysis.Kind), analysis.Params)
	if err != nil {
		// RecordProviderError releases the reservation; failAnalysis must
		// not release it a second time.
		p.failAnalysis(ctx, analysis, "", err.Error())
		p.pool.RecordProviderError(ctx, account.ID, err)
		return nil
	}
	if err := p.store.SetAnalysisProviderJob(ctx, analysis.ID, submission.ProviderJobID); err != nil {
		return fmt.Errorf("record analysis job: %w", err)
	}
	return nil
}

// PollAnalysisStatuses mirrors the generation poller with a shorter
// timeout.
func (p *Pipeline) PollAnalysisStatuses(ctx context.Context) error {
	analyses, err := p.store.ListProcessingAnalyses(ctx)
	if err != nil {
		return fmt.Errorf("list processing analyses: %w", err)
	}
	if len(analyses) == 0 {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.pollParallelism)
	for _, analysis := range analyses {
		analysis := analysis
		group.Go(func() error {
			p.pollAnalysis(groupCtx, analysis)
			return nil
		})
	}
	return group.Wait()
}

func (p *Pipeline) pollAnalysis(ctx context.Context, analysis models.Analysis) {
	accountID := ""
	if analysis.AccountID != nil {
		accountID = *analysis.AccountID
	}
	now := p.clock()
	if analysis.StartedAt != nil && now.Sub(*analysis.StartedAt) > p.analysisTimeout {
		p.failAnalysis(ctx, analysis, accountID, fmt.Sprintf("analysis timeout after %s", p.analysisTimeout))
		return
	}
	if analysis.ProviderJobID == "" || accountID == "" {
		p.failAnalysis(ctx, analysis, accountID, "no provider job recorded")
		return
	}
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		p.logger.Warn("analysis account lookup failed", "analysis_id", analysis.ID, "error", err)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, statusCallTimeout)
	result, err := p.registry.CheckStatus(callCtx, analysis.ProviderID, account, analysis.ProviderJobID)
	cancel()
	if err != nil {
		if provider.CodeOf(err) == provider.CodeJobNotFound {
			p.failAnalysis(ctx, analysis, accountID, "provider job not found")
		}
		return
	}
	switch result.Status {
	case provider.JobCompleted:
		if _, err := p.store.MarkAnalysisCompleted(ctx, analysis.ID, result.Raw, p.clock()); err != nil {
			if !errors.Is(err, storage.ErrConflict) {
				p.logger.Error("mark analysis completed failed", "analysis_id", analysis.ID, "error", err)
			}
			return
		}
		p.pool.Release(ctx, accountID)
	case provider.JobFailed, provider.JobFiltered, provider.JobCancelled:
		p.failAnalysis(ctx, analysis, accountID, failureMessage(result, "provider reported failure"))
	}
}

func (p *Pipeline) failAnalysis(ctx context.Context, analysis models.Analysis, accountID, message string) {
	if _, err := p.store.MarkAnalysisFailed(ctx, analysis.ID, message, p.clock()); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			p.logger.Error("mark analysis failed errored", "analysis_id", analysis.ID, "error", err)
		}
		return
	}
	if accountID != "" {
		p.pool.Release(ctx, accountID)
	}
}
