package pipeline

import (
	"context"
	"strings"
	"time"

	"renderforge/internal/models"
	"renderforge/internal/provider"
	"renderforge/internal/queue"
)

// retryDecision is the classifier verdict for one failure.
type retryDecision struct {
	Retry bool
	Delay time.Duration
}

// Messages that mark the input itself as rejected. Retrying these burns
// credits without any chance of success.
var nonRetryableMarkers = []string{
	"content filtered (prompt)",
	"invalid prompt",
	"rejected",
}

// classifyFailure decides whether a failure is worth another attempt.
// Input-side rejections and account-level errors are final; rate limits,
// timeouts, and transient provider errors (including output-side filters)
// are retryable.
func classifyFailure(cause error, message string) retryDecision {
	lowered := strings.ToLower(message)
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(lowered, marker) {
			return retryDecision{}
		}
	}
	if provErr, ok := provider.AsError(cause); ok {
		switch provErr.Code {
		case provider.CodeAuthentication, provider.CodeQuotaExceeded,
			provider.CodeUnsupported, provider.CodeJobNotFound:
			return retryDecision{}
		case provider.CodeRateLimit:
			return retryDecision{Retry: true, Delay: provErr.RetryAfter}
		}
	}
	return retryDecision{Retry: true}
}

// maybeAutoRetry resets a FAILED generation back to PENDING and re-enqueues
// it when auto-retry is enabled, the failure classifies as retryable, and
// the retry budget remains. This reuses the same row; the original failure
// stays recorded in error_message.
func (p *Pipeline) maybeAutoRetry(ctx context.Context, gen models.Generation, cause error) {
	if !p.autoRetry {
		return
	}
	decision := classifyFailure(cause, gen.ErrorMessage)
	if !decision.Retry {
		p.metrics.ObserveTask("auto_retry", "not_retryable")
		return
	}
	if gen.RetryCount >= p.maxRetries {
		p.metrics.ObserveTask("auto_retry", "exhausted")
		p.logger.Warn("retry budget exhausted",
			"generation_id", gen.ID,
			"retry_count", gen.RetryCount)
		return
	}

	reset, err := p.store.ResetGenerationForRetry(ctx, gen.ID, gen.RetryCount+1)
	if err != nil {
		p.logger.Error("retry reset failed", "generation_id", gen.ID, "error", err)
		return
	}
	task := queue.NewTask(queue.TaskProcessGeneration, map[string]any{"generation_id": reset.ID})
	if decision.Delay > 0 {
		due := p.clock().Add(decision.Delay)
		task.NotBefore = &due
	}
	if err := p.queue.Enqueue(ctx, task); err != nil {
		// The requeue sweeper will pick the PENDING row back up.
		p.logger.Error("retry enqueue failed", "generation_id", reset.ID, "error", err)
		return
	}
	p.metrics.ObserveTask("auto_retry", "scheduled")
	p.logger.Info("generation scheduled for retry",
		"generation_id", reset.ID,
		"retry_count", reset.RetryCount,
		"delay", decision.Delay)
}
