package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"renderforge/internal/generation"
	"renderforge/internal/models"
	"renderforge/internal/queue"
	"renderforge/internal/storage"
)

// RunScheduler runs the cron loops until the context is cancelled: status
// polling, pending-row recovery, counter reconciliation, and the worker
// heartbeat. Reconciliation also runs once at startup to repair drift from
// an unclean shutdown.
func (p *Pipeline) RunScheduler(ctx context.Context) error {
	if err := p.pool.ReconcileCounters(ctx); err != nil {
		p.logger.Warn("startup counter reconcile failed", "error", err)
	}
	p.updateHeartbeat(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	p.runCron(group, groupCtx, "poll_job_statuses", p.pollInterval, p.PollJobStatuses)
	p.runCron(group, groupCtx, "poll_analysis_statuses", p.pollInterval, p.PollAnalysisStatuses)
	p.runCron(group, groupCtx, "requeue_pending_generations", p.requeueInterval, p.RequeuePendingGenerations)
	p.runCron(group, groupCtx, "requeue_pending_analyses", p.requeueInterval, p.RequeuePendingAnalyses)
	p.runCron(group, groupCtx, "reconcile_account_counters", defaultReconcileInterval, p.pool.ReconcileCounters)
	p.runCron(group, groupCtx, "update_heartbeat", defaultHeartbeatInterval, func(ctx context.Context) error {
		p.updateHeartbeat(ctx)
		return nil
	})
	return group.Wait()
}

func (p *Pipeline) runCron(group *errgroup.Group, ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	group.Go(func() error {
		ticker := p.newTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				if err := fn(ctx); err != nil {
					p.metrics.ObserveTask(name, "error")
					p.logger.Warn("cron task failed", "task", name, "error", err)
					continue
				}
				p.metrics.ObserveTask(name, "ok")
			}
		}
	})
}

// RequeuePendingGenerations re-enqueues PENDING rows that sat past the
// staleness threshold, recovering tasks lost to crashed workers or failed
// enqueues.
func (p *Pipeline) RequeuePendingGenerations(ctx context.Context) error {
	now := p.clock()
	stale, err := p.store.ListStalePendingGenerations(ctx, now.Add(-p.staleAfter), p.requeueBatch)
	if err != nil {
		return fmt.Errorf("list stale pending generations: %w", err)
	}
	for _, gen := range stale {
		if generation.ScheduledAfter(gen, now) {
			continue
		}
		task := queue.NewTask(queue.TaskProcessGeneration, map[string]any{"generation_id": gen.ID})
		if err := p.queue.Enqueue(ctx, task); err != nil {
			p.logger.Error("requeue enqueue failed", "generation_id", gen.ID, "error", err)
			continue
		}
		p.logger.Info("stale pending generation requeued", "generation_id", gen.ID)
	}
	p.updatePendingGauge(ctx)
	return nil
}

// RequeuePendingAnalyses is the analysis counterpart of the pending sweep.
func (p *Pipeline) RequeuePendingAnalyses(ctx context.Context) error {
	stale, err := p.store.ListStalePendingAnalyses(ctx, p.clock().Add(-p.staleAfter), p.requeueBatch)
	if err != nil {
		return fmt.Errorf("list stale pending analyses: %w", err)
	}
	for _, analysis := range stale {
		task := queue.NewTask(queue.TaskProcessAnalysis, map[string]any{"analysis_id": analysis.ID})
		if err := p.queue.Enqueue(ctx, task); err != nil {
			p.logger.Error("analysis requeue failed", "analysis_id", analysis.ID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) updatePendingGauge(ctx context.Context) {
	pending, err := p.store.ListGenerations(ctx, storage.GenerationFilter{Status: models.GenerationPending})
	if err != nil {
		return
	}
	p.metrics.SetPendingGenerations(int64(len(pending)))
}

// updateHeartbeat advertises fleet liveness in the shared cache. The TTL
// outlives two missed beats, so a vanished key means a dead process.
func (p *Pipeline) updateHeartbeat(ctx context.Context) {
	if p.cache == nil {
		return
	}
	key := "worker:heartbeat:" + p.workerID
	value := strconv.FormatInt(p.clock().Unix(), 10)
	if err := p.cache.Set(ctx, key, value, heartbeatTTL); err != nil {
		p.logger.Warn("heartbeat update failed", "worker_id", p.workerID, "error", err)
	}
}
