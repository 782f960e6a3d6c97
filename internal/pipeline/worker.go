package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"renderforge/internal/queue"
)

// RunWorkers consumes the task queue with n concurrent workers until the
// context is cancelled.
func (p *Pipeline) RunWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		group.Go(func() error {
			return p.queue.Consume(groupCtx, p.Handle)
		})
	}
	return group.Wait()
}

// Handle dispatches one queue task. Unknown names and malformed arguments
// are dropped with a log line rather than redelivered forever.
func (p *Pipeline) Handle(ctx context.Context, task queue.Task) error {
	switch task.Name {
	case queue.TaskProcessGeneration:
		id, ok := task.GenerationID()
		if !ok {
			p.logger.Error("task missing generation_id", "task_id", task.ID)
			return nil
		}
		err := p.ProcessGeneration(ctx, id)
		p.observeTask(task.Name, err)
		return err
	case queue.TaskProcessAnalysis:
		id, ok := task.AnalysisID()
		if !ok {
			p.logger.Error("task missing analysis_id", "task_id", task.ID)
			return nil
		}
		err := p.ProcessAnalysis(ctx, id)
		p.observeTask(task.Name, err)
		return err
	default:
		p.logger.Warn("unknown task dropped", "task", task.Name, "task_id", task.ID)
		return nil
	}
}

func (p *Pipeline) observeTask(name string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.metrics.ObserveTask(name, outcome)
}
