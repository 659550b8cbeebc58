package pool

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived worker, such as a queue consumer, that runs until
// its context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// WorkerPool runs a fixed number of independent workers. Each worker holds
// at most one delivery in flight, so the pool size bounds concurrency.
type WorkerPool struct {
	size      int
	newWorker func(id int) Runner
	logger    *zap.Logger
}

func NewWorkerPool(size int, newWorker func(id int) Runner, logger *zap.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:      size,
		newWorker: newWorker,
		logger:    logger,
	}
}

func (p *WorkerPool) Size() int {
	return p.size
}

// Run starts every worker and blocks until all of them return. The first
// worker error cancels the others and is returned.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.size; i++ {
		id := i
		worker := p.newWorker(id)
		g.Go(func() error {
			p.logger.Info("Worker started", zap.Int("worker_id", id))
			err := worker.Run(ctx)
			if err != nil {
				p.logger.Error("Worker stopped", zap.Int("worker_id", id), zap.Error(err))
				return err
			}
			p.logger.Info("Worker stopped", zap.Int("worker_id", id))
			return nil
		})
	}

	return g.Wait()
}
