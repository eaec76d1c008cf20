package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moccet/moccet-health-sub016/internal/db"
)

// SyncTrigger is the sync side of the queue. The orchestrator implements
// it; the pool never imports the orchestrator.
type SyncTrigger interface {
	SyncFromWebhook(ctx context.Context, userID uuid.UUID, provider string) error
}

// EventRepo records job outcomes on the webhook audit row.
type EventRepo interface {
	UpdateWebhookEventStatus(ctx context.Context, id uuid.UUID, status string, errorMsg *string) error
}

// WorkerPool drains the work queue with a fixed number of workers. Each
// job is one targeted sync; failures mark the audit row and rely on the
// scheduled poll for retry, so a poison job cannot wedge a worker.
type WorkerPool struct {
	queue   Queue
	syncer  SyncTrigger
	events  EventRepo
	logger  *zap.Logger
	workers int
	budget  time.Duration

	wg sync.WaitGroup
}

func NewWorkerPool(queue Queue, syncer SyncTrigger, events EventRepo, workers int, budget time.Duration, logger *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		queue:   queue,
		syncer:  syncer,
		events:  events,
		logger:  logger,
		workers: workers,
		budget:  budget,
	}
}

// Start launches the workers. They exit when ctx is cancelled or the
// queue closes.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
	p.logger.Info("ingest worker pool started", zap.Int("workers", p.workers))
}

// Wait blocks until all workers have exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	for {
		job, ack, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
				return
			}
			p.logger.Error("dequeue failed", zap.Error(err), zap.Int("worker", id))
			continue
		}

		p.process(ctx, job)
		ack()
	}
}

func (p *WorkerPool) process(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()

	err := p.syncer.SyncFromWebhook(jobCtx, job.UserID, job.Provider)
	if err != nil {
		p.logger.Warn("webhook-triggered sync failed",
			zap.Error(err),
			zap.String("event_id", job.EventID.String()),
			zap.String("provider", job.Provider),
		)
		msg := err.Error()
		if uerr := p.events.UpdateWebhookEventStatus(ctx, job.EventID, db.EventStatusFailed, &msg); uerr != nil {
			p.logger.Error("failed to mark event failed", zap.Error(uerr))
		}
		return
	}

	if uerr := p.events.UpdateWebhookEventStatus(ctx, job.EventID, db.EventStatusProcessed, nil); uerr != nil {
		p.logger.Error("failed to mark event processed", zap.Error(uerr))
	}
}
