// Package ingest receives provider webhooks and turns them into sync work.
// The HTTP side always acknowledges quickly; real work happens on the
// queue consumed by the worker pool.
package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/moccet/moccet-health-sub016/internal/metrics"
)

// Job is one unit of sync work produced by a webhook delivery.
type Job struct {
	EventID  uuid.UUID `json:"event_id"`
	UserID   uuid.UUID `json:"user_id"`
	Provider string    `json:"provider"`
}

var (
	// ErrQueueFull is returned when the queue cannot take another job.
	// The audit row stays in the received state and the next scheduled
	// sync covers the gap.
	ErrQueueFull = errors.New("work queue full")

	// ErrQueueClosed is returned after shutdown has begun.
	ErrQueueClosed = errors.New("work queue closed")
)

// Queue is the boundary between webhook ingestion and sync execution.
// Dequeue returns an ack to be called once the job's outcome is recorded;
// the in-process implementation acks trivially, the SQS one deletes the
// message.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, func(), error)
	Close()
}

// ChannelQueue is the default single-process queue, a bounded channel.
type ChannelQueue struct {
	mu     sync.RWMutex
	ch     chan Job
	closed bool
}

func NewChannelQueue(size int) *ChannelQueue {
	return &ChannelQueue{ch: make(chan Job, size)}
}

// Enqueue adds a job without blocking. A full queue is an error, not a
// stall; webhook handlers must never wait on sync capacity.
func (q *ChannelQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a job is available, the queue closes, or ctx ends.
func (q *ChannelQueue) Dequeue(ctx context.Context) (Job, func(), error) {
	select {
	case job, ok := <-q.ch:
		if !ok {
			return Job{}, nil, ErrQueueClosed
		}
		metrics.SetQueueDepth(len(q.ch))
		return job, func() {}, nil
	case <-ctx.Done():
		return Job{}, nil, ctx.Err()
	}
}

// Close stops the queue. Jobs already buffered are still delivered.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
