package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestChannelQueue_RoundTrip(t *testing.T) {
	q := NewChannelQueue(4)
	defer q.Close()

	job := Job{EventID: uuid.New(), UserID: uuid.New(), Provider: "oura"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, ack, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	ack()
	if got != job {
		t.Fatalf("got %+v, want %+v", got, job)
	}
}

func TestChannelQueue_FullQueueRejectsWithoutBlocking(t *testing.T) {
	q := NewChannelQueue(1)
	defer q.Close()

	if err := q.Enqueue(context.Background(), Job{Provider: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(context.Background(), Job{Provider: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestChannelQueue_CloseRejectsNewJobsButDrainsBuffered(t *testing.T) {
	q := NewChannelQueue(2)

	buffered := Job{EventID: uuid.New(), Provider: "whoop"}
	if err := q.Enqueue(context.Background(), buffered); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q.Close()
	q.Close() // idempotent

	if err := q.Enqueue(context.Background(), Job{Provider: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}

	got, _, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.EventID != buffered.EventID {
		t.Fatalf("got %+v", got)
	}

	if _, _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}
}

func TestChannelQueue_DequeueRespectsContext(t *testing.T) {
	q := NewChannelQueue(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
