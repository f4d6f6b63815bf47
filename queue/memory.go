package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryQueueCapacity = 4096

// MemoryQueue implements the same delivery contract as RedisQueue without a
// broker. Intended for local/dev environments where Redis is not configured
// and for tests.
type MemoryQueue struct {
	Retry  RetryConfig
	OnDead DeadHandler

	ch     chan Message
	mu     sync.Mutex
	closed bool
}

func NewMemoryQueue(retry RetryConfig, onDead DeadHandler) *MemoryQueue {
	return &MemoryQueue{
		Retry:  retry,
		OnDead: onDead,
		ch:     make(chan Message, memoryQueueCapacity),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	q.mu.Unlock()

	msg := Message{
		ID:   uuid.NewString(),
		Body: body,
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q.ch:
			q.deliver(ctx, handler, msg)
		}
	}
}

func (q *MemoryQueue) deliver(ctx context.Context, handler Handler, msg Message) {
	msg.Attempts++

	err := handler(ctx, msg)
	if err == nil {
		return
	}

	if msg.Attempts >= q.Retry.MaxAttempts {
		if q.OnDead != nil {
			q.OnDead(ctx, msg, err)
		}
		return
	}

	retry := msg
	time.AfterFunc(q.Retry.Backoff, func() {
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ch <- retry:
		default:
			// Queue full; the pending re-dispatch sweep will pick the row up.
		}
	})
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
var _ Queue = (*RedisQueue)(nil)
