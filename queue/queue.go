// Package queue provides a named at-least-once work queue with a fixed
// retry budget and a terminal-failure callback. Two implementations exist:
// a Redis-backed queue for deployments and an in-memory queue for local
// runs and tests. Both honor the same delivery contract.
package queue

import (
	"context"
	"time"
)

// Message is the delivery envelope. Attempts counts deliveries of this
// message so far, including the current one.
type Message struct {
	ID       string `json:"id"`
	Attempts int    `json:"attempts"`
	Body     []byte `json:"body"`
}

// Handler processes one delivery. A non-nil error schedules a retry until
// the attempt budget is exhausted.
type Handler func(ctx context.Context, msg Message) error

// DeadHandler runs once after the final failed attempt. It must be
// idempotent: the queue guarantees at-least-once, not exactly-once.
type DeadHandler func(ctx context.Context, msg Message, err error)

type RetryConfig struct {
	// MaxAttempts is the total delivery budget per message, first attempt
	// included.
	MaxAttempts int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     10 * time.Second,
	}
}

type Queue interface {
	// Enqueue adds one unit of work.
	Enqueue(ctx context.Context, body []byte) error
	// Consume blocks delivering messages to handler until ctx is done.
	// Multiple Consume calls may run concurrently against the same queue.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}
