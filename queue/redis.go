package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	redisPollTimeout    = time.Second
	retryPromotionLimit = 50
)

// RedisQueue is a Redis list-backed queue. Ready messages live in
// "queues:{name}"; messages awaiting a retry live in "queues:{name}:retry",
// a sorted set scored by the unix time they become due. Consumers promote
// due retries before each blocking pop.
type RedisQueue struct {
	Client *redis.Client
	Name   string
	Logger *logrus.Logger
	Retry  RetryConfig
	OnDead DeadHandler
}

func NewRedisQueue(client *redis.Client, name string, logger *logrus.Logger, retry RetryConfig, onDead DeadHandler) *RedisQueue {
	return &RedisQueue{
		Client: client,
		Name:   name,
		Logger: logger,
		Retry:  retry,
		OnDead: onDead,
	}
}

func (q *RedisQueue) readyKey() string { return "queues:" + q.Name }
func (q *RedisQueue) retryKey() string { return "queues:" + q.Name + ":retry" }

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) error {
	msg := Message{
		ID:   uuid.NewString(),
		Body: body,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := q.Client.LPush(ctx, q.readyKey(), raw).Err(); err != nil {
		return fmt.Errorf("enqueue to %q: %w", q.Name, err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q.promoteDueRetries(ctx)

		res, err := q.Client.BRPop(ctx, redisPollTimeout, q.readyKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if q.Logger != nil {
				q.Logger.WithFields(logrus.Fields{
					"queue": q.Name,
				}).Warn("queue pop failed: " + err.Error())
			}
			// Transient Redis failure; back off briefly before retrying.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(redisPollTimeout):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			if q.Logger != nil {
				q.Logger.WithFields(logrus.Fields{
					"queue": q.Name,
				}).Error("dropping malformed queue message: " + err.Error())
			}
			continue
		}

		q.deliver(ctx, handler, msg)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, handler Handler, msg Message) {
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

	raw, merr := json.Marshal(msg)
	if merr != nil {
		if q.Logger != nil {
			q.Logger.WithFields(logrus.Fields{
				"queue":      q.Name,
				"message_id": msg.ID,
			}).Error("failed to marshal message for retry: " + merr.Error())
		}
		return
	}
	due := time.Now().Add(q.Retry.Backoff).Unix()
	if zerr := q.Client.ZAdd(ctx, q.retryKey(), redis.Z{
		Score:  float64(due),
		Member: raw,
	}).Err(); zerr != nil && q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"queue":      q.Name,
			"message_id": msg.ID,
			"attempts":   msg.Attempts,
		}).Error("failed to schedule retry: " + zerr.Error())
	}
}

// promoteDueRetries moves messages whose backoff has elapsed back onto the
// ready list. ZRem before LPush so concurrent consumers promote each
// message once.
func (q *RedisQueue) promoteDueRetries(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := q.Client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: retryPromotionLimit,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		removed, err := q.Client.ZRem(ctx, q.retryKey(), m).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.Client.LPush(ctx, q.readyKey(), m).Err(); err != nil && q.Logger != nil {
			q.Logger.WithFields(logrus.Fields{
				"queue": q.Name,
			}).Error("failed to promote retry: " + err.Error())
		}
	}
}

func (q *RedisQueue) Close() error {
	// The Redis client is shared and owned by config; nothing to release.
	return nil
}
