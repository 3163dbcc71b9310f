package intake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"renderq/internal/pkg/errors"
)

// DefaultQueueName is the Redis list submissions are pushed to.
const DefaultQueueName = "renderq:submissions"

// RedisClient is the subset of *redis.Client the queue uses.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// Queue is a FIFO of JSON submissions on a Redis list: LPUSH in, BRPOP out.
type Queue struct {
	rdb  RedisClient
	name string
}

func NewQueue(rdb RedisClient, name string) *Queue {
	if name == "" {
		name = DefaultQueueName
	}
	return &Queue{rdb: rdb, name: name}
}

func (q *Queue) Name() string { return q.name }

// Push appends s to the queue.
func (q *Queue) Push(ctx context.Context, s Submission) error {
	body, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "intake.push", "encode submission")
	}
	if err := q.rdb.LPush(ctx, q.name, body).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "intake.push", "push submission")
	}
	return nil
}

// Pop blocks up to wait for a submission. ok is false when none arrived.
// A payload that is not a submission is returned as a validation error
// with the raw payload in its fields, and is consumed.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (s Submission, ok bool, err error) {
	res, err := q.rdb.BRPop(ctx, wait, q.name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Submission{}, false, nil
		}
		return Submission{}, false, err
	}
	if len(res) < 2 {
		return Submission{}, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &s); err != nil {
		return Submission{}, false, errors.WrapWithCode(err, errors.CodeValidation, "intake.pop", "malformed submission").
			WithField("payload", res[1])
	}
	return s, true, nil
}
