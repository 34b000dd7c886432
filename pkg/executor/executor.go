// Package executor is the broker side of the queue: Submit records a
// (task, delay) pair in Redis, and the Runner eventually hands each due
// submission to the dispatch entry point at least once. Deduplication of
// redundant deliveries is the dispatcher's status CAS, not the broker's job.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/asynxhq/asynx/pkg/keystore"
)

// Broker key space:
//   - delayedKey: sorted set, member = encoded submission, score = due time
//   - readyKey:   list of due submissions awaiting a worker
//   - workingKey: submissions currently held by a worker
const (
	delayedKey = "AX:BROKER"
	readyKey   = "AX:BROKER:READY"
	workingKey = "AX:BROKER:WORKING"
)

// DelayedExecutor accepts a (task, delay) pair and eventually causes the
// dispatch entry point to run for it. The returned submission id becomes the
// task's uuid.
type DelayedExecutor interface {
	Submit(ctx context.Context, appname, queuename string, taskID int64, delay time.Duration) (string, error)
}

// submission is the broker wire record.
type submission struct {
	UUID      string `json:"uuid"`
	AppName   string `json:"appname"`
	QueueName string `json:"queuename"`
	TaskID    int64  `json:"task_id"`
}

// RedisExecutor schedules submissions in the broker sorted set.
type RedisExecutor struct {
	store *keystore.Store
}

// NewRedis builds an executor on the given store.
func NewRedis(store *keystore.Store) *RedisExecutor {
	return &RedisExecutor{store: store}
}

func (e *RedisExecutor) Submit(ctx context.Context, appname, queuename string, taskID int64, delay time.Duration) (string, error) {
	sub := submission{
		UUID:      uuid.New().String(),
		AppName:   appname,
		QueueName: queuename,
		TaskID:    taskID,
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return "", errors.Wrap(err, "executor: encode submission")
	}
	due := time.Now().Add(delay)
	err = e.store.Client().ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(due.UnixNano()),
		Member: data,
	}).Err()
	if err != nil {
		return "", errors.Wrapf(err, "executor: submit task %d", taskID)
	}
	return sub.UUID, nil
}

// Depths reports the broker backlog per stage, for the metrics collector.
func (e *RedisExecutor) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64, 3)
	if n, err := e.store.Client().ZCard(ctx, delayedKey).Result(); err == nil {
		depths["delayed"] = n
	}
	for name, key := range map[string]string{"ready": readyKey, "working": workingKey} {
		if n, err := e.store.Client().LLen(ctx, key).Result(); err == nil {
			depths[name] = n
		}
	}
	return depths
}
