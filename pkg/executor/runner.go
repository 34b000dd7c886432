package executor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asynxhq/asynx/pkg/keystore"
	"github.com/asynxhq/asynx/pkg/logger"
)

// DispatchFunc is the entry point the runner invokes for each due
// submission. The appname/queuename pair addresses the key space; errors are
// logged and the submission is acked regardless, since the status CAS makes
// redeliveries of a finished task harmless and a failed HTTP call is the
// task's own outcome, not the broker's.
type DispatchFunc func(ctx context.Context, appname, queuename string, taskID int64) error

// promoteScript atomically moves every due submission from the delayed
// sorted set to the ready list. Running it from several runners concurrently
// is safe: each member is removed exactly once.
var promoteScript = redis.NewScript(`
	local delayed_key = KEYS[1]
	local ready_key = KEYS[2]
	local now = tonumber(ARGV[1])

	local due = redis.call('ZRANGEBYSCORE', delayed_key, '-inf', now)

	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', delayed_key, '-inf', now)
		for _, member in ipairs(due) do
			redis.call('RPUSH', ready_key, member)
		end
	end

	return #due
`)

// Runner drains the broker: a promoter goroutine ticks due submissions into
// the ready list, and a pool of workers pulls them and invokes dispatch.
type Runner struct {
	store        *keystore.Store
	dispatch     DispatchFunc
	concurrency  int
	pollInterval time.Duration
}

// NewRunner builds a runner. concurrency <= 0 means one worker;
// pollInterval <= 0 defaults to 500ms.
func NewRunner(store *keystore.Store, dispatch DispatchFunc, concurrency int, pollInterval time.Duration) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Runner{
		store:        store,
		dispatch:     dispatch,
		concurrency:  concurrency,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.promote(ctx)
	}()
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}
	wg.Wait()
}

// promote ticks the due-submission promotion.
func (r *Runner) promote(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := float64(time.Now().UnixNano())
			_, err := promoteScript.Run(ctx, r.store.Client(),
				[]string{delayedKey, readyKey}, now).Result()
			if err != nil && err != redis.Nil && ctx.Err() == nil {
				logger.Log.Error().Err(err).Msg("Broker promotion failed")
			}
		}
	}
}

// work pulls ready submissions and dispatches them. The BLMove into the
// working list keeps a submission visible while a worker holds it; the LRem
// afterwards is the ack.
func (r *Runner) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := r.store.Client().BLMove(ctx, readyKey, workingKey,
			"LEFT", "RIGHT", time.Second).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				logger.Log.Error().Err(err).Msg("Broker pull failed")
			}
			continue
		}

		var sub submission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			logger.Log.Error().Err(err).Str("raw", raw).Msg("Malformed submission dropped")
			r.ack(raw)
			continue
		}

		if err := r.dispatch(ctx, sub.AppName, sub.QueueName, sub.TaskID); err != nil {
			logger.Log.Error().Err(err).
				Str("app", sub.AppName).
				Str("queue", sub.QueueName).
				Int64("task_id", sub.TaskID).
				Msg("Dispatch failed")
		}
		r.ack(raw)
	}
}

// ack removes a handled submission from the working list. Uses a fresh
// context so shutdown does not strand entries.
func (r *Runner) ack(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Client().LRem(ctx, workingKey, 1, raw).Err(); err != nil {
		logger.Log.Error().Err(err).Msg("Broker ack failed")
	}
}
