// Package queue implements the task lifecycle and coordination layer: the
// per-(app, queue) key space, the add/get/list/delete operations with their
// atomicity guarantees, the status state machine, and the dispatch path that
// performs the HTTP call and fires callbacks.
//
// All coordination happens through the key store's optimistic transactions;
// there are no in-process locks. Concurrent adders racing on a cname and
// concurrent workers racing on a dispatch both resolve through WATCH/MULTI.
package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/asynxhq/asynx/pkg/clock"
	"github.com/asynxhq/asynx/pkg/codec"
	"github.com/asynxhq/asynx/pkg/executor"
	"github.com/asynxhq/asynx/pkg/fetcher"
	"github.com/asynxhq/asynx/pkg/keystore"
	"github.com/asynxhq/asynx/pkg/logger"
	"github.com/asynxhq/asynx/pkg/schedule"
	"github.com/asynxhq/asynx/pkg/tasks"
)

// DefaultQueueName is used when a queue is constructed with an empty name.
const DefaultQueueName = "default"

// statusCutoff is the pending delay, in seconds, that a task must exceed to
// be marked scheduled/delayed instead of staying enqueued.
const statusCutoff = 0.5

// ReportSink receives responses delivered by the __report__ callback.
type ReportSink interface {
	Report(ctx context.Context, task *tasks.Task, resp *fetcher.Response)
}

type nopReportSink struct{}

func (nopReportSink) Report(context.Context, *tasks.Task, *fetcher.Response) {}

// TaskQueue owns the key space of one (appname, queuename) pair. It is
// cheap to construct and safe for concurrent use; all state lives in the
// key store.
type TaskQueue struct {
	appname   string
	queuename string
	localzone *time.Location
	store     *keystore.Store
	exec      executor.DelayedExecutor
	fetch     fetcher.Fetcher
	clock     clock.Clock
	report    ReportSink
	log       zerolog.Logger
}

// Option customizes a TaskQueue.
type Option func(*TaskQueue)

// WithLocalzone sets the zone naive client timestamps are localized with.
func WithLocalzone(loc *time.Location) Option {
	return func(tq *TaskQueue) {
		if loc != nil {
			tq.localzone = loc
		}
	}
}

// WithFetcher sets the HTTP fetcher used at dispatch.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(tq *TaskQueue) {
		if f != nil {
			tq.fetch = f
		}
	}
}

// WithClock pins the time source.
func WithClock(c clock.Clock) Option {
	return func(tq *TaskQueue) {
		if c != nil {
			tq.clock = c
		}
	}
}

// WithReportSink sets the sink behind the __report__ callback.
func WithReportSink(sink ReportSink) Option {
	return func(tq *TaskQueue) {
		if sink != nil {
			tq.report = sink
		}
	}
}

// New binds a TaskQueue to its store, executor and (appname, queuename).
func New(store *keystore.Store, exec executor.DelayedExecutor, appname, queuename string, opts ...Option) *TaskQueue {
	if queuename == "" {
		queuename = DefaultQueueName
	}
	tq := &TaskQueue{
		appname:   appname,
		queuename: queuename,
		localzone: time.Local,
		store:     store,
		exec:      exec,
		fetch:     fetcher.New(),
		clock:     clock.UTC,
		report:    nopReportSink{},
	}
	for _, opt := range opts {
		opt(tq)
	}
	tq.log = logger.Log.With().
		Str("app", appname).
		Str("queue", queuename).
		Logger()
	return tq
}

// AppName returns the bound application name.
func (tq *TaskQueue) AppName() string { return tq.appname }

// QueueName returns the bound queue name.
func (tq *TaskQueue) QueueName() string { return tq.queuename }

// ParseETA parses a client-supplied timestamp, localizing naive input with
// the queue's zone. The result is UTC.
func (tq *TaskQueue) ParseETA(text string) (time.Time, error) {
	return clock.ParseISO(text, tq.localzone)
}

// AddTaskOptions carries the optional add-task arguments. A nil callback
// pointer means the default: no-op for OnSuccess/OnComplete, report for
// OnFailure. When both Countdown and ETA are set, Countdown wins.
type AddTaskOptions struct {
	CName      string
	Countdown  *float64
	ETA        *time.Time
	Schedule   schedule.Spec
	OnSuccess  *tasks.Callback
	OnFailure  *tasks.Callback
	OnComplete *tasks.Callback
}

// AddTask persists a task and hands it to the executor. The cname
// reservation, id allocation, meta write and schedule-index insert commit
// together; a concurrent add with the same cname gets ErrTaskAlreadyExists.
func (tq *TaskQueue) AddTask(ctx context.Context, req tasks.Request, opts *AddTaskOptions) (*tasks.View, error) {
	if opts == nil {
		opts = &AddTaskOptions{}
	}
	if opts.Schedule != nil && opts.CName == "" {
		return nil, errors.WithStack(ErrTaskCNameRequired)
	}

	now := tq.clock.Now()
	task := &tasks.Task{
		Request:  req,
		CName:    opts.CName,
		Schedule: opts.Schedule,
		Status:   tasks.StatusEnqueued,
	}
	switch {
	case opts.Countdown != nil:
		eta := now.Add(clock.Seconds(*opts.Countdown))
		task.ETA = &eta
	case opts.ETA != nil:
		eta := opts.ETA.UTC()
		task.ETA = &eta
	}
	task.OnSuccess = callbackOrDefault(opts.OnSuccess, tasks.Callback{})
	task.OnFailure = callbackOrDefault(opts.OnFailure, tasks.Report())
	task.OnComplete = callbackOrDefault(opts.OnComplete, tasks.Callback{})

	if err := tq.insertTask(ctx, task); err != nil {
		return nil, err
	}
	if err := tq.dispatchTask(ctx, task); err != nil {
		return nil, err
	}
	return task.View(tq.clock.Now()), nil
}

func callbackOrDefault(c *tasks.Callback, def tasks.Callback) tasks.Callback {
	if c == nil {
		return def
	}
	return *c
}

// insertTask allocates the id and commits the initial record. With a cname
// the write runs under WATCH of the cname key; losing the race maps to
// ErrTaskAlreadyExists. The id counter is incremented outside the
// transaction and never rolled back, so ids are not reused even when the
// add fails.
func (tq *TaskQueue) insertTask(ctx context.Context, task *tasks.Task) error {
	incrKey, incrField := tq.incrKey()

	allocateAndWrite := func(pipeliner func(fn func(redis.Pipeliner) error) error) error {
		id, err := tq.store.Client().HIncrBy(ctx, incrKey, incrField, 1).Result()
		if err != nil {
			return errors.Wrap(err, "allocate task id")
		}
		task.ID = id
		fields, err := task.MarshalHash()
		if err != nil {
			return err
		}
		return pipeliner(func(pipe redis.Pipeliner) error {
			if task.CName != "" {
				pipe.Set(ctx, tq.cnameKey(task.CName), id, 0)
			}
			pipe.HSet(ctx, tq.metaKey(id), fields)
			if task.Schedule != nil {
				pipe.ZAdd(ctx, tq.schedKey(), redis.Z{Score: 0, Member: id})
			}
			return nil
		})
	}

	if task.CName == "" {
		return allocateAndWrite(func(fn func(redis.Pipeliner) error) error {
			_, err := tq.store.Client().TxPipelined(ctx, fn)
			return err
		})
	}

	cnameKey := tq.cnameKey(task.CName)
	err := tq.store.Client().Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, cnameKey).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return errors.Wrapf(ErrTaskAlreadyExists, "task %q", task.CName)
		}
		return allocateAndWrite(func(fn func(redis.Pipeliner) error) error {
			_, err := tx.TxPipelined(ctx, fn)
			return err
		})
	}, cnameKey)
	if errors.Is(err, redis.TxFailedErr) {
		// a concurrent add won the cname
		return errors.Wrapf(ErrTaskAlreadyExists, "task %q", task.CName)
	}
	return err
}

// dispatchTask (re)hands a task to the executor: computes the pending delay
// and next status, submits, then records the fresh uuid. The meta write and
// the uuid-index update are pipelined, not transactional — the uuid field in
// meta is the source of truth and the index is an accelerator.
func (tq *TaskQueue) dispatchTask(ctx context.Context, task *tasks.Task) error {
	now := tq.clock.Now()
	ref := now
	if task.LastRunAt != nil {
		ref = *task.LastRunAt
	}

	next := task.Status.Normalized()
	if next == tasks.StatusRunning {
		// end of a recurring tick
		next = tasks.StatusEnqueued
	}
	var delay time.Duration
	if task.Schedule != nil {
		due, remaining := task.Schedule.IsDue(ref, now)
		if !due {
			delay = clock.Seconds(remaining)
			if remaining > statusCutoff {
				next = tasks.StatusScheduled
			}
		}
	} else if cd := task.Countdown(now); cd != nil && *cd > 0 {
		delay = clock.Seconds(*cd)
		if *cd > statusCutoff {
			next = tasks.StatusDelayed
		}
	}

	// A recurring task deleted mid-dispatch must not be resurrected by the
	// reschedule write.
	exists, err := tq.store.Client().Exists(ctx, tq.metaKey(task.ID)).Result()
	if err != nil {
		return errors.Wrapf(err, "check task %d", task.ID)
	}
	if exists == 0 {
		tq.log.Debug().Int64("task_id", task.ID).Msg("Task deleted before resubmit, skipping")
		return nil
	}

	oldUUID := task.UUID
	uuid, err := tq.exec.Submit(ctx, tq.appname, tq.queuename, task.ID, delay)
	if err != nil {
		return errors.Wrapf(err, "submit task %d", task.ID)
	}
	task.UUID = uuid
	task.Status = next

	fields, err := codec.MarshalFields(map[string]interface{}{
		"uuid":   task.UUID,
		"status": string(task.Status),
	})
	if err != nil {
		return err
	}
	pipe := tq.store.Client().Pipeline()
	pipe.HSet(ctx, tq.metaKey(task.ID), fields)
	if oldUUID != "" {
		pipe.ZRem(ctx, tq.uuidKey(), oldUUID)
	}
	pipe.ZAdd(ctx, tq.uuidKey(), redis.Z{Score: float64(task.ID), Member: task.UUID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "record submission of task %d", task.ID)
	}
	return nil
}

// loadTask reads a task row. The countdown is not stored; callers derive it
// from the returned ETA.
func (tq *TaskQueue) loadTask(ctx context.Context, taskID int64) (*tasks.Task, error) {
	fields, err := tq.store.Client().HGetAll(ctx, tq.metaKey(taskID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load task %d", taskID)
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(ErrTaskNotFound, "task %d", taskID)
	}
	return tasks.UnmarshalHash(taskID, fields)
}

// GetTask returns a snapshot of a task by id.
func (tq *TaskQueue) GetTask(ctx context.Context, taskID int64) (*tasks.View, error) {
	task, err := tq.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return task.View(tq.clock.Now()), nil
}

func (tq *TaskQueue) loadTaskByUUID(ctx context.Context, uuid string) (*tasks.Task, error) {
	score, err := tq.store.Client().ZScore(ctx, tq.uuidKey(), uuid).Result()
	if err == redis.Nil {
		return nil, errors.Wrapf(ErrTaskNotFound, "uuid %q", uuid)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve uuid %q", uuid)
	}
	return tq.loadTask(ctx, int64(score))
}

// GetTaskByUUID returns a snapshot of a task by its submission uuid.
func (tq *TaskQueue) GetTaskByUUID(ctx context.Context, uuid string) (*tasks.View, error) {
	task, err := tq.loadTaskByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return task.View(tq.clock.Now()), nil
}

func (tq *TaskQueue) loadTaskByCName(ctx context.Context, cname string) (*tasks.Task, error) {
	raw, err := tq.store.Client().Get(ctx, tq.cnameKey(cname)).Result()
	if err == redis.Nil {
		return nil, errors.Wrapf(ErrTaskNotFound, "cname %q", cname)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "resolve cname %q", cname)
	}
	taskID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "cname %q maps to %q", cname, raw)
	}
	return tq.loadTask(ctx, taskID)
}

// GetTaskByCName returns a snapshot of a task by its custom name.
func (tq *TaskQueue) GetTaskByCName(ctx context.Context, cname string) (*tasks.View, error) {
	task, err := tq.loadTaskByCName(ctx, cname)
	if err != nil {
		return nil, err
	}
	return task.View(tq.clock.Now()), nil
}

// CountTasks returns the number of live tasks in the queue.
func (tq *TaskQueue) CountTasks(ctx context.Context) (int64, error) {
	return tq.store.Client().ZCard(ctx, tq.uuidKey()).Result()
}

// IterTasks walks tasks in uuid-index order starting at offset, fetching
// perPipeline meta rows per round trip, and calls fn for each. Iteration
// stops when fn returns false or the index is exhausted. Rows missing
// because of a concurrent delete are skipped silently.
func (tq *TaskQueue) IterTasks(ctx context.Context, offset, perPipeline int64, fn func(*tasks.View) bool) error {
	if perPipeline <= 0 {
		perPipeline = 50
	}
	uuidKey := tq.uuidKey()
	for {
		entries, err := tq.store.Client().
			ZRangeWithScores(ctx, uuidKey, offset, offset+perPipeline-1).Result()
		if err != nil {
			return errors.Wrap(err, "walk uuid index")
		}
		if len(entries) == 0 {
			return nil
		}

		pipe := tq.store.Client().Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(entries))
		for i, entry := range entries {
			cmds[i] = pipe.HGetAll(ctx, tq.metaKey(int64(entry.Score)))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return errors.Wrap(err, "fetch task rows")
		}

		now := tq.clock.Now()
		for i, entry := range entries {
			fields, err := cmds[i].Result()
			if err != nil || len(fields) == 0 {
				// raced with a delete
				continue
			}
			task, err := tasks.UnmarshalHash(int64(entry.Score), fields)
			if err != nil {
				return err
			}
			if !fn(task.View(now)) {
				return nil
			}
		}
		if int64(len(entries)) < perPipeline {
			return nil
		}
		offset += perPipeline
	}
}

// ListTasks returns up to limit snapshots starting at offset, in uuid-index
// order.
func (tq *TaskQueue) ListTasks(ctx context.Context, offset, limit int64) ([]*tasks.View, error) {
	if limit <= 0 {
		limit = 50
	}
	perPipeline := limit + 10
	if perPipeline > 100 {
		perPipeline = 100
	}
	out := make([]*tasks.View, 0, limit)
	err := tq.IterTasks(ctx, offset, perPipeline, func(v *tasks.View) bool {
		out = append(out, v)
		return int64(len(out)) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// deleteTask removes the task row and every index entry in one optimistic
// transaction. The id counter is never decremented.
func (tq *TaskQueue) deleteTask(ctx context.Context, task *tasks.Task) error {
	metaKey := tq.metaKey(task.ID)
	uuidKey := tq.uuidKey()
	watched := []string{metaKey, uuidKey}
	if task.CName != "" {
		watched = append(watched, tq.cnameKey(task.CName))
	}
	return tq.store.Transaction(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, metaKey)
			if task.UUID != "" {
				pipe.ZRem(ctx, uuidKey, task.UUID)
			}
			if task.CName != "" {
				pipe.Del(ctx, tq.cnameKey(task.CName))
			}
			if task.Schedule != nil {
				pipe.ZRem(ctx, tq.schedKey(), task.ID)
			}
			return nil
		})
		return err
	}, watched...)
}

// DeleteTask removes a task by id, refusing while it is running.
func (tq *TaskQueue) DeleteTask(ctx context.Context, taskID int64) error {
	task, err := tq.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Normalized() == tasks.StatusRunning {
		return errors.Wrapf(ErrTaskStatusNotMatched,
			"task %d can not be deleted because it is running", taskID)
	}
	return tq.deleteTask(ctx, task)
}

// DeleteTaskByUUID removes a task by uuid. Unlike DeleteTask it does not
// refuse a running task; the worker finishing the dispatch tolerates the
// missing row.
func (tq *TaskQueue) DeleteTaskByUUID(ctx context.Context, uuid string) error {
	task, err := tq.loadTaskByUUID(ctx, uuid)
	if err != nil {
		return err
	}
	return tq.deleteTask(ctx, task)
}

// DeleteTaskByCName removes a task by cname. Like DeleteTaskByUUID it does
// not check for a running dispatch.
func (tq *TaskQueue) DeleteTaskByCName(ctx context.Context, cname string) error {
	task, err := tq.loadTaskByCName(ctx, cname)
	if err != nil {
		return err
	}
	return tq.deleteTask(ctx, task)
}

// updateStatus compares-and-sets the task status, stamping last_run_at with
// the instant of the transition. The previous status must be one of
// allowedPrev (the legacy "new" tag reads as enqueued); otherwise the CAS
// fails with ErrTaskStatusNotMatched and the caller treats the execution as
// owned by someone else. A WATCH conflict that survives retries means a
// concurrent writer owns the row, which is the same answer.
func (tq *TaskQueue) updateStatus(ctx context.Context, taskID int64, next tasks.Status, allowedPrev ...tasks.Status) (time.Time, error) {
	metaKey := tq.metaKey(taskID)
	var ranAt time.Time
	err := tq.store.Transaction(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, metaKey, "status").Result()
		if err == redis.Nil {
			return errors.Wrapf(ErrTaskNotFound, "task %d", taskID)
		}
		if err != nil {
			return errors.Wrapf(err, "read status of task %d", taskID)
		}
		var prev string
		if err := codec.Unmarshal(raw, &prev); err != nil {
			return err
		}
		if !statusIn(tasks.Status(prev).Normalized(), allowedPrev) {
			return errors.Wrapf(ErrTaskStatusNotMatched,
				"status of task %d is not matched (%s not in %v)",
				taskID, prev, allowedPrev)
		}
		ranAt = tq.clock.Now()
		fields, err := codec.MarshalFields(map[string]interface{}{
			"status":      string(next),
			"last_run_at": clock.FormatISO(ranAt),
		})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, metaKey, fields)
			return nil
		})
		return err
	}, metaKey)
	if errors.Is(err, redis.TxFailedErr) {
		return time.Time{}, errors.Wrapf(ErrTaskStatusNotMatched,
			"task %d is contended", taskID)
	}
	if err != nil {
		return time.Time{}, err
	}
	return ranAt, nil
}

func statusIn(s tasks.Status, set []tasks.Status) bool {
	for _, allowed := range set {
		if s == allowed.Normalized() {
			return true
		}
	}
	return false
}
