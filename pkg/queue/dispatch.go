package queue

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/asynxhq/asynx/pkg/clock"
	"github.com/asynxhq/asynx/pkg/codec"
	"github.com/asynxhq/asynx/pkg/executor"
	"github.com/asynxhq/asynx/pkg/fetcher"
	"github.com/asynxhq/asynx/pkg/keystore"
	"github.com/asynxhq/asynx/pkg/schedule"
	"github.com/asynxhq/asynx/pkg/tasks"
)

// UserAgent is sent when the task's request does not set one.
const UserAgent = "asynx/1.1.0"

// Dispatcher is the worker-side entry point. The executor invokes Dispatch
// once a submission's delay elapses; it reconstructs the TaskQueue for the
// submission's (appname, queuename) and runs the task.
type Dispatcher struct {
	Store     *keystore.Store
	Exec      executor.DelayedExecutor
	Fetcher   fetcher.Fetcher
	Localzone *time.Location
	Report    ReportSink
}

// Dispatch loads and runs one task. A task deleted since submission is a
// silent no-op, as is losing the running CAS to a concurrent delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, appname, queuename string, taskID int64) error {
	tq := New(d.Store, d.Exec, appname, queuename,
		WithLocalzone(d.Localzone),
		WithFetcher(d.Fetcher),
		WithReportSink(d.Report))
	task, err := tq.loadTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tq.dispatch(ctx, task)
}

// dispatch acquires the running slot, performs the HTTP call, fires
// callbacks, then reschedules (recurring) or deletes the task. An HTTP
// failure surfaces to the worker with the task left running; the executor
// runner logs it and acks the submission without retrying.
func (tq *TaskQueue) dispatch(ctx context.Context, task *tasks.Task) error {
	ranAt, err := tq.updateStatus(ctx, task.ID, tasks.StatusRunning,
		tasks.StatusEnqueued, tasks.StatusScheduled, tasks.StatusDelayed)
	if errors.Is(err, ErrTaskStatusNotMatched) {
		// another delivery owns this execution
		tq.log.Debug().Int64("task_id", task.ID).Msg("Dispatch lost the status race")
		return nil
	}
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	task.Status = tasks.StatusRunning
	task.LastRunAt = &ranAt

	resp, err := tq.performRequest(ctx, task)
	if err != nil {
		return errors.Wrapf(err, "dispatch task %d", task.ID)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 303 {
		tq.runCallback(ctx, task, task.OnSuccess, resp)
	} else {
		tq.runCallback(ctx, task, task.OnFailure, resp)
	}
	tq.runCallback(ctx, task, task.OnComplete, resp)

	if task.Schedule != nil {
		return tq.dispatchTask(ctx, task)
	}
	if err := tq.deleteTask(ctx, task); err != nil && !errors.Is(err, ErrTaskNotFound) {
		return err
	}
	return nil
}

// performRequest executes the task's HTTP call with the queue headers
// injected. Redirects default to on for GET/OPTIONS and off for HEAD; the
// payload is sent only for POST/PUT/PATCH.
func (tq *TaskQueue) performRequest(ctx context.Context, task *tasks.Task) (*fetcher.Response, error) {
	req := task.Request
	headers := make(map[string]string, len(req.Headers)+5)
	for key, val := range req.Headers {
		headers[key] = val
	}
	headers["X-Asynx-QueueName"] = tq.queuename
	headers["X-Asynx-TaskUUID"] = task.UUID
	headers["X-Asynx-TaskETA"] = etaText(task.ETA)
	if task.CName != "" {
		headers["X-Asynx-TaskCName"] = task.CName
	}
	if !hasHeader(headers, "User-Agent") {
		headers["User-Agent"] = UserAgent
	}

	opts := fetcher.Options{
		Method:  req.Method,
		URL:     req.URL,
		Headers: headers,
	}
	switch req.Method {
	case "POST", "PUT", "PATCH":
		opts.Body = req.Payload
	}
	if req.Timeout > 0 {
		opts.Timeout = clock.Seconds(req.Timeout)
	}
	if req.AllowRedirects != nil {
		opts.FollowRedirects = req.AllowRedirects
	} else {
		switch req.Method {
		case "GET", "OPTIONS":
			follow := true
			opts.FollowRedirects = &follow
		case "HEAD":
			follow := false
			opts.FollowRedirects = &follow
		}
	}
	return tq.fetch.Fetch(ctx, opts)
}

func etaText(eta *time.Time) string {
	if eta == nil {
		return "-"
	}
	return clock.FormatISO(*eta)
}

func hasHeader(headers map[string]string, name string) bool {
	for key := range headers {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}

// runCallback fires one callback descriptor. Callback failures are logged
// and swallowed; they never fail the dispatch itself.
func (tq *TaskQueue) runCallback(ctx context.Context, task *tasks.Task, cb tasks.Callback, resp *fetcher.Response) {
	var st *tasks.Subtask
	switch cb.Kind {
	case tasks.CallbackNone, tasks.CallbackDelete:
		// __delete__ is a hint; the post-dispatch step already removes
		// non-recurring tasks.
		return
	case tasks.CallbackReport:
		tq.report.Report(ctx, task, resp)
		return
	case tasks.CallbackHTTP:
		st = &tasks.Subtask{Request: tasks.Request{Method: "POST", URL: cb.URL}}
	case tasks.CallbackSubtask:
		st = cb.Subtask.Clone()
	default:
		return
	}

	if st.Request.Headers == nil {
		st.Request.Headers = make(map[string]string, 4)
	}
	st.Request.Headers["X-Asynx-Chained"] = task.Request.URL
	st.Request.Headers["X-Asynx-Chained-TaskUUID"] = task.UUID
	st.Request.Headers["X-Asynx-Chained-TaskETA"] = etaText(task.ETA)
	if task.CName != "" {
		st.Request.Headers["X-Asynx-Chained-TaskCName"] = task.CName
	}
	payload, err := codec.Marshal(resp)
	if err != nil {
		tq.log.Error().Err(err).Int64("task_id", task.ID).Msg("Callback payload encode failed")
		return
	}
	st.Request.Payload = payload

	if _, err := tq.AddTaskRecord(ctx, st); err != nil {
		if errors.Is(err, ErrTaskAlreadyExists) {
			tq.log.Warn().Err(err).Int64("task_id", task.ID).Msg("Chained task already exists")
		} else {
			tq.log.Error().Err(err).Int64("task_id", task.ID).Msg("Chained task failed")
		}
	}
}

// AddTaskRecord adds a task from its record form — the shape sub-task
// callbacks and the REST surface carry. The eta text is localized with the
// queue's zone.
func (tq *TaskQueue) AddTaskRecord(ctx context.Context, st *tasks.Subtask) (*tasks.View, error) {
	opts := &AddTaskOptions{
		CName:      st.CName,
		Countdown:  st.Countdown,
		OnSuccess:  st.OnSuccess,
		OnFailure:  st.OnFailure,
		OnComplete: st.OnComplete,
	}
	if st.ETA != nil {
		eta, err := tq.ParseETA(*st.ETA)
		if err != nil {
			return nil, err
		}
		opts.ETA = &eta
	}
	if st.Schedule != "" {
		spec, err := schedule.Parse(st.Schedule)
		if err != nil {
			return nil, err
		}
		opts.Schedule = spec
	}
	return tq.AddTask(ctx, st.Request, opts)
}
