// Package tasks defines the task value object of the queue: the HTTP request
// description, scheduling info, status, callback descriptors, and the
// encoding of all of it into the meta hash stored per task.
package tasks

import (
	"time"

	"github.com/pkg/errors"

	"github.com/asynxhq/asynx/pkg/clock"
	"github.com/asynxhq/asynx/pkg/codec"
	"github.com/asynxhq/asynx/pkg/schedule"
)

// Status is the lifecycle state of a task.
//
// A task is enqueued when submitted with no meaningful delay, delayed while
// a one-shot delay is pending, scheduled while a recurring task waits for
// its next fire, and running while exactly one worker holds the dispatch.
type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusScheduled Status = "scheduled"
	StatusDelayed   Status = "delayed"
	StatusRunning   Status = "running"

	// statusLegacyNew appears in records written by old deployments and
	// reads as enqueued.
	statusLegacyNew Status = "new"
)

// Normalized maps the legacy "new" tag onto enqueued.
func (s Status) Normalized() Status {
	if s == statusLegacyNew {
		return StatusEnqueued
	}
	return s
}

// Request describes the HTTP call a task performs. Timeout is in seconds.
// A nil AllowRedirects defers to the per-method default applied at dispatch.
type Request struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        string            `json:"payload,omitempty"`
	Timeout        float64           `json:"timeout,omitempty"`
	AllowRedirects *bool             `json:"allow_redirects,omitempty"`
}

// clone copies the request, including its header map.
func (r Request) clone() Request {
	out := r
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for key, val := range r.Headers {
			out.Headers[key] = val
		}
	}
	if r.AllowRedirects != nil {
		v := *r.AllowRedirects
		out.AllowRedirects = &v
	}
	return out
}

// Task is one persisted task. ETA and LastRunAt are always UTC. Schedule is
// nil for one-shot tasks. Countdown is never stored; it is recomputed from
// ETA at read time.
type Task struct {
	ID        int64
	UUID      string
	CName     string
	Request   Request
	ETA       *time.Time
	Schedule  schedule.Spec
	LastRunAt *time.Time
	Status    Status

	OnSuccess  Callback
	OnFailure  Callback
	OnComplete Callback
}

// Countdown derives the relative delay from ETA, nil when no ETA is set.
func (t *Task) Countdown(now time.Time) *float64 {
	if t.ETA == nil {
		return nil
	}
	seconds := t.ETA.Sub(now).Seconds()
	return &seconds
}

// hash field names. The id is the key suffix and is never a field;
// countdown is derived and never stored.
const (
	fieldRequest    = "request"
	fieldUUID       = "uuid"
	fieldCName      = "cname"
	fieldETA        = "eta"
	fieldSchedule   = "schedule"
	fieldLastRunAt  = "last_run_at"
	fieldStatus     = "status"
	fieldOnSuccess  = "on_success"
	fieldOnFailure  = "on_failure"
	fieldOnComplete = "on_complete"
)

// MarshalHash encodes the task into meta hash fields.
func (t *Task) MarshalHash() (map[string]string, error) {
	fields := map[string]interface{}{
		fieldRequest:    t.Request,
		fieldUUID:       nullableString(t.UUID),
		fieldCName:      nullableString(t.CName),
		fieldStatus:     string(t.Status),
		fieldOnSuccess:  t.OnSuccess,
		fieldOnFailure:  t.OnFailure,
		fieldOnComplete: t.OnComplete,
	}
	if t.ETA != nil {
		fields[fieldETA] = clock.FormatISO(*t.ETA)
	} else {
		fields[fieldETA] = nil
	}
	if t.Schedule != nil {
		fields[fieldSchedule] = t.Schedule.String()
	} else {
		fields[fieldSchedule] = nil
	}
	if t.LastRunAt != nil {
		fields[fieldLastRunAt] = clock.FormatISO(*t.LastRunAt)
	} else {
		fields[fieldLastRunAt] = nil
	}
	return codec.MarshalFields(fields)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// UnmarshalHash decodes meta hash fields into a task. Unknown fields are
// ignored so old readers tolerate new writers.
func UnmarshalHash(id int64, fields map[string]string) (*Task, error) {
	task := &Task{ID: id, Status: StatusEnqueued}
	if raw, ok := fields[fieldRequest]; ok {
		if err := codec.Unmarshal(raw, &task.Request); err != nil {
			return nil, errors.Wrapf(err, "task %d", id)
		}
	}
	var err error
	if task.UUID, err = stringField(fields, fieldUUID, id); err != nil {
		return nil, err
	}
	if task.CName, err = stringField(fields, fieldCName, id); err != nil {
		return nil, err
	}
	if task.ETA, err = timeField(fields, fieldETA, id); err != nil {
		return nil, err
	}
	if task.LastRunAt, err = timeField(fields, fieldLastRunAt, id); err != nil {
		return nil, err
	}
	if raw, ok := fields[fieldSchedule]; ok {
		var text *string
		if err := codec.Unmarshal(raw, &text); err != nil {
			return nil, errors.Wrapf(err, "task %d", id)
		}
		if text != nil {
			if task.Schedule, err = schedule.Parse(*text); err != nil {
				return nil, errors.Wrapf(err, "task %d", id)
			}
		}
	}
	if raw, ok := fields[fieldStatus]; ok {
		var status string
		if err := codec.Unmarshal(raw, &status); err != nil {
			return nil, errors.Wrapf(err, "task %d", id)
		}
		task.Status = Status(status).Normalized()
	}
	for field, target := range map[string]*Callback{
		fieldOnSuccess:  &task.OnSuccess,
		fieldOnFailure:  &task.OnFailure,
		fieldOnComplete: &task.OnComplete,
	} {
		if raw, ok := fields[field]; ok {
			if err := codec.Unmarshal(raw, target); err != nil {
				return nil, errors.Wrapf(err, "task %d", id)
			}
		}
	}
	return task, nil
}

func stringField(fields map[string]string, field string, id int64) (string, error) {
	raw, ok := fields[field]
	if !ok {
		return "", nil
	}
	var val *string
	if err := codec.Unmarshal(raw, &val); err != nil {
		return "", errors.Wrapf(err, "task %d", id)
	}
	if val == nil {
		return "", nil
	}
	return *val, nil
}

func timeField(fields map[string]string, field string, id int64) (*time.Time, error) {
	raw, ok := fields[field]
	if !ok {
		return nil, nil
	}
	var text *string
	if err := codec.Unmarshal(raw, &text); err != nil {
		return nil, errors.Wrapf(err, "task %d", id)
	}
	if text == nil {
		return nil, nil
	}
	t, err := clock.ParseISOUTC(*text)
	if err != nil {
		return nil, errors.Wrapf(err, "task %d field %s", id, field)
	}
	return &t, nil
}

// View is the snapshot returned to clients. Countdown is recomputed from
// ETA at the moment the view is taken.
type View struct {
	ID         int64      `json:"id"`
	UUID       string     `json:"uuid,omitempty"`
	CName      string     `json:"cname,omitempty"`
	Request    Request    `json:"request"`
	ETA        *time.Time `json:"eta,omitempty"`
	Countdown  *float64   `json:"countdown,omitempty"`
	Schedule   string     `json:"schedule,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	Status     Status     `json:"status"`
	OnSuccess  Callback   `json:"on_success"`
	OnFailure  Callback   `json:"on_failure"`
	OnComplete Callback   `json:"on_complete"`
}

// View snapshots the task for a client.
func (t *Task) View(now time.Time) *View {
	v := &View{
		ID:         t.ID,
		UUID:       t.UUID,
		CName:      t.CName,
		Request:    t.Request.clone(),
		ETA:        t.ETA,
		Countdown:  t.Countdown(now),
		LastRunAt:  t.LastRunAt,
		Status:     t.Status.Normalized(),
		OnSuccess:  t.OnSuccess,
		OnFailure:  t.OnFailure,
		OnComplete: t.OnComplete,
	}
	if t.Schedule != nil {
		v.Schedule = t.Schedule.String()
	}
	return v
}
