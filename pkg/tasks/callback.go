package tasks

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// CallbackKind discriminates the callback variants.
type CallbackKind int

const (
	// CallbackNone means no callback fires.
	CallbackNone CallbackKind = iota
	// CallbackReport delivers the captured response to the report sink.
	CallbackReport
	// CallbackDelete is a legacy hint; the post-dispatch step already
	// removes non-recurring tasks.
	CallbackDelete
	// CallbackHTTP POSTs the captured response to a URL via a sub-task.
	CallbackHTTP
	// CallbackSubtask enqueues a full sub-task carrying the response.
	CallbackSubtask
)

// The string sentinels exist only for wire compatibility with the stored
// encoding.
const (
	reportSentinel = "__report__"
	deleteSentinel = "__delete__"
)

// Callback is a discriminated descriptor of what to do with a captured
// response: nothing, report it, delete-hint, POST it to a URL, or enqueue a
// sub-task. The zero value is CallbackNone.
type Callback struct {
	Kind    CallbackKind
	URL     string
	Subtask *Subtask
}

// Report builds a report callback.
func Report() Callback { return Callback{Kind: CallbackReport} }

// Delete builds the legacy delete-hint callback.
func Delete() Callback { return Callback{Kind: CallbackDelete} }

// HTTP builds a callback that POSTs the response to url.
func HTTP(url string) Callback { return Callback{Kind: CallbackHTTP, URL: url} }

// RunSubtask builds a callback that enqueues st.
func RunSubtask(st *Subtask) Callback { return Callback{Kind: CallbackSubtask, Subtask: st} }

// IsZero reports whether the callback is a no-op.
func (c Callback) IsZero() bool { return c.Kind == CallbackNone }

func (c Callback) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CallbackNone:
		return []byte("null"), nil
	case CallbackReport:
		return json.Marshal(reportSentinel)
	case CallbackDelete:
		return json.Marshal(deleteSentinel)
	case CallbackHTTP:
		return json.Marshal(c.URL)
	case CallbackSubtask:
		return json.Marshal(c.Subtask)
	}
	return nil, errors.Errorf("tasks: unknown callback kind %d", c.Kind)
}

func (c *Callback) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Callback{}
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return errors.Wrap(err, "tasks: decode callback")
		}
		switch {
		case text == reportSentinel:
			*c = Report()
		case text == deleteSentinel:
			*c = Delete()
		case strings.HasPrefix(strings.ToLower(text), "http"):
			*c = HTTP(text)
		default:
			return errors.Errorf("tasks: unrecognized callback %q", text)
		}
		return nil
	}
	var st Subtask
	if err := json.Unmarshal(trimmed, &st); err != nil {
		return errors.Wrap(err, "tasks: decode sub-task callback")
	}
	*c = RunSubtask(&st)
	return nil
}

// Subtask is the record form of an add-task call, the shape a sub-task
// callback carries. ETA stays in its text form until the sub-task is added,
// when it is localized like any other client-supplied timestamp.
type Subtask struct {
	Request    Request   `json:"request"`
	CName      string    `json:"cname,omitempty"`
	Countdown  *float64  `json:"countdown,omitempty"`
	ETA        *string   `json:"eta,omitempty"`
	Schedule   string    `json:"schedule,omitempty"`
	OnSuccess  *Callback `json:"on_success,omitempty"`
	OnFailure  *Callback `json:"on_failure,omitempty"`
	OnComplete *Callback `json:"on_complete,omitempty"`
}

// Clone deep-copies the sub-task so dispatch-time header and payload
// injection never mutates the stored descriptor.
func (st *Subtask) Clone() *Subtask {
	if st == nil {
		return nil
	}
	out := &Subtask{
		Request:  st.Request.clone(),
		CName:    st.CName,
		Schedule: st.Schedule,
	}
	if st.Countdown != nil {
		v := *st.Countdown
		out.Countdown = &v
	}
	if st.ETA != nil {
		v := *st.ETA
		out.ETA = &v
	}
	out.OnSuccess = cloneCallback(st.OnSuccess)
	out.OnFailure = cloneCallback(st.OnFailure)
	out.OnComplete = cloneCallback(st.OnComplete)
	return out
}

func cloneCallback(c *Callback) *Callback {
	if c == nil {
		return nil
	}
	out := *c
	out.Subtask = c.Subtask.Clone()
	return &out
}
