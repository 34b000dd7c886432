package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/asynxhq/asynx/pkg/codec"
	"github.com/asynxhq/asynx/pkg/executor"
	"github.com/asynxhq/asynx/pkg/fetcher"
	"github.com/asynxhq/asynx/pkg/keystore"
	"github.com/asynxhq/asynx/pkg/schedule"
	"github.com/asynxhq/asynx/pkg/tasks"
)

// recordedRequest captures one request the echo server received. Header
// names are lowercased so assertions do not depend on canonicalization.
type recordedRequest struct {
	method  string
	headers map[string]string
	body    string
}

// echo captures requests and answers them httpbin-style: a JSON document
// with the lowercased headers and the raw body.
type echo struct {
	mu       sync.Mutex
	status   int
	requests []recordedRequest
}

func (e *echo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	headers := make(map[string]string, len(r.Header))
	for key, vals := range r.Header {
		headers[strings.ToLower(key)] = strings.Join(vals, ", ")
	}
	e.mu.Lock()
	e.requests = append(e.requests, recordedRequest{
		method:  r.Method,
		headers: headers,
		body:    string(body),
	})
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if e.status != 0 {
		w.WriteHeader(e.status)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"headers": headers,
		"data":    string(body),
	})
}

func (e *echo) request(t *testing.T, i int) recordedRequest {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) <= i {
		t.Fatalf("Expected at least %d requests, got %d", i+1, len(e.requests))
	}
	return e.requests[i]
}

func setupDispatch(t *testing.T) (*miniredis.Miniredis, *Dispatcher, *TaskQueue, *echo, *httptest.Server) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := keystore.NewFromAddr(s.Addr())
	t.Cleanup(func() { store.Close() })

	sink := &echo{}
	server := httptest.NewServer(sink)
	t.Cleanup(server.Close)

	exec := executor.NewRedis(store)
	d := &Dispatcher{Store: store, Exec: exec, Fetcher: fetcher.New()}
	tq := New(store, exec, "test", "")
	return s, d, tq, sink, server
}

func TestDispatch(t *testing.T) {
	s, d, tq, sink, server := setupDispatch(t)
	ctx := context.Background()

	countdown := 42.0
	_, err := tq.AddTask(ctx, tasks.Request{
		Method:  "POST",
		URL:     server.URL + "/post",
		Payload: `{"a":"b"}`,
		Timeout: 30,
	}, &AddTaskOptions{CName: "thistask", Countdown: &countdown})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	if err := d.Dispatch(ctx, "test", "default", 1); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	req := sink.request(t, 0)
	if req.method != "POST" {
		t.Errorf("Expected POST, got %s", req.method)
	}
	if req.headers["x-asynx-taskuuid"] == "" {
		t.Error("Expected X-Asynx-TaskUUID header")
	}
	if req.headers["x-asynx-taskcname"] != "thistask" {
		t.Errorf("Expected cname header thistask, got %q", req.headers["x-asynx-taskcname"])
	}
	if req.headers["x-asynx-tasketa"] == "" || req.headers["x-asynx-tasketa"] == "-" {
		t.Errorf("Expected an eta header, got %q", req.headers["x-asynx-tasketa"])
	}
	if req.headers["x-asynx-queuename"] != "default" {
		t.Errorf("Expected queue header default, got %q", req.headers["x-asynx-queuename"])
	}
	if req.headers["user-agent"] != UserAgent {
		t.Errorf("Expected default user agent, got %q", req.headers["user-agent"])
	}
	if req.body != `{"a":"b"}` {
		t.Errorf("Expected payload to be sent, got %q", req.body)
	}

	// a one-shot task is removed after its dispatch
	if s.Exists("AX:META:test:default:1") {
		t.Error("Expected meta key to be deleted after dispatch")
	}
	if s.Exists("AX:CNAME:test:default:thistask") {
		t.Error("Expected cname key to be deleted after dispatch")
	}
	if s.Exists("AX:UUID:test:default") {
		t.Error("Expected uuid index to be empty after dispatch")
	}
}

func TestDispatchCallbackChain(t *testing.T) {
	_, d, tq, sink, server := setupDispatch(t)
	ctx := context.Background()

	countdown := 42.0
	success := tasks.HTTP(server.URL + "/post")
	_, err := tq.AddTask(ctx, tasks.Request{
		Method:  "POST",
		URL:     server.URL + "/post",
		Payload: `{"a":"b"}`,
		Timeout: 30,
	}, &AddTaskOptions{
		CName:     "thistask",
		Countdown: &countdown,
		OnSuccess: &success,
	})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	if err := d.Dispatch(ctx, "test", "default", 1); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// the success callback chained a sub-task
	sub, err := tq.GetTask(ctx, 2)
	if err != nil {
		t.Fatalf("Expected sub-task 2, got %v", err)
	}
	if sub.Request.Method != "POST" {
		t.Errorf("Expected chained POST, got %s", sub.Request.Method)
	}
	if sub.Request.Headers["X-Asynx-Chained"] != server.URL+"/post" {
		t.Errorf("Expected chained url header, got %q", sub.Request.Headers["X-Asynx-Chained"])
	}
	if sub.Request.Headers["X-Asynx-Chained-TaskCName"] != "thistask" {
		t.Errorf("Expected chained cname header, got %q", sub.Request.Headers["X-Asynx-Chained-TaskCName"])
	}
	if sub.Request.Headers["X-Asynx-Chained-TaskETA"] == "" {
		t.Error("Expected chained eta header")
	}
	if sub.Request.Headers["X-Asynx-Chained-TaskUUID"] == "" {
		t.Error("Expected chained uuid header")
	}

	if err := d.Dispatch(ctx, "test", "default", 2); err != nil {
		t.Fatalf("Dispatch of sub-task failed: %v", err)
	}

	req := sink.request(t, 1)
	if req.headers["x-asynx-chained"] != server.URL+"/post" {
		t.Errorf("Expected chained header on the wire, got %q", req.headers["x-asynx-chained"])
	}

	// the payload is the encoded capture of the parent's response
	var captured fetcher.Response
	if err := codec.Unmarshal(req.body, &captured); err != nil {
		t.Fatalf("Payload decode failed: %v", err)
	}
	if captured.StatusCode != 200 {
		t.Errorf("Expected captured status 200, got %d", captured.StatusCode)
	}
	var parentEcho struct {
		Headers map[string]string `json:"headers"`
		Data    string            `json:"data"`
	}
	if err := json.Unmarshal([]byte(captured.Content), &parentEcho); err != nil {
		t.Fatalf("Captured content decode failed: %v", err)
	}
	if parentEcho.Headers["x-asynx-taskcname"] != "thistask" {
		t.Errorf("Expected parent cname echoed, got %q", parentEcho.Headers["x-asynx-taskcname"])
	}
	if parentEcho.Headers["user-agent"] != UserAgent {
		t.Errorf("Expected parent user agent echoed, got %q", parentEcho.Headers["user-agent"])
	}
	if parentEcho.Data != `{"a":"b"}` {
		t.Errorf("Expected parent payload echoed, got %q", parentEcho.Data)
	}
}

// reportRecorder counts report callback deliveries.
type reportRecorder struct {
	mu    sync.Mutex
	calls []*fetcher.Response
}

func (r *reportRecorder) Report(_ context.Context, _ *tasks.Task, resp *fetcher.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resp)
}

func TestDispatchFailureReports(t *testing.T) {
	s, d, tq, sink, server := setupDispatch(t)
	sink.status = http.StatusInternalServerError
	recorder := &reportRecorder{}
	d.Report = recorder
	ctx := context.Background()

	_, err := tq.AddTask(ctx, tasks.Request{Method: "GET", URL: server.URL}, nil)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if err := d.Dispatch(ctx, "test", "default", 1); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	recorder.mu.Lock()
	calls := len(recorder.calls)
	recorder.mu.Unlock()
	if calls != 1 {
		t.Fatalf("Expected 1 report delivery, got %d", calls)
	}
	// the default on_failure report does not keep the task alive
	if s.Exists("AX:META:test:default:1") {
		t.Error("Expected task deleted after failed dispatch")
	}
}

func TestDispatchRecurringReschedules(t *testing.T) {
	s, d, tq, _, server := setupDispatch(t)
	ctx := context.Background()

	spec, err := schedule.Parse("every 30 seconds")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, err = tq.AddTask(ctx, tasks.Request{Method: "GET", URL: server.URL},
		&AddTaskOptions{CName: "recurring", Schedule: spec})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	if err := d.Dispatch(ctx, "test", "default", 1); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	view, err := tq.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("Expected recurring task to survive, got %v", err)
	}
	if view.Status != tasks.StatusScheduled {
		t.Errorf("Expected status scheduled, got %s", view.Status)
	}
	if view.LastRunAt == nil {
		t.Error("Expected last_run_at after a tick")
	}
	if !s.Exists("AX:SC:test:default") {
		t.Error("Expected schedule index to survive")
	}
}

func TestDispatchMissingTaskIsSilent(t *testing.T) {
	_, d, _, sink, _ := setupDispatch(t)

	if err := d.Dispatch(context.Background(), "test", "default", 99); err != nil {
		t.Fatalf("Expected silent return, got %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.requests) != 0 {
		t.Errorf("Expected no requests, got %d", len(sink.requests))
	}
}

func TestDispatchLosesStatusRace(t *testing.T) {
	_, d, tq, sink, server := setupDispatch(t)
	ctx := context.Background()

	_, err := tq.AddTask(ctx, tasks.Request{Method: "GET", URL: server.URL}, nil)
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	if _, err := tq.updateStatus(ctx, 1, tasks.StatusRunning, tasks.StatusEnqueued); err != nil {
		t.Fatalf("updateStatus failed: %v", err)
	}

	// a redundant delivery loses the CAS and performs nothing
	if err := d.Dispatch(ctx, "test", "default", 1); err != nil {
		t.Fatalf("Expected silent return, got %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.requests) != 0 {
		t.Errorf("Expected no requests, got %d", len(sink.requests))
	}
}
