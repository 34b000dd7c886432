package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/asynxhq/asynx/pkg/keystore"
)

func setupExecutor(t *testing.T) (*miniredis.Miniredis, *keystore.Store, *RedisExecutor) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := keystore.NewFromAddr(s.Addr())
	t.Cleanup(func() { store.Close() })
	return s, store, NewRedis(store)
}

func TestSubmit(t *testing.T) {
	s, store, exec := setupExecutor(t)
	ctx := context.Background()

	uuid1, err := exec.Submit(ctx, "test", "default", 1, 10*time.Second)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	uuid2, err := exec.Submit(ctx, "test", "default", 1, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if uuid1 == "" || uuid1 == uuid2 {
		t.Errorf("Expected distinct submission ids, got %q and %q", uuid1, uuid2)
	}

	if !s.Exists(delayedKey) {
		t.Fatal("Expected broker zset to exist")
	}
	entries, err := store.Client().ZRangeWithScores(ctx, delayedKey, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 submissions, got %d", len(entries))
	}
	// the delayed submission scores in the future
	future := float64(time.Now().Add(5 * time.Second).UnixNano())
	if entries[1].Score <= future {
		t.Error("Expected the delayed submission to be due later")
	}
}

func TestRunnerDispatchesDueSubmission(t *testing.T) {
	_, store, exec := setupExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type delivery struct {
		appname   string
		queuename string
		taskID    int64
	}
	got := make(chan delivery, 1)
	dispatch := func(ctx context.Context, appname, queuename string, taskID int64) error {
		got <- delivery{appname, queuename, taskID}
		return nil
	}

	runner := NewRunner(store, dispatch, 2, 50*time.Millisecond)
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	if _, err := exec.Submit(ctx, "test", "default", 42, 0); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case d := <-got:
		if d.appname != "test" || d.queuename != "default" || d.taskID != 42 {
			t.Errorf("Unexpected delivery %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for dispatch")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for runner shutdown")
	}
}

func TestRunnerHoldsUndueSubmission(t *testing.T) {
	_, store, exec := setupExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	dispatched := 0
	dispatch := func(ctx context.Context, appname, queuename string, taskID int64) error {
		mu.Lock()
		dispatched++
		mu.Unlock()
		return nil
	}

	runner := NewRunner(store, dispatch, 1, 50*time.Millisecond)
	go runner.Run(ctx)

	if _, err := exec.Submit(ctx, "test", "default", 1, time.Hour); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dispatched != 0 {
		t.Errorf("Expected no dispatch before the delay elapses, got %d", dispatched)
	}
}

func TestDepths(t *testing.T) {
	_, _, exec := setupExecutor(t)
	ctx := context.Background()

	if _, err := exec.Submit(ctx, "test", "default", 1, time.Hour); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	depths := exec.Depths(ctx)
	if depths["delayed"] != 1 {
		t.Errorf("Expected 1 delayed submission, got %d", depths["delayed"])
	}
}
