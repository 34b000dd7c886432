// Package main provides a benchmark tool for asynx to measure add-task and
// dispatch throughput. It adds a large number of immediate tasks pointed at
// a local sink server and measures completion time.
//
// Usage:
//
//	go run benchmark/main.go -tasks 10000
//
// Run a worker (cmd/worker) alongside to measure the drain phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynxhq/asynx/pkg/executor"
	"github.com/asynxhq/asynx/pkg/keystore"
	"github.com/asynxhq/asynx/pkg/queue"
	"github.com/asynxhq/asynx/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 10000, "Number of tasks to add")
	numAdders := flag.Int("adders", 10, "Number of concurrent adders")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	targetURL := flag.String("url", "http://127.0.0.1:9999/sink", "URL the tasks request")
	flag.Parse()

	store := keystore.NewFromAddr(*redisAddr)
	defer store.Close()
	tq := queue.New(store, executor.NewRedis(store), "benchmark", "default")
	ctx := context.Background()

	fmt.Printf("asynx Benchmark\n")
	fmt.Printf("===============\n")
	fmt.Printf("Tasks to add: %d\n", *numTasks)
	fmt.Printf("Concurrent adders: %d\n\n", *numAdders)

	fmt.Printf("Starting add phase...\n")
	startAdd := time.Now()

	var wg sync.WaitGroup
	var added atomic.Int64
	tasksPerAdder := *numTasks / *numAdders

	for i := 0; i < *numAdders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < tasksPerAdder; j++ {
				req := tasks.Request{Method: "GET", URL: *targetURL}
				if _, err := tq.AddTask(ctx, req, nil); err != nil {
					fmt.Printf("Error adding: %v\n", err)
					return
				}
				added.Add(1)
			}
		}()
	}

	wg.Wait()
	addTime := time.Since(startAdd)

	fmt.Printf("✓ Added %d tasks in %s\n", added.Load(), addTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(added.Load())/addTime.Seconds())

	// Wait for dispatch: non-recurring tasks delete themselves, so the live
	// task count drains to zero once a worker processes everything.
	fmt.Printf("Waiting for all tasks to be dispatched...\n")
	startProcess := time.Now()

	for {
		remaining, err := tq.CountTasks(ctx)
		if err != nil {
			fmt.Printf("Error counting: %v\n", err)
			return
		}
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All tasks dispatched in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(*numTasks)/processTime.Seconds())

	totalTime := addTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/totalTime.Seconds())
}
