package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueue_SameKeyRunsInOrder(t *testing.T) {
	d := New(Config{MaxWorkers: 8})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		d.Enqueue(context.Background(), "issue-42", Task{
			Label: "test",
			Fn: func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		})
	}
	d.Wait()

	if len(order) != 20 {
		t.Fatalf("expected 20 tasks, ran %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("tasks ran out of order at %d: %v", i, order)
		}
	}
}

func TestEnqueue_DifferentKeysRunConcurrently(t *testing.T) {
	d := New(Config{MaxWorkers: 2})

	release := make(chan struct{})
	firstRunning := make(chan struct{})
	var secondRan atomic.Bool

	d.Enqueue(context.Background(), "issue-1", Task{Fn: func(context.Context) error {
		close(firstRunning)
		<-release
		return nil
	}})
	<-firstRunning

	d.Enqueue(context.Background(), "issue-2", Task{Fn: func(context.Context) error {
		secondRan.Store(true)
		return nil
	}})

	deadline := time.After(2 * time.Second)
	for !secondRan.Load() {
		select {
		case <-deadline:
			t.Fatal("second key blocked behind first key's running task")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	d.Wait()
}

func TestEnqueue_WorkerCapHolds(t *testing.T) {
	d := New(Config{MaxWorkers: 2})

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		key := string(rune('a' + i))
		d.Enqueue(context.Background(), key, Task{Fn: func(context.Context) error {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}})
	}
	wg.Wait()
	d.Wait()

	if p := peak.Load(); p > 2 {
		t.Fatalf("worker cap exceeded: peak concurrency %d", p)
	}
}

func TestEnqueue_FailedTaskDoesNotStallQueue(t *testing.T) {
	d := New(Config{MaxWorkers: 1})

	var ran atomic.Bool
	d.Enqueue(context.Background(), "pr-7", Task{Fn: func(context.Context) error {
		return errors.New("boom")
	}})
	d.Enqueue(context.Background(), "pr-7", Task{Fn: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	d.Wait()

	if !ran.Load() {
		t.Fatal("failure of one task must not stall the key's queue")
	}
}

func TestEnqueue_PanicContained(t *testing.T) {
	d := New(Config{MaxWorkers: 1})

	var ran atomic.Bool
	d.Enqueue(context.Background(), "pr-7", Task{Fn: func(context.Context) error {
		panic("handler bug")
	}})
	d.Enqueue(context.Background(), "pr-7", Task{Fn: func(context.Context) error {
		ran.Store(true)
		return nil
	}})
	d.Wait()

	if !ran.Load() {
		t.Fatal("panic in one task must not kill the drain goroutine")
	}
}

func TestQueueDepth(t *testing.T) {
	d := New(Config{MaxWorkers: 1})

	release := make(chan struct{})
	running := make(chan struct{})
	d.Enqueue(context.Background(), "issue-1", Task{Fn: func(context.Context) error {
		close(running)
		<-release
		return nil
	}})
	<-running
	d.Enqueue(context.Background(), "issue-1", Task{Fn: func(context.Context) error { return nil }})
	d.Enqueue(context.Background(), "issue-1", Task{Fn: func(context.Context) error { return nil }})

	if depth := d.QueueDepth("issue-1"); depth != 2 {
		t.Fatalf("expected queue depth 2, got %d", depth)
	}
	if keys := d.ActiveKeys(); keys != 1 {
		t.Fatalf("expected 1 active key, got %d", keys)
	}
	close(release)
	d.Wait()

	if depth := d.QueueDepth("issue-1"); depth != 0 {
		t.Fatalf("expected drained queue, got depth %d", depth)
	}
}
