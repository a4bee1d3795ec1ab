// Package dispatch serializes event handling per state key. Events for
// the same issue or pull request run strictly in arrival order; events
// for different keys run concurrently up to a global worker cap.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Task is one unit of event-handling work bound to a state key.
type Task struct {
	// Label names the task in logs (the event type, typically).
	Label string
	Fn    func(ctx context.Context) error
}

// Config holds the dependencies for the dispatcher.
type Config struct {
	// MaxWorkers caps how many tasks run at once across all keys.
	MaxWorkers int
	Logger     *slog.Logger
}

// Dispatcher owns the per-key queues and the worker goroutines draining
// them.
type Dispatcher struct {
	maxWorkers int
	logger     *slog.Logger

	mu      sync.Mutex
	queues  map[string][]Task
	running map[string]bool
	sem     chan struct{}
	wg      sync.WaitGroup
}

// New creates a Dispatcher with the given configuration.
func New(cfg Config) *Dispatcher {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		maxWorkers: maxWorkers,
		logger:     logger,
		queues:     make(map[string][]Task),
		running:    make(map[string]bool),
		sem:        make(chan struct{}, maxWorkers),
	}
}

// Enqueue appends a task to the queue for key and starts a drain
// goroutine if none is active for that key. It never blocks.
func (d *Dispatcher) Enqueue(ctx context.Context, key string, task Task) {
	d.mu.Lock()
	d.queues[key] = append(d.queues[key], task)
	if d.running[key] {
		d.mu.Unlock()
		return
	}
	d.running[key] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.drain(ctx, key)
}

// drain runs the queue for one key to exhaustion, one task at a time.
// Each task holds a global worker slot only while it executes, so a
// long queue for one key cannot starve the others.
func (d *Dispatcher) drain(ctx context.Context, key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			delete(d.running, key)
			d.mu.Unlock()
			return
		}
		task := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.abandon(key)
			return
		}
		d.execute(ctx, key, task)
		<-d.sem
	}
}

func (d *Dispatcher) execute(ctx context.Context, key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "key", key, "task", task.Label, "panic", r)
		}
	}()

	err := task.Fn(ctx)
	if err == nil {
		return
	}
	// Cancellation during shutdown is a clean exit, not a failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		d.logger.Info("task cancelled", "key", key, "task", task.Label)
		return
	}
	d.logger.Error("task failed", "key", key, "task", task.Label, "error", err)
}

// abandon drops the remaining queue for a key on shutdown.
func (d *Dispatcher) abandon(key string) {
	d.mu.Lock()
	dropped := len(d.queues[key])
	delete(d.queues, key)
	delete(d.running, key)
	d.mu.Unlock()
	if dropped > 0 {
		d.logger.Warn("dropping queued tasks on shutdown", "key", key, "count", dropped)
	}
}

// Wait blocks until every queue has drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// QueueDepth returns the number of queued tasks for a key, not counting
// one that is currently executing.
func (d *Dispatcher) QueueDepth(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[key])
}

// ActiveKeys returns how many keys currently have a drain goroutine.
func (d *Dispatcher) ActiveKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}
