// Package dispatch runs a batch of task descriptors with bounded parallelism
// and best-effort semantics: one failing task never stops its siblings.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/fjbalvino/magenta/internal/domain"
	"golang.org/x/sync/errgroup"
)

// TaskRunner executes a single task to a terminal result
type TaskRunner interface {
	Run(ctx context.Context, task domain.TaskDescriptor) domain.TaskResult
}

// StartFunc is called right before a worker invokes a task
type StartFunc func(index int, task domain.TaskDescriptor)

// ResultFunc is called once per task with its terminal result
type ResultFunc func(index int, result domain.TaskResult)

// Dispatcher runs batches on a fixed number of workers
type Dispatcher struct {
	runner    TaskRunner
	limit     int
	cancelled atomic.Bool
	pending   atomic.Pointer[queue]
	onStart   StartFunc
	onResult  ResultFunc
}

// New creates a dispatcher running at most limit tasks at once
func New(runner TaskRunner, limit int) (*Dispatcher, error) {
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	if limit < 1 {
		return nil, fmt.Errorf("concurrency limit must be positive, got %d", limit)
	}
	return &Dispatcher{runner: runner, limit: limit}, nil
}

// SetOnStart sets the callback invoked when a task starts
func (d *Dispatcher) SetOnStart(fn StartFunc) {
	d.onStart = fn
}

// SetOnResult sets the callback invoked when a task reaches its terminal result
func (d *Dispatcher) SetOnResult(fn ResultFunc) {
	d.onResult = fn
}

// Cancel sets the cooperative cancellation flag. Tasks that have not started
// are reported as skipped; running tasks finish their current attempt.
// The flag is sticky: later batches on this dispatcher are skipped entirely.
func (d *Dispatcher) Cancel() {
	if d.cancelled.CompareAndSwap(false, true) {
		log.Printf("[dispatch] cancellation requested, %d queued task(s) will be skipped", d.Queued())
	}
}

// Queued returns the number of tasks of the batch in progress that no
// worker has picked up yet
func (d *Dispatcher) Queued() int {
	if q := d.pending.Load(); q != nil {
		return q.Len()
	}
	return 0
}

// Cancelled reports whether Cancel has been called
func (d *Dispatcher) Cancelled() bool {
	return d.cancelled.Load()
}

// Dispatch runs every task and returns one result per task in submission
// order, regardless of completion order. Cancelling ctx has the same effect
// as Cancel.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []domain.TaskDescriptor) domain.BatchReport {
	report := make(domain.BatchReport, len(tasks))
	if len(tasks) == 0 {
		return report
	}

	stop := context.AfterFunc(ctx, d.Cancel)
	defer stop()

	q := newQueue(tasks)
	d.pending.Store(q)
	defer d.pending.Store(nil)
	workers := min(d.limit, len(tasks))

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				item, ok := q.pop()
				if !ok {
					return nil
				}
				// Each index is popped exactly once, so this worker owns report[item.index].
				report[item.index] = d.runOne(ctx, item)
				if d.onResult != nil {
					d.onResult(item.index, report[item.index])
				}
			}
		})
	}
	g.Wait()

	return report
}

func (d *Dispatcher) runOne(ctx context.Context, item queuedTask) (res domain.TaskResult) {
	if d.Cancelled() {
		return domain.SkippedResult(item.task.ID, domain.ReasonCancelled)
	}
	if d.onStart != nil {
		d.onStart(item.index, item.task)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Printf("[dispatch] runner panicked on %s: %v", item.task.ID, p)
			res = domain.TaskResult{
				TaskID:   item.task.ID,
				Status:   domain.StatusFailed,
				Reason:   domain.ReasonStartError,
				Attempts: 1,
				Error:    fmt.Sprintf("runner panic: %v", p),
			}
		}
	}()

	res = d.runner.Run(ctx, item.task)
	res.TaskID = item.task.ID
	return res
}
