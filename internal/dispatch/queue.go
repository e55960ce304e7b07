package dispatch

import (
	"sync"

	"github.com/fjbalvino/magenta/internal/domain"
)

// queuedTask remembers a task's submission index so its result lands in the
// right report slot
type queuedTask struct {
	index int
	task  domain.TaskDescriptor
}

// queue is a FIFO of tasks shared by the workers of one batch
type queue struct {
	items []queuedTask
	mu    sync.Mutex
}

func newQueue(tasks []domain.TaskDescriptor) *queue {
	items := make([]queuedTask, len(tasks))
	for i, t := range tasks {
		items[i] = queuedTask{index: i, task: t}
	}
	return &queue{items: items}
}

// pop removes the oldest task. ok is false once the queue is drained.
func (q *queue) pop() (item queuedTask, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return queuedTask{}, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of tasks not yet handed to a worker
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
