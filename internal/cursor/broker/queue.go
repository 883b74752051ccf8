package broker

import (
	"errors"
	"sync"
)

// ErrQueueFull is returned by enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("command queue is full")

// commandQueue is a bounded FIFO of pending commands. It only orders
// dispatch; command state lives on the Command and is guarded by the
// broker's mutex.
type commandQueue struct {
	mu      sync.Mutex
	items   []*Command
	maxSize int
}

func newCommandQueue(maxSize int) *commandQueue {
	return &commandQueue{maxSize: maxSize}
}

// enqueue appends cmd and returns its 1-based queue position.
func (q *commandQueue) enqueue(cmd *Command) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.maxSize {
		return 0, ErrQueueFull
	}
	q.items = append(q.items, cmd)
	return len(q.items), nil
}

// dequeue removes and returns the head, or nil when empty.
func (q *commandQueue) dequeue() *Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	cmd := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return cmd
}

// remove drops the command with the given id, if still queued.
func (q *commandQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cmd := range q.items {
		if cmd.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// removeTask drops every queued command belonging to taskID and returns them.
func (q *commandQueue) removeTask(taskID string) []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*Command
	kept := q.items[:0:0]
	for _, cmd := range q.items {
		if cmd.TaskID == taskID {
			removed = append(removed, cmd)
		} else {
			kept = append(kept, cmd)
		}
	}
	q.items = kept
	return removed
}

// drain empties the queue and returns everything that was pending.
func (q *commandQueue) drain() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// position returns the 1-based position of id, or 0 if not queued.
func (q *commandQueue) position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cmd := range q.items {
		if cmd.ID == id {
			return i + 1
		}
	}
	return 0
}
