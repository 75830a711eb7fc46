package scheduler

import (
	"container/heap"
	"time"

	"github.com/harrison/taskflow/internal/models"
)

// queueItem is the ordering key of a queued task
type queueItem struct {
	id        int64
	priority  models.Priority
	createdAt time.Time
}

// taskHeap orders by priority descending, then created_at, then id
type taskHeap []queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].id < h[j].id
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue holds each task at most once. It is not safe for concurrent
// use; the dispatcher guards it.
type readyQueue struct {
	items  taskHeap
	queued map[int64]bool
}

func newReadyQueue() *readyQueue {
	return &readyQueue{queued: make(map[int64]bool)}
}

// push adds the task unless it is already queued
func (q *readyQueue) push(task *models.Task) bool {
	if q.queued[task.ID] {
		return false
	}
	q.queued[task.ID] = true
	heap.Push(&q.items, queueItem{id: task.ID, priority: task.Priority, createdAt: task.CreatedAt})
	return true
}

func (q *readyQueue) pop() (int64, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	item := heap.Pop(&q.items).(queueItem)
	delete(q.queued, item.id)
	return item.id, true
}

func (q *readyQueue) contains(id int64) bool {
	return q.queued[id]
}

func (q *readyQueue) len() int {
	return len(q.items)
}
