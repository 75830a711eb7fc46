package scheduler

import "sync"

// taskLocks grants one worker at a time the right to drive a task
type taskLocks struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func newTaskLocks() *taskLocks {
	return &taskLocks{held: make(map[int64]struct{})}
}

// TryLock never blocks. It returns false when the task is already held.
func (l *taskLocks) TryLock(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *taskLocks) Unlock(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

func (l *taskLocks) Held(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}
