package lock

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a per-task lock cannot be acquired within the
// bounded wait.
var ErrBusy = errors.New("task busy")

// TaskLocks serializes writers per task id. Forked tasks get their own id
// and therefore their own lock domain.
type TaskLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func NewTaskLocks() *TaskLocks {
	return &TaskLocks{sems: make(map[string]chan struct{})}
}

func (l *TaskLocks) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sems[key]; ok {
		return s
	}
	s := make(chan struct{}, 1)
	l.sems[key] = s
	return s
}

// Acquire takes the lock for key, waiting at most wait. On success the
// returned release func must be called exactly once.
func (l *TaskLocks) Acquire(key string, wait time.Duration) (func(), error) {
	s := l.sem(key)
	if wait <= 0 {
		select {
		case s <- struct{}{}:
			return func() { <-s }, nil
		default:
			return nil, ErrBusy
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-timer.C:
		return nil, ErrBusy
	}
}
