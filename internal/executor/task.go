package executor

import (
	"sync"
	"time"

	"github.com/ChrisB0-2/extension-guard/internal/core"
)

// Task states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
)

// Task is one asynchronous cascade. Done is closed when the sweep ends.
type Task struct {
	id        string
	extension string
	startedAt time.Time
	done      chan struct{}

	mu     sync.Mutex
	result core.CascadeResult
}

func newTask(id, extension string, now time.Time) *Task {
	return &Task{
		id:        id,
		extension: extension,
		startedAt: now,
		done:      make(chan struct{}),
	}
}

func (t *Task) ID() string        { return t.id }
func (t *Task) Extension() string { return t.extension }

// Done is closed once the result is available.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the sweep summary and whether the sweep has finished.
func (t *Task) Result() (core.CascadeResult, bool) {
	select {
	case <-t.done:
	default:
		return core.CascadeResult{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, true
}

// Status is a point-in-time view of a task.
type Status struct {
	ID        string
	Extension string
	State     string
	StartedAt time.Time
	Result    core.CascadeResult // zero while running
}

// Status reports the current state of the task.
func (t *Task) Status() Status {
	st := Status{
		ID:        t.id,
		Extension: t.extension,
		State:     StateRunning,
		StartedAt: t.startedAt,
	}
	if res, ok := t.Result(); ok {
		st.State = StateCompleted
		st.Result = res
	}
	return st
}

func (t *Task) finish(res core.CascadeResult) {
	t.mu.Lock()
	t.result = res
	t.mu.Unlock()
	close(t.done)
}
