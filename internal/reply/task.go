// Package reply streams LLM answers into chat messages: one placeholder
// message per reply, updated by edits, with tool calls intercepted and
// rendered in place.
package reply

import (
	"context"
	"sync"
	"sync/atomic"
)

// State is the reply task lifecycle.
type State int32

const (
	StateInit State = iota
	StateStreaming
	StateToolRunning
	StateFinalizing
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateToolRunning:
		return "tool_running"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one in-flight reply. Cancellation is cooperative: the pipeline
// checks the context at every suspension point.
type Task struct {
	ID       string
	ThreadID string
	EntityID string

	state  atomic.Int32
	cancel context.CancelFunc
}

// NewTask creates a task bound to a cancel function.
func NewTask(id, threadID, entityID string, cancel context.CancelFunc) *Task {
	return &Task{ID: id, ThreadID: threadID, EntityID: entityID, cancel: cancel}
}

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// SetState transitions the task. Terminal states stick.
func (t *Task) SetState(s State) {
	for {
		cur := t.state.Load()
		if State(cur) == StateDone || State(cur) == StateCancelled || State(cur) == StateFailed {
			return
		}
		if t.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Cancel aborts the task's context.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// StopManager maps thread id to the active reply task so a !stop in a
// thread cancels exactly that thread's reply.
type StopManager struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewStopManager creates an empty manager.
func NewStopManager() *StopManager {
	return &StopManager{tasks: make(map[string]*Task)}
}

// Register installs the task for its thread, replacing any finished entry.
func (m *StopManager) Register(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ThreadID] = task
}

// Clear removes the entry when it still points at the given task.
func (m *StopManager) Clear(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tasks[task.ThreadID]; ok && cur == task {
		delete(m.tasks, task.ThreadID)
	}
}

// Get returns the active task for a thread.
func (m *StopManager) Get(threadID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[threadID]
	return t, ok
}

// Cancel aborts the active task in a thread. Returns false when none runs.
func (m *StopManager) Cancel(threadID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[threadID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	task.Cancel()
	return true
}

// CancelAll aborts every active task. Used on shutdown.
func (m *StopManager) CancelAll() {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
}
