package transport

import (
	"sync"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/pkg/a2a"
)

// allowedTransitions encodes the Task state diagram (spec §4.3).
var allowedTransitions = map[a2a.TaskState]map[a2a.TaskState]bool{
	a2a.TaskStateSubmitted: {
		a2a.TaskStateRunning:  true,
		a2a.TaskStateFailed:   true,
		a2a.TaskStateCanceled: true,
	},
	a2a.TaskStateRunning: {
		a2a.TaskStateInputRequired: true,
		a2a.TaskStateCompleted:     true,
		a2a.TaskStateFailed:        true,
		a2a.TaskStateCanceled:      true,
	},
	a2a.TaskStateInputRequired: {
		a2a.TaskStateRunning: true, // resumed after human/tool response
		a2a.TaskStateFailed:  true, // HumanEscalationTimeout
		a2a.TaskStateCanceled: true,
	},
}

// Task is one dispatched step (spec §3 Task entity).
type Task struct {
	TaskID    string
	ContextID string

	mu        sync.Mutex
	state     a2a.TaskState
	lastError string
}

// NewTask creates a Task in its initial submitted state.
func NewTask(taskID, contextID string) *Task {
	return &Task{TaskID: taskID, ContextID: contextID, state: a2a.TaskStateSubmitted}
}

// State returns the current state.
func (t *Task) State() a2a.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves the task to next, rejecting invalid transitions.
func (t *Task) Transition(next a2a.TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == next {
		return nil
	}
	if a2a.IsTerminalTaskState(t.state) {
		return apperror.New(apperror.KindProtocol, "task already in terminal state "+string(t.state))
	}
	allowed := allowedTransitions[t.state]
	if !allowed[next] {
		return apperror.New(apperror.KindProtocol, "invalid task transition "+string(t.state)+" -> "+string(next))
	}
	t.state = next
	return nil
}

// Fail transitions to failed, recording the error detail.
func (t *Task) Fail(detail string) {
	t.mu.Lock()
	t.lastError = detail
	if !a2a.IsTerminalTaskState(t.state) {
		t.state = a2a.TaskStateFailed
	}
	t.mu.Unlock()
}

// LastError returns the last recorded failure detail, if any.
func (t *Task) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}
