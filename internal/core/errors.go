package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManySessions is returned when sessions.max_sessions is reached.
	ErrTooManySessions = errors.New("maximum number of sessions reached")
	// ErrQueueFull is returned when a session's task queue cannot take more work.
	ErrQueueFull = errors.New("task queue is full")
	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
	// ErrInvalidSessionID is returned for ids outside [A-Za-z0-9_.-]{1,64}.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrEmptyMessage is returned when dispatching blank text.
	ErrEmptyMessage = errors.New("message is empty")
)

// SessionNotFoundError reports an unknown session id. Exited is set when the
// session existed but its process had died and it was just removed.
type SessionNotFoundError struct {
	ID     string
	Exited bool
}

func (e *SessionNotFoundError) Error() string {
	if e.Exited {
		return fmt.Sprintf("session %q is no longer running and was removed", e.ID)
	}
	return fmt.Sprintf("session %q not found", e.ID)
}

// SessionExistsError reports a start request for a live session id.
type SessionExistsError struct {
	ID string
}

func (e *SessionExistsError) Error() string {
	return fmt.Sprintf("session %q already exists", e.ID)
}

// TaskNotFoundError reports an unknown or already evicted task id.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.ID)
}

// InvalidInteractionStateError reports a response to a task that is not
// waiting for one.
type InvalidInteractionStateError struct {
	TaskID string
	Status TaskStatus
}

func (e *InvalidInteractionStateError) Error() string {
	return fmt.Sprintf("task %q is %s, not %s", e.TaskID, e.Status, TaskBlocked)
}
