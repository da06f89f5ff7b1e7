package core

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/clibridge/internal/session"
)

// task is one dispatched message. Fields after mu are guarded by it.
type task struct {
	id        string
	sessionID string
	message   string

	// respond carries the caller's answer to a blocked worker.
	respond chan string

	mu      sync.Mutex
	status  TaskStatus
	result  string
	prompt  string
	partial bool
	queued  bool
	created time.Time
	updated time.Time
}

func newTask(id, sessionID, message string, now time.Time) *task {
	return &task{
		id:        id,
		sessionID: sessionID,
		message:   message,
		respond:   make(chan string, 1),
		status:    TaskRunning,
		queued:    true,
		created:   now,
		updated:   now,
	}
}

func (t *task) view() TaskView {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := TaskView{
		TaskID:    t.id,
		SessionID: t.sessionID,
		Status:    t.status,
		Queued:    t.queued,
		CreatedAt: t.created,
		UpdatedAt: t.updated,
	}
	switch t.status {
	case TaskComplete, TaskError:
		v.Result = t.result
		v.Partial = t.partial
	case TaskBlocked:
		v.Prompt = t.prompt
	}
	return v
}

func (t *task) snapshot() (TaskStatus, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.updated
}

func (t *task) start(now time.Time) {
	t.mu.Lock()
	t.queued = false
	t.updated = now
	t.mu.Unlock()
}

func (t *task) block(prompt string, now time.Time) {
	t.mu.Lock()
	if !t.status.Terminal() {
		t.status = TaskBlocked
		t.prompt = prompt
		t.updated = now
	}
	t.mu.Unlock()
}

// answer moves a blocked task back to RUNNING and hands text to its worker.
func (t *task) answer(text string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TaskBlocked {
		return &InvalidInteractionStateError{TaskID: t.id, Status: t.status}
	}
	t.status = TaskRunning
	t.prompt = ""
	t.updated = now
	t.respond <- text
	return nil
}

// finish records a terminal state. The first terminal state wins.
func (t *task) finish(status TaskStatus, result string, partial bool, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = status
	t.result = result
	t.partial = partial
	t.prompt = ""
	t.queued = false
	t.updated = now
	return true
}

// describeFailure renders a turn error as task result text. Partial output
// collected before the failure is appended.
func describeFailure(err error) (string, bool) {
	var (
		timeout *session.TurnTimeoutError
		died    *session.ProcessDiedError
		partial string
	)
	switch {
	case errors.As(err, &timeout):
		partial = timeout.Partial
	case errors.As(err, &died):
		partial = died.Partial
	case errors.Is(err, session.ErrSessionClosed):
		return "session closed", false
	}
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return err.Error(), false
	}
	return fmt.Sprintf("%s\n\npartial output:\n%s", err.Error(), partial), true
}
