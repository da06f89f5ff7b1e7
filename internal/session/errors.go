package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionBusy is returned when a turn is already in flight.
	ErrSessionBusy = errors.New("session busy: a turn is already in flight")
	// ErrNotBlocked is returned by Respond when no turn waits for an answer.
	ErrNotBlocked = errors.New("session is not waiting for an interaction response")
	// ErrInteractionPending is returned by Send while a turn waits for an answer.
	ErrInteractionPending = errors.New("session is waiting for an interaction response")
)

// LaunchReason classifies launch failures.
type LaunchReason string

const (
	ReasonNotFound       LaunchReason = "not_found"
	ReasonNotFunctional  LaunchReason = "not_functional"
	ReasonBadWorkDir     LaunchReason = "bad_workdir"
	ReasonSpawnFailed    LaunchReason = "spawn_failed"
	ReasonExited         LaunchReason = "exited"
	ReasonStartupTimeout LaunchReason = "startup_timeout"
)

// LaunchError reports why a session could not be started.
type LaunchError struct {
	Binary   string
	Reason   LaunchReason
	ExitCode int
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launch %s: %s", e.Binary, e.Reason)
	if e.Reason == ReasonExited {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }

// TurnTimeoutError is returned when a turn hits the hard wait limit. Partial
// holds whatever answer text was extracted before the limit.
type TurnTimeoutError struct {
	Timeout time.Duration
	Partial string
}

func (e *TurnTimeoutError) Error() string {
	if e.Partial == "" {
		return fmt.Sprintf("turn timed out after %s with no output", e.Timeout)
	}
	return fmt.Sprintf("turn timed out after %s; output may be partial", e.Timeout)
}

// ProcessDiedError is returned when the assistant exits during a turn.
type ProcessDiedError struct {
	ExitCode int
	Signal   string
	Partial  string
}

func (e *ProcessDiedError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("assistant process killed by %s", e.Signal)
	}
	return fmt.Sprintf("assistant process exited with code %d", e.ExitCode)
}

// InteractionRequiredError is returned when a turn stops on a prompt that
// needs a caller answer. The turn resumes through Respond.
type InteractionRequiredError struct {
	Prompt string
	Phrase string
}

func (e *InteractionRequiredError) Error() string {
	return fmt.Sprintf("interaction required: %q", e.Phrase)
}
