package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/session"
	"github.com/keepmind9/clibridge/pkg/constants"
	"github.com/sirupsen/logrus"
)

const dispatchNote = "The message was queued. Call check_task_status with this task_id until the status is COMPLETE, ERROR or BLOCKED_ON_INTERACTION."

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// SessionHandle is the part of a supervised assistant session the engine
// drives. *session.Session implements it.
type SessionHandle interface {
	ID() string
	Send(ctx context.Context, message string) (string, error)
	Respond(ctx context.Context, text string) (string, error)
	Abandon() error
	Close() error
	Alive() bool
	Info() session.Info
}

// LaunchFunc starts one session.
type LaunchFunc func(ctx context.Context, opts session.Options) (SessionHandle, error)

// PtyLauncher adapts a pty launcher to a LaunchFunc.
func PtyLauncher(l *session.Launcher) LaunchFunc {
	return func(ctx context.Context, opts session.Options) (SessionHandle, error) {
		s, err := l.Launch(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// EngineOptions are the registry limits.
type EngineOptions struct {
	MaxSessions        int
	QueueSize          int
	Retention          time.Duration
	InteractionTimeout time.Duration
	ReapInterval       time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.MaxSessions <= 0 {
		o.MaxSessions = constants.DefaultMaxSessions
	}
	if o.QueueSize <= 0 {
		o.QueueSize = constants.DefaultQueueSize
	}
	if o.Retention <= 0 {
		o.Retention = constants.DefaultTaskRetention
	}
	if o.InteractionTimeout <= 0 {
		o.InteractionTimeout = constants.DefaultInteractionTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = constants.DefaultReapInterval
	}
	return o
}

// sessionEntry is a registered session with its FIFO worker.
type sessionEntry struct {
	handle  SessionHandle
	queue   chan *task
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	pending atomic.Int32
}

func (s *sessionEntry) retire() {
	s.once.Do(func() { close(s.stop) })
}

func (s *sessionEntry) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Engine owns the session registry and the task registry. One worker
// goroutine per session runs that session's tasks strictly in order.
type Engine struct {
	launch LaunchFunc
	opts   EngineOptions
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	starting map[string]struct{}
	tasks    map[string]*task
	closed   bool

	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	started    time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	reaper  chan struct{}
}

// NewEngine creates an empty engine and starts its reaper.
func NewEngine(launch LaunchFunc, opts EngineOptions) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		launch:   launch,
		opts:     opts.withDefaults(),
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
		starting: make(map[string]struct{}),
		tasks:    make(map[string]*task),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		reaper:   make(chan struct{}),
	}
	go e.reapLoop()
	return e
}

// validateSessionID checks caller-chosen session ids.
func validateSessionID(id string) error {
	if id == "" || len(id) > constants.MaxSessionIDLength {
		return fmt.Errorf("%w: length must be between 1 and %d characters", ErrInvalidSessionID, constants.MaxSessionIDLength)
	}
	if !sessionIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: only letters, digits, '.', '-' and '_' are allowed", ErrInvalidSessionID)
	}
	return nil
}

// StartSession launches the assistant for id and registers it.
func (e *Engine) StartSession(ctx context.Context, id string, opts session.Options) (session.Info, error) {
	if err := validateSessionID(id); err != nil {
		return session.Info{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return session.Info{}, ErrEngineClosed
	}
	if _, exists := e.sessions[id]; exists {
		e.mu.Unlock()
		return session.Info{}, &SessionExistsError{ID: id}
	}
	if _, exists := e.starting[id]; exists {
		e.mu.Unlock()
		return session.Info{}, &SessionExistsError{ID: id}
	}
	if len(e.sessions)+len(e.starting) >= e.opts.MaxSessions {
		e.mu.Unlock()
		return session.Info{}, fmt.Errorf("%w (%d)", ErrTooManySessions, e.opts.MaxSessions)
	}
	e.starting[id] = struct{}{}
	e.mu.Unlock()

	opts.ID = id
	handle, err := e.launch(ctx, opts)

	e.mu.Lock()
	delete(e.starting, id)
	if err != nil {
		e.mu.Unlock()
		logger.WithFields(logrus.Fields{"session": id, "error": err}).Warn("session-start-failed")
		return session.Info{}, err
	}
	if e.closed {
		e.mu.Unlock()
		_ = handle.Close()
		return session.Info{}, ErrEngineClosed
	}
	entry := &sessionEntry{
		handle: handle,
		queue:  make(chan *task, e.opts.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.sessions[id] = entry
	e.workers.Add(1)
	e.mu.Unlock()

	go e.worker(entry)

	info := handle.Info()
	logger.WithFields(logrus.Fields{
		"session":      id,
		"work_dir":     info.WorkDir,
		"model":        opts.Model,
		"auto_approve": opts.AutoApprove,
	}).Info("session-registered")
	return info, nil
}

// Dispatch queues message on the session's FIFO and returns at once.
func (e *Engine) Dispatch(sessionID, message string) (DispatchReceipt, error) {
	if strings.TrimSpace(message) == "" {
		return DispatchReceipt{}, ErrEmptyMessage
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return DispatchReceipt{}, ErrEngineClosed
	}
	entry, exists := e.sessions[sessionID]
	if !exists || entry.stopped() {
		e.mu.Unlock()
		return DispatchReceipt{}, &SessionNotFoundError{ID: sessionID}
	}
	if !entry.handle.Alive() {
		delete(e.sessions, sessionID)
		e.mu.Unlock()
		e.retireDead(entry)
		return DispatchReceipt{}, &SessionNotFoundError{ID: sessionID, Exited: true}
	}

	t := newTask(uuid.NewString(), sessionID, message, e.now())
	entry.pending.Add(1)
	select {
	case entry.queue <- t:
	default:
		entry.pending.Add(-1)
		e.mu.Unlock()
		return DispatchReceipt{}, fmt.Errorf("session %q: %w (%d)", sessionID, ErrQueueFull, e.opts.QueueSize)
	}
	e.tasks[t.id] = t
	e.mu.Unlock()

	e.dispatched.Add(1)
	logger.WithFields(logrus.Fields{
		"session": sessionID,
		"task":    t.id,
		"length":  len(message),
	}).Info("task-dispatched")

	return DispatchReceipt{
		TaskID:              t.id,
		Status:              TaskStarted,
		EstimatedCompletion: constants.EstimatedCompletion,
		Note:                dispatchNote,
	}, nil
}

// PollTask returns the task's current view. A terminal view is returned
// exactly once; afterwards the task is NOT_FOUND.
func (e *Engine) PollTask(taskID string) TaskView {
	e.mu.RLock()
	t, exists := e.tasks[taskID]
	e.mu.RUnlock()
	if !exists {
		return TaskView{TaskID: taskID, Status: TaskNotFound}
	}

	v := t.view()
	if v.Status.Terminal() {
		e.mu.Lock()
		delete(e.tasks, taskID)
		e.mu.Unlock()
		logger.WithFields(logrus.Fields{"task": taskID, "status": v.Status}).Debug("task-evicted-after-fetch")
	}
	return v
}

// RespondToInteraction hands text to the worker of a blocked task.
func (e *Engine) RespondToInteraction(taskID, text string) error {
	e.mu.RLock()
	t, exists := e.tasks[taskID]
	e.mu.RUnlock()
	if !exists {
		return &TaskNotFoundError{ID: taskID}
	}
	if err := t.answer(text, e.now()); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"task": taskID, "session": t.sessionID}).Info("interaction-response-accepted")
	return nil
}

// CloseSession closes and unregisters a session. Queued tasks fail with
// "session closed"; the in-flight task fails once the process is gone.
func (e *Engine) CloseSession(id string) error {
	e.mu.Lock()
	entry, exists := e.sessions[id]
	if exists {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !exists {
		return &SessionNotFoundError{ID: id}
	}

	entry.retire()
	err := entry.handle.Close()
	<-entry.done
	logger.WithField("session", id).Info("session-unregistered")
	return err
}

// ListSessions returns every registered session ordered by id.
func (e *Engine) ListSessions() []SessionSummary {
	e.mu.RLock()
	entries := make([]*sessionEntry, 0, len(e.sessions))
	for _, entry := range e.sessions {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	out := make([]SessionSummary, 0, len(entries))
	for _, entry := range entries {
		out = append(out, SessionSummary{
			Info:         entry.handle.Info(),
			PendingTasks: int(entry.pending.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes both registries.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	byStatus := make(map[TaskStatus]int)
	for _, t := range e.tasks {
		status, _ := t.snapshot()
		byStatus[status]++
	}
	return Stats{
		Sessions:      len(e.sessions),
		MaxSessions:   e.opts.MaxSessions,
		Tasks:         len(e.tasks),
		TasksByStatus: byStatus,
		Dispatched:    e.dispatched.Load(),
		Completed:     e.completed.Load(),
		Failed:        e.failed.Load(),
		Uptime:        time.Since(e.started).Round(time.Second).String(),
	}
}

// Shutdown aborts running turns, closes every session concurrently and
// waits for the workers or ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	entries := make([]*sessionEntry, 0, len(e.sessions))
	for id, entry := range e.sessions {
		entries = append(entries, entry)
		delete(e.sessions, id)
	}
	e.mu.Unlock()

	close(e.reaper)
	e.cancel()

	logger.WithField("sessions", len(entries)).Info("engine-shutting-down")

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *sessionEntry) {
			defer wg.Done()
			entry.retire()
			if err := entry.handle.Close(); err != nil {
				logger.WithFields(logrus.Fields{"session": entry.handle.ID(), "error": err}).Warn("session-close-failed")
			}
		}(entry)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("engine-stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// worker runs the session's tasks in FIFO order until the entry retires.
func (e *Engine) worker(entry *sessionEntry) {
	defer e.workers.Done()
	defer close(entry.done)

	for {
		select {
		case <-entry.stop:
			e.failQueued(entry)
			return
		case t := <-entry.queue:
			if entry.stopped() {
				e.finish(entry, t, TaskError, "session closed", false)
				continue
			}
			e.runTask(entry, t)
			if !entry.handle.Alive() && !entry.stopped() {
				e.unregisterDead(entry)
			}
		}
	}
}

func (e *Engine) failQueued(entry *sessionEntry) {
	for {
		select {
		case t := <-entry.queue:
			e.finish(entry, t, TaskError, "session closed", false)
		default:
			return
		}
	}
}

// runTask drives one turn, including any number of caller-answered prompts.
func (e *Engine) runTask(entry *sessionEntry, t *task) {
	log := logger.WithFields(logrus.Fields{"session": t.sessionID, "task": t.id})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("task-worker-panic")
			e.finish(entry, t, TaskError, fmt.Sprintf("internal error: %v", r), false)
		}
	}()

	t.start(e.now())
	log.Debug("task-running")

	text, err := entry.handle.Send(e.ctx, t.message)
	for {
		var ir *session.InteractionRequiredError
		if !errors.As(err, &ir) {
			break
		}
		t.block(ir.Prompt, e.now())
		log.WithField("phrase", ir.Phrase).Info("task-blocked-on-interaction")

		timer := time.NewTimer(e.opts.InteractionTimeout)
		select {
		case answer := <-t.respond:
			timer.Stop()
			text, err = entry.handle.Respond(e.ctx, answer)
		case <-timer.C:
			_ = entry.handle.Abandon()
			e.finish(entry, t, TaskError, fmt.Sprintf("no response to the interaction within %v", e.opts.InteractionTimeout), false)
			return
		case <-entry.stop:
			timer.Stop()
			e.finish(entry, t, TaskError, "session closed", false)
			return
		case <-e.ctx.Done():
			timer.Stop()
			e.finish(entry, t, TaskError, "engine shutting down", false)
			return
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			e.finish(entry, t, TaskError, "engine shutting down", false)
			return
		}
		msg, partial := describeFailure(err)
		log.WithField("error", err).Warn("task-failed")
		e.finish(entry, t, TaskError, msg, partial)
		return
	}
	e.finish(entry, t, TaskComplete, text, false)
}

func (e *Engine) finish(entry *sessionEntry, t *task, status TaskStatus, result string, partial bool) {
	if !t.finish(status, result, partial, e.now()) {
		return
	}
	entry.pending.Add(-1)
	if status == TaskComplete {
		e.completed.Add(1)
	} else {
		e.failed.Add(1)
	}
	logger.WithFields(logrus.Fields{
		"session": t.sessionID,
		"task":    t.id,
		"status":  status,
		"length":  len(result),
	}).Info("task-finished")
}

// unregisterDead removes a session whose process exited on its own.
func (e *Engine) unregisterDead(entry *sessionEntry) {
	id := entry.handle.ID()
	e.mu.Lock()
	if cur, ok := e.sessions[id]; ok && cur == entry {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	e.retireDead(entry)
}

func (e *Engine) retireDead(entry *sessionEntry) {
	entry.retire()
	_ = entry.handle.Close()
	logger.WithField("session", entry.handle.ID()).Warn("session-process-exited-removed")
}

func (e *Engine) reapLoop() {
	ticker := time.NewTicker(e.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.reaper:
			return
		case <-ticker.C:
			e.reap(e.now())
		}
	}
}

// reap removes dead sessions and terminal tasks older than the retention.
func (e *Engine) reap(now time.Time) {
	var dead []*sessionEntry
	evicted := 0

	e.mu.Lock()
	for id, entry := range e.sessions {
		if !entry.handle.Alive() {
			dead = append(dead, entry)
			delete(e.sessions, id)
		}
	}
	for id, t := range e.tasks {
		status, updated := t.snapshot()
		if status.Terminal() && now.Sub(updated) >= e.opts.Retention {
			delete(e.tasks, id)
			evicted++
		}
	}
	e.mu.Unlock()

	for _, entry := range dead {
		e.retireDead(entry)
	}
	if evicted > 0 || len(dead) > 0 {
		logger.WithFields(logrus.Fields{
			"dead_sessions": len(dead),
			"evicted_tasks": evicted,
		}).Info("registry-reaped")
	}
}
