package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a session.
type State string

const (
	StateStarting State = "STARTING"
	StateReady    State = "READY"
	StateClosed   State = "CLOSED"
)

const (
	readBufferSize  = 32 * 1024
	chunkBufferSize = 256
)

// Info is a point-in-time view of a session.
type Info struct {
	ID          string    `json:"session_id"`
	State       State     `json:"state"`
	WorkDir     string    `json:"working_directory"`
	Model       string    `json:"model,omitempty"`
	AutoApprove bool      `json:"auto_approve"`
	PID         int       `json:"pid"`
	Alive       bool      `json:"alive"`
	Blocked     bool      `json:"blocked"`
	Turns       int       `json:"turns"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsed    time.Time `json:"last_used"`
}

// Session owns one assistant process and the master side of its pty.
// Only one turn runs at a time; callers serialize Send and Respond.
type Session struct {
	opts Options
	cfg  Config
	cmd  *exec.Cmd
	ptmx *os.File
	pgid int

	chunks chan []byte
	exited chan struct{}
	closed chan struct{}

	exitCode   atomic.Int64
	exitSignal atomic.Value // string
	closing    atomic.Bool
	closeOnce  sync.Once
	writeMu    sync.Mutex

	mu       sync.Mutex
	state    State
	busy     bool
	pending  *turn
	turns    int
	created  time.Time
	lastUsed time.Time
}

func newSession(opts Options, cfg Config, cmd *exec.Cmd, ptmx *os.File) *Session {
	pid := cmd.Process.Pid
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	now := time.Now()
	s := &Session{
		opts:     opts,
		cfg:      cfg,
		cmd:      cmd,
		ptmx:     ptmx,
		pgid:     pgid,
		chunks:   make(chan []byte, chunkBufferSize),
		exited:   make(chan struct{}),
		closed:   make(chan struct{}),
		state:    StateStarting,
		created:  now,
		lastUsed: now,
	}
	s.exitSignal.Store("")
	go s.readLoop()
	go s.waitLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.chunks)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.chunks <- data:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	code := 0
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
		if ws, ok := s.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			s.exitSignal.Store(ws.Signal().String())
		}
	} else if err != nil {
		code = -1
	}
	s.exitCode.Store(int64(code))
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.exited)

	logger.WithFields(logrus.Fields{
		"session":   s.opts.ID,
		"exit_code": code,
		"signal":    s.exitSignal.Load(),
	}).Info("session-process-exited")
}

// ID returns the caller-chosen identifier.
func (s *Session) ID() string { return s.opts.ID }

// Options returns the launch options.
func (s *Session) Options() Options { return s.opts }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the process is running and the session not closed.
func (s *Session) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
	}
	return !s.closing.Load()
}

// Blocked reports whether a turn waits for Respond.
func (s *Session) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// ExitCode returns the process exit code, or -1 while it runs.
func (s *Session) ExitCode() int {
	select {
	case <-s.exited:
		return int(s.exitCode.Load())
	default:
		return -1
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:          s.opts.ID,
		State:       s.state,
		WorkDir:     s.opts.WorkDir,
		Model:       s.opts.Model,
		AutoApprove: s.opts.AutoApprove,
		PID:         s.cmd.Process.Pid,
		Alive:       s.Alive(),
		Blocked:     s.pending != nil,
		Turns:       s.turns,
		CreatedAt:   s.created,
		LastUsed:    s.lastUsed,
	}
}

func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStarting {
		s.state = StateReady
	}
}

// write sends raw bytes to the assistant.
func (s *Session) write(data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// typeLine writes text, pauses so the TUI registers it, then presses Enter.
func (s *Session) typeLine(text string) error {
	if err := s.write(text); err != nil {
		return err
	}
	if s.cfg.InputDelay > 0 {
		if err := s.sleep(context.Background(), s.cfg.InputDelay); err != nil {
			return err
		}
	}
	return s.write("\n")
}

// sleep waits d, returning early when ctx ends or the process exits.
func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.exited:
		return nil
	case <-t.C:
		return nil
	}
}

// discardPending drops output that arrived while no turn was reading.
func (s *Session) discardPending() int {
	n := 0
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return n
			}
			n += len(chunk)
		default:
			return n
		}
	}
}

// Close shuts the assistant down: quit commands first, then SIGINT, SIGTERM
// and SIGKILL to its process group. The pty is always released. Calling
// Close more than once, or after the process exited, is safe.
func (s *Session) Close() error {
	s.closeOnce.Do(s.shutdown)
	return nil
}

func (s *Session) shutdown() {
	s.closing.Store(true)
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	log := logger.WithField("session", s.opts.ID)
	step := "already-exited"
	defer func() {
		close(s.closed)
		if err := s.ptmx.Close(); err != nil {
			log.WithField("error", err).Debug("pty-close-failed")
		}
		log.WithFields(logrus.Fields{
			"step":      step,
			"exit_code": s.ExitCode(),
		}).Info("session-closed")
	}()

	for _, quit := range s.cfg.QuitCommands {
		if s.exitedWithin(0) {
			return
		}
		step = "quit-command"
		if err := s.write(quit + "\n"); err != nil {
			break
		}
		if s.exitedWithin(s.cfg.CloseSettle) {
			return
		}
	}

	for _, sig := range []struct {
		name string
		sig  unix.Signal
		wait time.Duration
	}{
		{"interrupt", unix.SIGINT, s.cfg.CloseSettle},
		{"terminate", unix.SIGTERM, s.cfg.TerminateTimeout},
		{"kill", unix.SIGKILL, s.cfg.TerminateTimeout},
	} {
		if s.exitedWithin(0) {
			return
		}
		step = sig.name
		if err := s.signalGroup(sig.sig); err != nil {
			log.WithFields(logrus.Fields{"signal": sig.name, "error": err}).Warn("session-signal-failed")
		}
		if s.exitedWithin(sig.wait) {
			return
		}
	}
	step = "abandoned"
}

func (s *Session) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-s.pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		// Fall back to the leader alone, e.g. when the group is gone but the
		// leader is a zombie waiting to be reaped.
		if perr := s.cmd.Process.Signal(sig); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
			return fmt.Errorf("signal %s: %w", sig, err)
		}
	}
	return nil
}

func (s *Session) exitedWithin(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.exited:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.exited:
		return true
	case <-t.C:
		return false
	}
}
