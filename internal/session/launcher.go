package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/sirupsen/logrus"
)

// Launcher starts assistant processes on pseudo-terminals.
type Launcher struct {
	cfg Config
}

// NewLauncher creates a launcher for cfg.
func NewLauncher(cfg Config) *Launcher {
	return &Launcher{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (l *Launcher) Config() Config {
	return l.cfg
}

// Launch spawns the assistant for opts and returns it once its startup
// banner has been drained.
func (l *Launcher) Launch(ctx context.Context, opts Options) (*Session, error) {
	binary, err := exec.LookPath(l.cfg.Binary)
	if err != nil {
		return nil, &LaunchError{Binary: l.cfg.Binary, Reason: ReasonNotFound, Err: err}
	}
	if err := l.verify(ctx, binary); err != nil {
		return nil, &LaunchError{Binary: binary, Reason: ReasonNotFunctional, Err: err}
	}

	workDir := opts.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, &LaunchError{Binary: binary, Reason: ReasonBadWorkDir, Err: err}
		}
	}
	if fi, err := os.Stat(workDir); err != nil || !fi.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", workDir)
		}
		return nil, &LaunchError{Binary: binary, Reason: ReasonBadWorkDir, Err: err}
	}
	opts.WorkDir = workDir

	args := BuildArgs(opts)
	cmd := exec.Command(binary, args...)
	cmd.Dir = workDir
	cmd.Env = l.environ()

	// StartWithSize puts the child in a new session, so it leads its own
	// process group and group signals reach its descendants too.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: l.cfg.Rows, Cols: l.cfg.Cols})
	if err != nil {
		return nil, &LaunchError{Binary: binary, Reason: ReasonSpawnFailed, Err: err}
	}

	s := newSession(opts, l.cfg, cmd, ptmx)
	logger.WithFields(logrus.Fields{
		"session": opts.ID,
		"binary":  binary,
		"args":    strings.Join(args, " "),
		"workdir": workDir,
		"pid":     cmd.Process.Pid,
	}).Info("session-process-spawned")

	banner, err := s.drainStartup(ctx)
	if err != nil {
		s.Close()
		var le *LaunchError
		if errors.As(err, &le) {
			le.Binary = binary
			return nil, le
		}
		return nil, &LaunchError{Binary: binary, Reason: ReasonStartupTimeout, Err: err}
	}

	s.markReady()
	logger.WithFields(logrus.Fields{
		"session":      opts.ID,
		"banner_bytes": banner,
	}).Info("session-ready")
	return s, nil
}

// verify runs `<binary> --version` to make sure the program works at all.
func (l *Launcher) verify(ctx context.Context, binary string) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.VersionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if ctx.Err() != nil {
		return fmt.Errorf("--version did not finish within %s", l.cfg.VersionTimeout)
	}
	if err != nil {
		return fmt.Errorf("--version failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	logger.WithFields(logrus.Fields{
		"binary":  binary,
		"version": strings.TrimSpace(string(out)),
	}).Debug("assistant-version-checked")
	return nil
}

func (l *Launcher) environ() []string {
	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	for k, v := range l.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// drainStartup swallows the startup banner: a fixed delay, then reads until
// a drain window passes with no data.
func (s *Session) drainStartup(ctx context.Context) (int, error) {
	total := 0
	delay := time.NewTimer(s.cfg.StartupDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return total, ctx.Err()
	case <-s.exited:
		return total, s.startupExit()
	case <-delay.C:
	}

	for attempt := 0; attempt < s.cfg.DrainAttempts; attempt++ {
		total += s.discardPending()
		window := time.NewTimer(s.cfg.DrainInterval)
		select {
		case <-ctx.Done():
			window.Stop()
			return total, ctx.Err()
		case <-s.exited:
			window.Stop()
			return total, s.startupExit()
		case chunk, ok := <-s.chunks:
			window.Stop()
			if !ok {
				return total, s.startupExit()
			}
			total += len(chunk)
			continue
		case <-window.C:
		}
		return total, nil
	}
	return total, nil
}

func (s *Session) startupExit() error {
	if !s.exitedWithin(s.cfg.TerminateTimeout) {
		return &LaunchError{Reason: ReasonSpawnFailed, Err: errors.New("pty closed during startup")}
	}
	return &LaunchError{Reason: ReasonExited, ExitCode: s.ExitCode()}
}
