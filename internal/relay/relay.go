// Package relay connects chat platforms to the session engine.
//
// Each chat user selects a current session; plain messages are dispatched
// to it as tasks and the relay polls every task until it completes, fails
// or blocks on an interactive prompt, posting the outcome back to the
// channel the message came from. A blocked task is answered with
// `reply <text>`.
package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/keepmind9/clibridge/internal/bot"
	"github.com/keepmind9/clibridge/internal/core"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/session"
	"github.com/keepmind9/clibridge/pkg/constants"
	"github.com/sirupsen/logrus"
)

// Engine is the part of *core.Engine the relay drives.
type Engine interface {
	StartSession(ctx context.Context, id string, opts session.Options) (session.Info, error)
	Dispatch(sessionID, message string) (core.DispatchReceipt, error)
	PollTask(taskID string) core.TaskView
	RespondToInteraction(taskID, text string) error
	CloseSession(id string) error
	ListSessions() []core.SessionSummary
	Stats() core.Stats
}

// Options tunes the relay.
type Options struct {
	LockFile       string
	PollInterval   time.Duration
	DefaultWorkDir string
	AutoApprove    bool
}

// userState is what the relay remembers per chat user.
type userState struct {
	session string
	// blocked is the task waiting for a reply, if any
	blocked string
}

// Relay routes chat messages to engine sessions.
type Relay struct {
	cfg      *core.Config
	engine   Engine
	bots     map[string]bot.BotAdapter
	opts     Options
	messages chan bot.BotMessage

	mu    sync.Mutex
	users map[string]*userState

	trackers sync.WaitGroup
	log      *logrus.Entry
}

// New creates a relay. cfg supplies authorization and admin lists.
func New(cfg *core.Config, engine Engine, bots map[string]bot.BotAdapter, opts Options) *Relay {
	if opts.PollInterval <= 0 {
		opts.PollInterval = constants.DefaultRelayPollInterval
	}
	return &Relay{
		cfg:      cfg,
		engine:   engine,
		bots:     bots,
		opts:     opts,
		messages: make(chan bot.BotMessage, constants.MessageChannelBufferSize),
		users:    make(map[string]*userState),
		log:      logger.Component("relay"),
	}
}

// OptionsFromConfig builds relay options from the relay section.
func OptionsFromConfig(cfg *core.Config) (Options, error) {
	lockFile, err := cfg.LockFile()
	if err != nil {
		return Options{}, err
	}
	workDir, err := core.ExpandHome(cfg.Relay.DefaultWorkDir)
	if err != nil {
		return Options{}, err
	}
	return Options{
		LockFile:       lockFile,
		PollInterval:   cfg.RelayPollInterval(),
		DefaultWorkDir: workDir,
		AutoApprove:    cfg.Relay.AutoApprove,
	}, nil
}

// Run holds the relay lock, starts the bots and processes chat messages
// until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	unlock, err := r.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	r.log.WithField("bots", len(r.bots)).Info("starting-relay")

	for name, adapter := range r.bots {
		go func(name string, adapter bot.BotAdapter) {
			defer func() {
				if p := recover(); p != nil {
					r.log.WithFields(logrus.Fields{
						"bot_type": name,
						"panic":    p,
					}).Error("bot-start-panic-recovered")
				}
			}()
			if err := adapter.Start(r.HandleBotMessage); err != nil {
				r.log.WithFields(logrus.Fields{
					"bot_type": name,
					"error":    err,
				}).Error("failed-to-start-bot")
			}
		}(name, adapter)
	}

	r.runEventLoop(ctx)
	r.stop()
	return nil
}

// acquireLock takes the relay lock file so only one relay runs per config.
func (r *Relay) acquireLock() (func(), error) {
	if r.opts.LockFile == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(r.opts.LockFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := flock.New(r.opts.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", r.opts.LockFile, err)
	}
	if !locked {
		return nil, fmt.Errorf("another relay is already running (lock %s is held)", r.opts.LockFile)
	}

	r.log.WithField("lock_file", r.opts.LockFile).Debug("relay-lock-acquired")
	return func() {
		if err := lock.Unlock(); err != nil {
			r.log.WithError(err).Warn("failed-to-release-relay-lock")
		}
	}, nil
}

func (r *Relay) runEventLoop(ctx context.Context) {
	r.log.Info("relay-event-loop-started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay-event-loop-shutting-down")
			return
		case msg := <-r.messages:
			r.HandleUserMessage(ctx, msg)
		}
	}
}

// HandleBotMessage is the callback bots deliver messages to. It never
// blocks the platform SDK: when the buffer is full the message is dropped.
func (r *Relay) HandleBotMessage(msg bot.BotMessage) {
	select {
	case r.messages <- msg:
	default:
		r.log.WithFields(logrus.Fields{
			"platform": msg.Platform,
			"user":     msg.UserID,
		}).Warn("relay-message-buffer-full-dropping-message")
	}
}

func (r *Relay) stop() {
	r.trackers.Wait()
	for name, adapter := range r.bots {
		if err := adapter.Stop(); err != nil {
			r.log.WithFields(logrus.Fields{
				"bot_type": name,
				"error":    err,
			}).Error("failed-to-stop-bot")
		}
	}
	r.log.Info("relay-stopped")
}

// SendToBot posts message to a channel of the given platform.
func (r *Relay) SendToBot(platform, channel, message string) {
	adapter, ok := r.bots[platform]
	if !ok {
		r.log.WithField("platform", platform).Warn("no-bot-for-platform")
		return
	}
	if err := adapter.SendMessage(channel, message); err != nil {
		r.log.WithFields(logrus.Fields{
			"platform": platform,
			"channel":  channel,
			"error":    err,
		}).Error("failed-to-send-message-to-bot")
		return
	}
	r.log.WithFields(logrus.Fields{
		"platform": platform,
		"channel":  channel,
		"length":   len(message),
	}).Debug("message-sent-to-bot")
}

func userKey(platform, userID string) string {
	return platform + ":" + userID
}

// state returns the user's entry, creating it. Callers hold r.mu.
func (r *Relay) state(key string) *userState {
	st, ok := r.users[key]
	if !ok {
		st = &userState{}
		r.users[key] = st
	}
	return st
}

func (r *Relay) currentSession(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.users[key]; ok {
		return st.session
	}
	return ""
}

func (r *Relay) setCurrentSession(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(key).session = id
}

// forgetSession clears every user's reference to a removed session and
// returns how many users were affected.
func (r *Relay) forgetSession(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.users {
		if st.session == id {
			st.session = ""
			st.blocked = ""
			n++
		}
	}
	return n
}

func (r *Relay) setBlocked(key, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(key).blocked = taskID
}

// takeBlocked returns and clears the user's blocked task.
func (r *Relay) takeBlocked(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.users[key]
	if !ok {
		return ""
	}
	id := st.blocked
	st.blocked = ""
	return id
}

func (r *Relay) hasBlocked(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.users[key]
	return ok && st.blocked != ""
}
