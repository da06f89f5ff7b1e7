package relay

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/clibridge/internal/bot"
	"github.com/keepmind9/clibridge/internal/core"
	"github.com/keepmind9/clibridge/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu      sync.Mutex
	sent    []string
	handler func(bot.BotMessage)
	started chan struct{}
	stopped bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{started: make(chan struct{})}
}

func (b *fakeBot) Start(handler func(bot.BotMessage)) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	close(b.started)
	return nil
}

func (b *fakeBot) SendMessage(channel, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, message)
	return nil
}

func (b *fakeBot) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	return nil
}

func (b *fakeBot) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *fakeBot) last() string {
	msgs := b.messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

// fakeEngine serves scripted task views: each poll pops the next view of
// the task and the last one repeats.
type fakeEngine struct {
	mu         sync.Mutex
	sessions   map[string]session.Info
	views      map[string][]core.TaskView
	dispatched []string
	responses  []string
	dispatchFn func(id, message string) (core.DispatchReceipt, error)
	nextTask   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		sessions: make(map[string]session.Info),
		views:    make(map[string][]core.TaskView),
	}
}

func (e *fakeEngine) StartSession(ctx context.Context, id string, opts session.Options) (session.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; ok {
		return session.Info{}, &core.SessionExistsError{ID: id}
	}
	info := session.Info{ID: id, WorkDir: opts.WorkDir, AutoApprove: opts.AutoApprove, State: session.State("ready"), Alive: true}
	e.sessions[id] = info
	return info, nil
}

func (e *fakeEngine) Dispatch(id, message string) (core.DispatchReceipt, error) {
	if e.dispatchFn != nil {
		return e.dispatchFn(id, message)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; !ok {
		return core.DispatchReceipt{}, &core.SessionNotFoundError{ID: id}
	}
	e.dispatched = append(e.dispatched, message)
	e.nextTask++
	taskID := "task-" + string(rune('0'+e.nextTask))
	if _, scripted := e.views[taskID]; !scripted {
		e.views[taskID] = []core.TaskView{{TaskID: taskID, Status: core.TaskComplete, Result: "echo: " + message}}
	}
	return core.DispatchReceipt{TaskID: taskID, Status: core.TaskStarted}, nil
}

func (e *fakeEngine) script(taskID string, views ...core.TaskView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.views[taskID] = views
}

func (e *fakeEngine) PollTask(taskID string) core.TaskView {
	e.mu.Lock()
	defer e.mu.Unlock()
	views := e.views[taskID]
	if len(views) == 0 {
		return core.TaskView{TaskID: taskID, Status: core.TaskNotFound}
	}
	v := views[0]
	if len(views) > 1 {
		e.views[taskID] = views[1:]
	}
	return v
}

func (e *fakeEngine) RespondToInteraction(taskID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses = append(e.responses, text)
	return nil
}

func (e *fakeEngine) CloseSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; !ok {
		return &core.SessionNotFoundError{ID: id}
	}
	delete(e.sessions, id)
	return nil
}

func (e *fakeEngine) ListSessions() []core.SessionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []core.SessionSummary
	for _, info := range e.sessions {
		out = append(out, core.SessionSummary{Info: info})
	}
	return out
}

func (e *fakeEngine) Stats() core.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return core.Stats{Sessions: len(e.sessions), MaxSessions: 16, Dispatched: int64(len(e.dispatched)), Uptime: "1m0s"}
}

func testConfig() *core.Config {
	return &core.Config{Security: core.SecurityConfig{
		WhitelistEnabled: true,
		AllowedUsers:     map[string][]string{"telegram": {"admin", "user"}},
		Admins:           map[string][]string{"telegram": {"admin"}},
	}}
}

func newTestRelay(t *testing.T) (*Relay, *fakeEngine, *fakeBot) {
	t.Helper()
	engine := newFakeEngine()
	b := newFakeBot()
	r := New(testConfig(), engine, map[string]bot.BotAdapter{"telegram": b}, Options{
		PollInterval:   5 * time.Millisecond,
		DefaultWorkDir: "/work",
	})
	return r, engine, b
}

func chat(user, content string) bot.BotMessage {
	return bot.BotMessage{Platform: "telegram", UserID: user, Channel: "chat-1", Content: content, Timestamp: time.Now()}
}

func waitForMessage(t *testing.T, b *fakeBot, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range b.messages() {
			if strings.Contains(m, substr) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no message containing %q in %v", substr, b.messages())
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantCmd  string
		wantArgs []string
		wantOK   bool
	}{
		{input: "help", wantCmd: "help", wantOK: true},
		{input: "help me fix the build", wantOK: false},
		{input: "slist", wantCmd: "slist", wantOK: true},
		{input: "snew proj ~/code", wantCmd: "snew", wantArgs: []string{"proj", "~/code"}, wantOK: true},
		{input: "suse proj", wantCmd: "suse", wantArgs: []string{"proj"}, wantOK: true},
		{input: "reply yes please", wantCmd: "reply", wantArgs: []string{"yes", "please"}, wantOK: true},
		{input: "replying later", wantOK: false},
		{input: "explain this code", wantOK: false},
		{input: "   ", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, args, ok := parseCommand(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCmd, cmd)
			if tt.wantArgs != nil {
				assert.Equal(t, tt.wantArgs, args)
			}
		})
	}
}

func TestRelay_RejectsUnauthorizedUsers(t *testing.T) {
	r, engine, b := newTestRelay(t)
	r.HandleUserMessage(context.Background(), chat("stranger", "hello"))

	assert.Contains(t, b.last(), "Unauthorized")
	assert.Empty(t, engine.dispatched)
}

func TestRelay_RequiresSelectedSession(t *testing.T) {
	r, _, b := newTestRelay(t)
	r.HandleUserMessage(context.Background(), chat("user", "hello"))

	assert.Contains(t, b.last(), "Please select a session first")
	assert.Contains(t, b.last(), "snew")
}

func TestRelay_NewSessionIsAdminOnly(t *testing.T) {
	r, engine, b := newTestRelay(t)
	r.HandleUserMessage(context.Background(), chat("user", "snew proj"))

	assert.Contains(t, b.last(), "admin only")
	assert.Empty(t, engine.sessions)
}

func TestRelay_ChatRoundTrip(t *testing.T) {
	r, engine, b := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.HandleUserMessage(ctx, chat("admin", "snew proj"))
	assert.Contains(t, b.last(), "Session 'proj' started and selected")
	assert.Equal(t, "/work", engine.sessions["proj"].WorkDir)

	r.HandleUserMessage(ctx, chat("admin", "what is 2+2"))
	waitForMessage(t, b, "echo: what is 2+2")
	assert.Equal(t, []string{"what is 2+2"}, engine.dispatched)

	cancel()
	r.trackers.Wait()
}

func TestRelay_BlockedTaskAndReply(t *testing.T) {
	r, engine, b := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.script("task-1",
		core.TaskView{TaskID: "task-1", Status: core.TaskRunning},
		core.TaskView{TaskID: "task-1", Status: core.TaskBlocked, Prompt: "Allow execution? (y/n)"},
	)

	r.HandleUserMessage(ctx, chat("admin", "snew proj /tmp"))
	r.HandleUserMessage(ctx, chat("admin", "delete the temp files"))
	waitForMessage(t, b, "Allow execution? (y/n)")
	assert.Contains(t, b.last(), "reply <text>")

	engine.script("task-1", core.TaskView{TaskID: "task-1", Status: core.TaskComplete, Result: "deleted"})
	r.HandleUserMessage(ctx, chat("admin", "reply y"))
	waitForMessage(t, b, "deleted")
	assert.Equal(t, []string{"y"}, engine.responses)

	r.HandleUserMessage(ctx, chat("admin", "reply y"))
	assert.Contains(t, b.last(), "Nothing is waiting")

	cancel()
	r.trackers.Wait()
}

func TestRelay_TaskError(t *testing.T) {
	r, engine, b := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.script("task-1", core.TaskView{TaskID: "task-1", Status: core.TaskError, Result: "assistant process exited with code 3"})
	r.HandleUserMessage(ctx, chat("admin", "snew proj"))
	r.HandleUserMessage(ctx, chat("admin", "die"))
	waitForMessage(t, b, "❌ [proj] assistant process exited with code 3")

	cancel()
	r.trackers.Wait()
}

func TestRelay_UseAndCloseSession(t *testing.T) {
	r, engine, b := newTestRelay(t)
	ctx := context.Background()

	_, err := engine.StartSession(ctx, "shared", session.Options{WorkDir: "/srv"})
	require.NoError(t, err)

	r.HandleUserMessage(ctx, chat("user", "suse missing"))
	assert.Contains(t, b.last(), "does not exist")

	r.HandleUserMessage(ctx, chat("user", "suse shared"))
	assert.Contains(t, b.last(), "current session is now: **shared**")
	r.HandleUserMessage(ctx, chat("user", "suse shared"))
	assert.Contains(t, b.last(), "already using")

	r.HandleUserMessage(ctx, chat("user", "slist"))
	assert.Contains(t, b.last(), "shared")
	assert.Contains(t, b.last(), "CURRENT")

	r.HandleUserMessage(ctx, chat("user", "sclose shared"))
	assert.Contains(t, b.last(), "admin only")

	r.HandleUserMessage(ctx, chat("admin", "sclose shared"))
	assert.Contains(t, b.last(), "closed")
	assert.Contains(t, b.last(), "1 user(s)")
	assert.Empty(t, r.currentSession(userKey("telegram", "user")))
}

func TestRelay_DispatchToVanishedSession(t *testing.T) {
	r, engine, b := newTestRelay(t)
	ctx := context.Background()

	r.setCurrentSession(userKey("telegram", "user"), "gone")
	engine.dispatchFn = func(id, message string) (core.DispatchReceipt, error) {
		return core.DispatchReceipt{}, &core.SessionNotFoundError{ID: id, Exited: true}
	}

	r.HandleUserMessage(ctx, chat("user", "hello"))
	assert.Contains(t, b.last(), "no longer running")
	assert.Empty(t, r.currentSession(userKey("telegram", "user")))
}

func TestRelay_InformationalCommands(t *testing.T) {
	r, _, b := newTestRelay(t)
	ctx := context.Background()

	r.HandleUserMessage(ctx, chat("user", "help"))
	assert.Contains(t, b.last(), "clibridge Help")

	r.HandleUserMessage(ctx, chat("user", "status"))
	assert.Contains(t, b.last(), "Sessions: 0/16")

	r.HandleUserMessage(ctx, chat("admin", "whoami"))
	assert.Contains(t, b.last(), "`admin`")
	assert.Contains(t, b.last(), "**Admin:** true")
}

func TestRelay_RunStartsAndStopsBots(t *testing.T) {
	r, engine, b := newTestRelay(t)
	r.opts.LockFile = filepath.Join(t.TempDir(), "relay.lock")
	_, err := engine.StartSession(context.Background(), "proj", session.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("bot was not started")
	}

	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	handler(chat("user", "suse proj"))
	waitForMessage(t, b, "current session is now")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.True(t, b.stopped)
}

func TestRelay_LockPreventsSecondInstance(t *testing.T) {
	lockFile := filepath.Join(t.TempDir(), "nested", "relay.lock")

	first, _, _ := newTestRelay(t)
	first.opts.LockFile = lockFile
	unlock, err := first.acquireLock()
	require.NoError(t, err)
	defer unlock()

	second, _, _ := newTestRelay(t)
	second.opts.LockFile = lockFile
	err = second.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another relay is already running")
}

func TestRelay_HandleBotMessageDropsWhenFull(t *testing.T) {
	r, _, _ := newTestRelay(t)
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(r.messages)+10; i++ {
			r.HandleBotMessage(chat("user", "x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleBotMessage blocked")
	}
	assert.Len(t, r.messages, cap(r.messages))
}

func TestNewBots(t *testing.T) {
	tests := []struct {
		name    string
		bots    map[string]core.BotConfig
		want    []string
		wantErr string
	}{
		{
			name: "all platforms",
			bots: map[string]core.BotConfig{
				"discord":  {Enabled: true, Token: "d"},
				"telegram": {Enabled: true, Token: "t"},
				"feishu":   {Enabled: true, AppID: "a", AppSecret: "s"},
				"dingtalk": {Enabled: true, AppID: "a", AppSecret: "s"},
			},
			want: []string{"discord", "telegram", "feishu", "dingtalk"},
		},
		{
			name: "disabled bots skipped",
			bots: map[string]core.BotConfig{
				"discord":  {Enabled: true, Token: "d"},
				"telegram": {Enabled: false},
			},
			want: []string{"discord"},
		},
		{
			name:    "missing token",
			bots:    map[string]core.BotConfig{"telegram": {Enabled: true}},
			wantErr: "bots.telegram.token is required",
		},
		{
			name:    "missing feishu secret",
			bots:    map[string]core.BotConfig{"feishu": {Enabled: true, AppID: "a"}},
			wantErr: "app_secret are required",
		},
		{
			name:    "nothing enabled",
			bots:    map[string]core.BotConfig{},
			wantErr: "no bots enabled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &core.Config{Bots: tt.bots, Relay: core.RelayConfig{MaxMessageLength: 1000}}
			bots, err := NewBots(cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, bots, len(tt.want))
			for _, name := range tt.want {
				assert.Contains(t, bots, name)
			}
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := core.DefaultConfig()
	require.NoError(t, err)
	cfg.Relay.DefaultWorkDir = "~/projects"
	cfg.Relay.AutoApprove = true

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".clibridge", "relay.lock"), opts.LockFile)
	assert.Equal(t, filepath.Join(home, "projects"), opts.DefaultWorkDir)
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.True(t, opts.AutoApprove)
}
