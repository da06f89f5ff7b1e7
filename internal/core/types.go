package core

import (
	"time"

	"github.com/keepmind9/clibridge/internal/session"
)

// TaskStatus is the lifecycle state of a dispatched message.
type TaskStatus string

const (
	TaskRunning  TaskStatus = "RUNNING"
	TaskComplete TaskStatus = "COMPLETE"
	TaskError    TaskStatus = "ERROR"
	TaskBlocked  TaskStatus = "BLOCKED_ON_INTERACTION"

	// TaskNotFound is reported for unknown or already fetched tasks; it is never stored.
	TaskNotFound TaskStatus = "NOT_FOUND"
	// TaskStarted labels a dispatch receipt.
	TaskStarted TaskStatus = "STARTED"
)

// Terminal reports whether no further transition can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskComplete || s == TaskError
}

// DispatchReceipt is returned immediately by Dispatch.
type DispatchReceipt struct {
	TaskID              string     `json:"task_id"`
	Status              TaskStatus `json:"status"`
	EstimatedCompletion string     `json:"estimated_completion"`
	Note                string     `json:"note"`
}

// TaskView is a snapshot of a task as seen by a poller.
type TaskView struct {
	TaskID    string     `json:"task_id"`
	SessionID string     `json:"session_id,omitempty"`
	Status    TaskStatus `json:"status"`
	Result    string     `json:"result,omitempty"`
	Prompt    string     `json:"prompt,omitempty"`
	Partial   bool       `json:"partial,omitempty"`
	Queued    bool       `json:"queued,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

// SessionSummary describes one registered session for listings.
type SessionSummary struct {
	session.Info
	PendingTasks int `json:"pending_tasks"`
}

// Stats is an aggregate view of both registries.
type Stats struct {
	Sessions      int                `json:"sessions"`
	MaxSessions   int                `json:"max_sessions"`
	Tasks         int                `json:"tasks"`
	TasksByStatus map[TaskStatus]int `json:"tasks_by_status"`
	Dispatched    int64              `json:"dispatched"`
	Completed     int64              `json:"completed"`
	Failed        int64              `json:"failed"`
	Uptime        string             `json:"uptime"`
}

// Config represents the complete clibridge configuration structure
type Config struct {
	Logging  LoggingConfig        `yaml:"logging"`
	Gemini   GeminiConfig         `yaml:"gemini"`
	Session  SessionGlobalConfig  `yaml:"session"`
	Detector DetectorConfig       `yaml:"detector"`
	Sessions SessionsConfig       `yaml:"sessions"`
	Tasks    TasksConfig          `yaml:"tasks"`
	Security SecurityConfig       `yaml:"security"`
	Relay    RelayConfig          `yaml:"relay"`
	Bots     map[string]BotConfig `yaml:"bots"`
}

// GeminiConfig selects and probes the wrapped assistant binary
type GeminiConfig struct {
	Command        string            `yaml:"command"`         // Binary name or path (default: gemini)
	Env            map[string]string `yaml:"env"`             // Extra environment for the child
	VersionTimeout string            `yaml:"version_timeout"` // Bound on the --version probe (default: 10s)
	Rows           int               `yaml:"rows"`
	Cols           int               `yaml:"cols"`
}

// SessionGlobalConfig holds the timings shared by every session
type SessionGlobalConfig struct {
	StartupDelay     string   `yaml:"startup_delay"`
	DrainAttempts    int      `yaml:"drain_attempts"`
	DrainInterval    string   `yaml:"drain_interval"`
	InputDelay       string   `yaml:"input_delay"`
	ApprovalResponse string   `yaml:"approval_response"`
	ApprovalSettle   string   `yaml:"approval_settle"`
	QuitCommands     []string `yaml:"quit_commands"`
	CloseSettle      string   `yaml:"close_settle"`
	TerminateTimeout string   `yaml:"terminate_timeout"`
}

// DetectorConfig tunes turn completion heuristics
type DetectorConfig struct {
	SilenceThreshold string `yaml:"silence_threshold"`
	ReadySettle      string `yaml:"ready_settle"`
	MaxWait          string `yaml:"max_wait"`
	PollInterval     string `yaml:"poll_interval"`
	MinContentLines  int    `yaml:"min_content_lines"`
	MinLineChars     int    `yaml:"min_line_chars"`
	TailLines        int    `yaml:"tail_lines"`
	PromptScanLines  int    `yaml:"prompt_scan_lines"`
	IndicatorsFile   string `yaml:"indicators_file"` // Overrides the embedded indicator catalog
	Watch            bool   `yaml:"watch"`           // Hot reload indicators_file
}

// SessionsConfig limits the session registry
type SessionsConfig struct {
	MaxSessions int `yaml:"max_sessions"`
}

// TasksConfig tunes the task registry and per-session queues
type TasksConfig struct {
	QueueSize          int    `yaml:"queue_size"`
	Retention          string `yaml:"retention"`
	InteractionTimeout string `yaml:"interaction_timeout"`
	ReapInterval       string `yaml:"reap_interval"`
}

// SecurityConfig represents security and access control configuration
type SecurityConfig struct {
	WhitelistEnabled bool                `yaml:"whitelist_enabled"`
	AllowedUsers     map[string][]string `yaml:"allowed_users"`
	Admins           map[string][]string `yaml:"admins"`
}

// RelayConfig configures the IM relay front end
type RelayConfig struct {
	PollInterval     string `yaml:"poll_interval"`
	LockFile         string `yaml:"lock_file"`
	MaxMessageLength int    `yaml:"max_message_length"` // 0 means each platform's own limit
	DefaultWorkDir   string `yaml:"default_work_dir"`
	AutoApprove      bool   `yaml:"auto_approve"`
}

// BotConfig represents bot configuration
type BotConfig struct {
	Enabled           bool   `yaml:"enabled"`
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	Token             string `yaml:"token"`
	ChannelID         string `yaml:"channel_id"`         // For Discord: server channel ID
	EncryptKey        string `yaml:"encrypt_key"`        // Feishu: event encryption key (optional)
	VerificationToken string `yaml:"verification_token"` // Feishu: verification token (optional)
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     *bool  `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStderr bool   `yaml:"enable_stderr"` // Also write to stderr; stdout is reserved for MCP
}
