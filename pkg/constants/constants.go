package constants

import "time"

// Application identity
const (
	AppName = "clibridge"
	// DefaultBinary is the interactive assistant launched when gemini.command is unset
	DefaultBinary = "gemini"
)

// Pseudo-terminal geometry
const (
	DefaultPtyRows = 50
	DefaultPtyCols = 200
)

// Launch and startup drain
const (
	// DefaultVersionTimeout bounds the `--version` probe run before spawning
	DefaultVersionTimeout = 10 * time.Second
	// DefaultStartupDelay is the fixed wait after spawn before draining the banner
	DefaultStartupDelay = 2 * time.Second
	// DefaultDrainAttempts is the maximum number of drain windows after the startup delay
	DefaultDrainAttempts = 10
	// DefaultDrainInterval is the length of one drain window
	DefaultDrainInterval = 100 * time.Millisecond
)

// Turn timing
const (
	// DefaultInputDelay separates the typed message from the Enter key
	DefaultInputDelay = 200 * time.Millisecond
	// DefaultSilenceThreshold is the inactivity that ends a turn once content started.
	// 2s truncated long answers.
	DefaultSilenceThreshold = 10 * time.Second
	// DefaultReadySettle is the quiet period required after a ready-prompt match
	DefaultReadySettle = 1 * time.Second
	// DefaultMaxWait is the hard bound on one turn; always greater than the silence threshold
	DefaultMaxWait = 5 * time.Minute
	// DefaultPollInterval is how often the turn loop re-evaluates the detector without new data
	DefaultPollInterval = 100 * time.Millisecond
)

// Interactive prompts
const (
	// DefaultApprovalResponse selects the first menu option
	DefaultApprovalResponse = "1"
	// DefaultApprovalSettle is the wait after writing an automatic approval
	DefaultApprovalSettle = 1 * time.Second
	// DefaultInteractionTimeout bounds how long a blocked task waits for a caller response
	DefaultInteractionTimeout = 30 * time.Minute
)

// Close sequence
const (
	// DefaultCloseSettle is the wait after each quit command
	DefaultCloseSettle = 1 * time.Second
	// DefaultTerminateTimeout is the wait after SIGTERM before SIGKILL
	DefaultTerminateTimeout = 5 * time.Second
)

// Detector thresholds
const (
	// DefaultMinContentLines substantive lines mark the start of an answer
	DefaultMinContentLines = 2
	// DefaultMinLineChars makes a single long line enough to mark the start of an answer
	DefaultMinLineChars = 40
	// DefaultTailLines is the number of trailing non-empty lines checked for a ready prompt
	DefaultTailLines = 5
	// DefaultPromptScanLines is the number of trailing lines scanned for approval prompts
	DefaultPromptScanLines = 25
	// MaxPromptLines caps the prompt text reported to callers
	MaxPromptLines = 20
	// MaxPromptPrefixLength is the prefix of the sent message used to recognize its echo
	MaxPromptPrefixLength = 30
	// CatalogReloadDebounce coalesces editor write bursts on the indicator file
	CatalogReloadDebounce = 250 * time.Millisecond
)

// Registry limits
const (
	DefaultMaxSessions = 16
	// DefaultQueueSize is the per-session FIFO capacity
	DefaultQueueSize = 32
	// DefaultTaskRetention evicts terminal tasks nobody fetched
	DefaultTaskRetention = 1 * time.Hour
	// DefaultReapInterval is how often dead sessions and stale tasks are collected
	DefaultReapInterval = 30 * time.Second
	// DefaultShutdownTimeout bounds Engine.Shutdown
	DefaultShutdownTimeout = 30 * time.Second
	// MaxSessionIDLength limits caller-chosen session ids
	MaxSessionIDLength = 64
)

// EstimatedCompletion is reported with every dispatch receipt
const EstimatedCompletion = "10-120 seconds"

// Message length limits for different platforms
const (
	MaxDiscordMessageLength  = 2000
	MaxTelegramMessageLength = 4096
	MaxFeishuMessageLength   = 20000
	MaxDingTalkMessageLength = 20000
)

// Relay
const (
	// DefaultRelayPollInterval is how often the relay checks a dispatched task
	DefaultRelayPollInterval = 2 * time.Second
	// DefaultConnectionTimeout is the timeout for establishing bot connections
	DefaultConnectionTimeout = 2 * time.Second
	// DefaultPollTimeout is the Telegram long polling timeout
	DefaultPollTimeout = 60 * time.Second
	// MessageChannelBufferSize is the buffer size for the inbound chat message channel
	MessageChannelBufferSize = 100
)

// Logging defaults
const (
	DefaultLogMaxSize    = 100
	DefaultLogMaxBackups = 5
	DefaultLogMaxAge     = 30
)

// Token masking
const (
	MinTokenLengthForMasking = 10
	TokenMaskPrefixLength    = 7
	TokenMaskSuffixLength    = 4
)
