// Package core owns the session and task registries that turn supervised
// assistant processes into asynchronous, pollable operations, together with
// the YAML configuration that tunes them.
//
// # Configuration
//
// Configuration is loaded from a YAML file with the following sections:
//
//   - logging: log level, rotated file, optional stderr copy
//   - gemini: assistant binary, extra environment, version probe
//   - session: startup drain, input delay, approval and close timings
//   - detector: turn completion thresholds and the indicator catalog
//   - sessions / tasks: registry limits, queue size, retention
//   - security: IM whitelist and admins
//   - relay / bots: IM relay front end
//
// # Example Configuration
//
//	gemini:
//	  command: gemini
//	  env:
//	    GEMINI_API_KEY: "${GEMINI_API_KEY}"
//	detector:
//	  silence_threshold: 10s
//	  max_wait: 5m
//	bots:
//	  telegram:
//	    enabled: true
//	    token: "${TELEGRAM_TOKEN}"
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/session"
	"github.com/keepmind9/clibridge/internal/watchdog"
	"github.com/keepmind9/clibridge/pkg/constants"
	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel = "info"
	DefaultLogFile  = "~/.clibridge/logs/clibridge.log"
	DefaultLockFile = "~/.clibridge/relay.lock"

	minPollInterval = 100 * time.Millisecond
)

// SupportedBots lists the bot types the relay can start.
var SupportedBots = []string{"discord", "telegram", "feishu", "dingtalk"}

// configSearchPath is consulted in order when no --config flag is given.
var configSearchPath = []string{
	"config.yaml",
	"~/.config/clibridge/config.yaml",
	"/etc/clibridge/config.yaml",
}

// FindConfig returns explicit when set, otherwise the first existing file
// of the search path, or "" when none exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		return ExpandHome(explicit)
	}
	for _, candidate := range configSearchPath {
		path, err := ExpandHome(candidate)
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// LoadConfig loads configuration from file and expands environment variables.
// An empty path yields the validated defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig expands, parses and validates raw YAML.
func ParseConfig(data []byte) (*Config, error) {
	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() (*Config, error) {
	var config Config
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// durationField is a duration setting held as a string in YAML.
type durationField struct {
	name  string
	value *string
	def   time.Duration
	min   time.Duration
}

func (f durationField) apply() error {
	if *f.value == "" {
		*f.value = f.def.String()
		return nil
	}
	d, err := time.ParseDuration(*f.value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", f.name, *f.value, err)
	}
	if d < f.min {
		return fmt.Errorf("%s must be at least %v (got %v)", f.name, f.min, d)
	}
	return nil
}

// validateConfig fills defaults and rejects invalid values
func validateConfig(config *Config) error {
	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.File == "" {
		config.Logging.File = DefaultLogFile
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = constants.DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = constants.DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = constants.DefaultLogMaxAge
	}
	if config.Logging.Compress == nil {
		compress := true
		config.Logging.Compress = &compress
	}

	if config.Gemini.Command == "" {
		config.Gemini.Command = constants.DefaultBinary
	}
	if config.Gemini.Rows == 0 {
		config.Gemini.Rows = constants.DefaultPtyRows
	}
	if config.Gemini.Cols == 0 {
		config.Gemini.Cols = constants.DefaultPtyCols
	}
	if config.Gemini.Rows < 0 || config.Gemini.Rows > 0xffff || config.Gemini.Cols < 0 || config.Gemini.Cols > 0xffff {
		return fmt.Errorf("gemini.rows and gemini.cols must be between 1 and 65535")
	}

	if config.Session.DrainAttempts == 0 {
		config.Session.DrainAttempts = constants.DefaultDrainAttempts
	}
	if config.Session.ApprovalResponse == "" {
		config.Session.ApprovalResponse = constants.DefaultApprovalResponse
	}
	if config.Session.QuitCommands == nil {
		config.Session.QuitCommands = []string{"/quit", "/exit"}
	}

	if config.Detector.MinContentLines == 0 {
		config.Detector.MinContentLines = constants.DefaultMinContentLines
	}
	if config.Detector.MinLineChars == 0 {
		config.Detector.MinLineChars = constants.DefaultMinLineChars
	}
	if config.Detector.TailLines == 0 {
		config.Detector.TailLines = constants.DefaultTailLines
	}
	if config.Detector.PromptScanLines == 0 {
		config.Detector.PromptScanLines = constants.DefaultPromptScanLines
	}

	if config.Sessions.MaxSessions == 0 {
		config.Sessions.MaxSessions = constants.DefaultMaxSessions
	}
	if config.Tasks.QueueSize == 0 {
		config.Tasks.QueueSize = constants.DefaultQueueSize
	}

	if config.Relay.LockFile == "" {
		config.Relay.LockFile = DefaultLockFile
	}

	for name, v := range map[string]int{
		"session.drain_attempts":     config.Session.DrainAttempts,
		"detector.min_content_lines": config.Detector.MinContentLines,
		"detector.min_line_chars":    config.Detector.MinLineChars,
		"detector.tail_lines":        config.Detector.TailLines,
		"detector.prompt_scan_lines": config.Detector.PromptScanLines,
		"sessions.max_sessions":      config.Sessions.MaxSessions,
		"tasks.queue_size":           config.Tasks.QueueSize,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be positive (got %d)", name, v)
		}
	}
	if config.Relay.MaxMessageLength < 0 {
		return fmt.Errorf("relay.max_message_length must not be negative")
	}

	fields := []durationField{
		{"gemini.version_timeout", &config.Gemini.VersionTimeout, constants.DefaultVersionTimeout, time.Millisecond},
		{"session.startup_delay", &config.Session.StartupDelay, constants.DefaultStartupDelay, 0},
		{"session.drain_interval", &config.Session.DrainInterval, constants.DefaultDrainInterval, time.Millisecond},
		{"session.input_delay", &config.Session.InputDelay, constants.DefaultInputDelay, 0},
		{"session.approval_settle", &config.Session.ApprovalSettle, constants.DefaultApprovalSettle, 0},
		{"session.close_settle", &config.Session.CloseSettle, constants.DefaultCloseSettle, time.Millisecond},
		{"session.terminate_timeout", &config.Session.TerminateTimeout, constants.DefaultTerminateTimeout, time.Millisecond},
		{"detector.silence_threshold", &config.Detector.SilenceThreshold, constants.DefaultSilenceThreshold, minPollInterval},
		{"detector.ready_settle", &config.Detector.ReadySettle, constants.DefaultReadySettle, 0},
		{"detector.max_wait", &config.Detector.MaxWait, constants.DefaultMaxWait, time.Second},
		{"detector.poll_interval", &config.Detector.PollInterval, constants.DefaultPollInterval, 10 * time.Millisecond},
		{"tasks.retention", &config.Tasks.Retention, constants.DefaultTaskRetention, time.Second},
		{"tasks.interaction_timeout", &config.Tasks.InteractionTimeout, constants.DefaultInteractionTimeout, time.Second},
		{"tasks.reap_interval", &config.Tasks.ReapInterval, constants.DefaultReapInterval, minPollInterval},
		{"relay.poll_interval", &config.Relay.PollInterval, constants.DefaultRelayPollInterval, minPollInterval},
	}
	for _, f := range fields {
		if err := f.apply(); err != nil {
			return err
		}
	}

	silence := mustDuration(config.Detector.SilenceThreshold)
	maxWait := mustDuration(config.Detector.MaxWait)
	if maxWait <= silence {
		return fmt.Errorf("detector.max_wait (%v) must be greater than detector.silence_threshold (%v)", maxWait, silence)
	}

	if config.Detector.Watch && config.Detector.IndicatorsFile == "" {
		return fmt.Errorf("detector.watch requires detector.indicators_file")
	}

	if config.Security.WhitelistEnabled {
		if len(config.Security.AllowedUsers) == 0 {
			return fmt.Errorf("security.allowed_users cannot be empty when whitelist is enabled")
		}
	}

	for botType := range config.Bots {
		if !isSupportedBot(botType) {
			return fmt.Errorf("unknown bot type %q (supported: %s)", botType, strings.Join(SupportedBots, ", "))
		}
	}

	return nil
}

func isSupportedBot(botType string) bool {
	for _, b := range SupportedBots {
		if b == botType {
			return true
		}
	}
	return false
}

// mustDuration parses a value validateConfig already accepted.
func mustDuration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// SessionConfig converts the YAML settings into the session package's
// runtime configuration. catalog may be nil for the embedded catalog.
func (c *Config) SessionConfig(catalog *watchdog.CatalogStore) session.Config {
	return session.Config{
		Binary:           c.Gemini.Command,
		Env:              c.Gemini.Env,
		Rows:             uint16(c.Gemini.Rows),
		Cols:             uint16(c.Gemini.Cols),
		VersionTimeout:   mustDuration(c.Gemini.VersionTimeout),
		StartupDelay:     mustDuration(c.Session.StartupDelay),
		DrainAttempts:    c.Session.DrainAttempts,
		DrainInterval:    mustDuration(c.Session.DrainInterval),
		InputDelay:       mustDuration(c.Session.InputDelay),
		MaxWait:          mustDuration(c.Detector.MaxWait),
		PollInterval:     mustDuration(c.Detector.PollInterval),
		ApprovalResponse: c.Session.ApprovalResponse,
		ApprovalSettle:   mustDuration(c.Session.ApprovalSettle),
		QuitCommands:     c.Session.QuitCommands,
		CloseSettle:      mustDuration(c.Session.CloseSettle),
		TerminateTimeout: mustDuration(c.Session.TerminateTimeout),
		Detector:         c.DetectorConfig(),
		Catalog:          catalog,
	}
}

// DetectorConfig returns the detector thresholds.
func (c *Config) DetectorConfig() watchdog.DetectorConfig {
	return watchdog.DetectorConfig{
		SilenceThreshold: mustDuration(c.Detector.SilenceThreshold),
		ReadySettle:      mustDuration(c.Detector.ReadySettle),
		MinContentLines:  c.Detector.MinContentLines,
		MinLineChars:     c.Detector.MinLineChars,
		TailLines:        c.Detector.TailLines,
		PromptScanLines:  c.Detector.PromptScanLines,
	}
}

// EngineOptions returns the registry limits.
func (c *Config) EngineOptions() EngineOptions {
	return EngineOptions{
		MaxSessions:        c.Sessions.MaxSessions,
		QueueSize:          c.Tasks.QueueSize,
		Retention:          mustDuration(c.Tasks.Retention),
		InteractionTimeout: mustDuration(c.Tasks.InteractionTimeout),
		ReapInterval:       mustDuration(c.Tasks.ReapInterval),
	}
}

// LoggerConfig returns the logger settings with the file path expanded.
func (c *Config) LoggerConfig() logger.Config {
	file, err := ExpandHome(c.Logging.File)
	if err != nil {
		file = c.Logging.File
	}
	compress := c.Logging.Compress == nil || *c.Logging.Compress
	return logger.Config{
		Level:        c.Logging.Level,
		File:         file,
		MaxSize:      c.Logging.MaxSize,
		MaxBackups:   c.Logging.MaxBackups,
		MaxAge:       c.Logging.MaxAge,
		Compress:     compress,
		EnableStderr: c.Logging.EnableStderr,
	}
}

// IndicatorsFile returns detector.indicators_file with ~ expanded.
func (c *Config) IndicatorsFile() (string, error) {
	return ExpandHome(c.Detector.IndicatorsFile)
}

// LockFile returns relay.lock_file with ~ expanded.
func (c *Config) LockFile() (string, error) {
	return ExpandHome(c.Relay.LockFile)
}

// RelayPollInterval returns relay.poll_interval.
func (c *Config) RelayPollInterval() time.Duration {
	return mustDuration(c.Relay.PollInterval)
}

// GetBotConfig retrieves configuration for a specific bot
func (c *Config) GetBotConfig(botType string) (BotConfig, error) {
	bot, exists := c.Bots[botType]
	if !exists {
		return BotConfig{}, fmt.Errorf("bot type %s not found in configuration", botType)
	}

	if !bot.Enabled {
		return BotConfig{}, fmt.Errorf("bot type %s is disabled", botType)
	}

	return bot, nil
}

// EnabledBots returns the enabled bot types in SupportedBots order.
func (c *Config) EnabledBots() []string {
	var enabled []string
	for _, b := range SupportedBots {
		if cfg, ok := c.Bots[b]; ok && cfg.Enabled {
			enabled = append(enabled, b)
		}
	}
	return enabled
}

// ExpandHome expands a leading ~ to the user's home directory
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// IsUserAuthorized checks if a user is in the whitelist
func (c *Config) IsUserAuthorized(platform, userID string) bool {
	// If whitelist is disabled, allow all users (warning: not recommended for production)
	if !c.Security.WhitelistEnabled {
		return true
	}

	for _, uid := range c.Security.AllowedUsers[platform] {
		if uid == userID {
			return true
		}
	}
	return false
}

// IsAdmin checks if a user is an admin
func (c *Config) IsAdmin(platform, userID string) bool {
	for _, adminID := range c.Security.Admins[platform] {
		if adminID == userID {
			return true
		}
	}
	return false
}
