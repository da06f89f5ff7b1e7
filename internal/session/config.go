package session

import (
	"time"

	"github.com/keepmind9/clibridge/internal/watchdog"
	"github.com/keepmind9/clibridge/pkg/constants"
)

// Config carries the process and timing settings shared by all sessions.
type Config struct {
	Binary         string
	Env            map[string]string
	Rows           uint16
	Cols           uint16
	VersionTimeout time.Duration

	StartupDelay  time.Duration
	DrainAttempts int
	DrainInterval time.Duration

	InputDelay   time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration

	ApprovalResponse string
	ApprovalSettle   time.Duration

	QuitCommands     []string
	CloseSettle      time.Duration
	TerminateTimeout time.Duration

	Detector watchdog.DetectorConfig
	Catalog  *watchdog.CatalogStore
}

// DefaultConfig returns production settings for the Gemini CLI.
func DefaultConfig() Config {
	return Config{
		Binary:           constants.DefaultBinary,
		Rows:             constants.DefaultPtyRows,
		Cols:             constants.DefaultPtyCols,
		VersionTimeout:   constants.DefaultVersionTimeout,
		StartupDelay:     constants.DefaultStartupDelay,
		DrainAttempts:    constants.DefaultDrainAttempts,
		DrainInterval:    constants.DefaultDrainInterval,
		InputDelay:       constants.DefaultInputDelay,
		MaxWait:          constants.DefaultMaxWait,
		PollInterval:     constants.DefaultPollInterval,
		ApprovalResponse: constants.DefaultApprovalResponse,
		ApprovalSettle:   constants.DefaultApprovalSettle,
		QuitCommands:     []string{"/quit", "/exit"},
		CloseSettle:      constants.DefaultCloseSettle,
		TerminateTimeout: constants.DefaultTerminateTimeout,
		Detector:         watchdog.DefaultDetectorConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.Rows == 0 {
		c.Rows = d.Rows
	}
	if c.Cols == 0 {
		c.Cols = d.Cols
	}
	if c.VersionTimeout <= 0 {
		c.VersionTimeout = d.VersionTimeout
	}
	if c.DrainAttempts <= 0 {
		c.DrainAttempts = d.DrainAttempts
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ApprovalResponse == "" {
		c.ApprovalResponse = d.ApprovalResponse
	}
	if c.CloseSettle <= 0 {
		c.CloseSettle = d.CloseSettle
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = d.TerminateTimeout
	}
	if c.Catalog == nil {
		c.Catalog = watchdog.StaticCatalogStore(watchdog.DefaultCatalog())
	}
	return c
}

// Options are the per-session launch choices made by the caller.
type Options struct {
	ID            string
	WorkDir       string
	Model         string
	Debug         bool
	Checkpointing bool
	AutoApprove   bool
}

// BuildArgs returns the assistant's command line flags for opts.
func BuildArgs(opts Options) []string {
	var args []string
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	if opts.Debug {
		args = append(args, "-d")
	}
	if opts.Checkpointing {
		args = append(args, "-c")
	}
	return args
}
