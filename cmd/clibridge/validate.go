package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/keepmind9/clibridge/internal/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	validateShow bool
	validateJSON bool
)

var errInvalidConfig = errors.New("configuration is invalid")

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Config      string   `json:"config"`
	Binary      string   `json:"binary,omitempty"`
	MaxSessions int      `json:"max_sessions,omitempty"`
	Bots        []string `json:"bots,omitempty"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate clibridge configuration file",
	Long: `Validate the clibridge configuration file without starting anything.

This command checks:
  - YAML syntax and ${VAR} expansion
  - Durations and detector thresholds
  - Security whitelist and bot entries
  - Whether the assistant binary is on PATH

Exit codes:
  0 - Configuration is valid (warnings may be printed)
  1 - Configuration has errors`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := core.FindConfig(configFile)
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "ℹ️  No configuration file found, checking built-in defaults")
		}

		cfg, loadErr := core.LoadConfig(path)
		result := validateLoaded(path, cfg, loadErr)

		if validateShow && cfg != nil {
			if err := showConfig(cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
		}
		if err := outputValidationResult(cmd.OutOrStdout(), result, validateJSON); err != nil {
			return err
		}
		if !result.Valid {
			return errInvalidConfig
		}
		return nil
	},
}

func validateLoaded(path string, cfg *core.Config, loadErr error) ValidationResult {
	result := ValidationResult{Valid: loadErr == nil, Config: path}
	if path == "" {
		result.Config = "(defaults)"
	}
	if loadErr != nil {
		result.Errors = []string{loadErr.Error()}
		return result
	}

	result.Binary = cfg.Gemini.Command
	result.MaxSessions = cfg.Sessions.MaxSessions
	result.Bots = cfg.EnabledBots()
	result.Warnings = validateConfigDetails(cfg)
	return result
}

// validateConfigDetails reports problems that do not stop the server from
// starting but are probably mistakes.
func validateConfigDetails(cfg *core.Config) []string {
	var warnings []string

	if _, err := exec.LookPath(cfg.Gemini.Command); err != nil {
		warnings = append(warnings, fmt.Sprintf("Assistant binary %q not found: %v", cfg.Gemini.Command, err))
	}

	enabled := cfg.EnabledBots()
	if len(enabled) > 0 && !cfg.Security.WhitelistEnabled {
		warnings = append(warnings, "Whitelist is disabled - any chat user can drive your sessions")
	}
	if len(enabled) > 0 && len(cfg.Security.Admins) == 0 {
		warnings = append(warnings, "No admins configured - nobody can start sessions from chat")
	}
	for _, name := range enabled {
		bot := cfg.Bots[name]
		if bot.Token == "" && bot.AppID == "" {
			warnings = append(warnings, fmt.Sprintf("Bot '%s' is enabled but has no credentials configured", name))
		}
	}
	if cfg.Relay.AutoApprove {
		warnings = append(warnings, "relay.auto_approve is on - tool calls started from chat run without confirmation")
	}
	return warnings
}

// showConfig prints the effective configuration with secrets masked.
func showConfig(w io.Writer, cfg *core.Config) error {
	shown := *cfg
	shown.Bots = make(map[string]core.BotConfig, len(cfg.Bots))
	for name, bot := range cfg.Bots {
		bot.Token = maskValue(bot.Token)
		bot.AppSecret = maskValue(bot.AppSecret)
		bot.EncryptKey = maskValue(bot.EncryptKey)
		bot.VerificationToken = maskValue(bot.VerificationToken)
		shown.Bots[name] = bot
	}
	if len(cfg.Gemini.Env) > 0 {
		shown.Gemini.Env = make(map[string]string, len(cfg.Gemini.Env))
		for k, v := range cfg.Gemini.Env {
			shown.Gemini.Env[k] = maskValue(v)
		}
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprintf(w, "# Effective configuration\n%s\n", data)
	return nil
}

func maskValue(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func outputValidationResult(w io.Writer, result ValidationResult, jsonFormat bool) error {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal json: %w", err)
		}
		fmt.Fprintln(w, string(output))
		return nil
	}

	if result.Valid {
		fmt.Fprintln(w, "✓ Configuration is valid")
		fmt.Fprintf(w, "  - Config: %s\n", result.Config)
		fmt.Fprintf(w, "  - Assistant binary: %s\n", result.Binary)
		fmt.Fprintf(w, "  - Max sessions: %d\n", result.MaxSessions)
		fmt.Fprintf(w, "  - Bots enabled: %d\n", len(result.Bots))
	} else {
		fmt.Fprintln(w, "❌ Configuration validation failed:")
		fmt.Fprintf(w, "  - Config: %s\n", result.Config)
		if len(result.Errors) > 0 {
			fmt.Fprintln(w, "\nErrors:")
			for _, errMsg := range result.Errors {
				fmt.Fprintf(w, "  - %s\n", errMsg)
			}
		}
	}
	if len(result.Warnings) > 0 {
		fmt.Fprintln(w, "\n⚠️  Warnings:")
		for _, warning := range result.Warnings {
			fmt.Fprintf(w, "  - %s\n", warning)
		}
	}
	return nil
}

func init() {
	validateCmd.Flags().BoolVar(&validateShow, "show", false, "Show the effective configuration (secrets masked)")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
