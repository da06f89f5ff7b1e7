package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/keepmind9/clibridge/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand_Valid(t *testing.T) {
	path := writeFile(t, "config.yaml", "gemini:\n  command: sh\n")

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Configuration is valid")
	assert.Contains(t, out, "Assistant binary: sh")
}

func TestValidateCommand_InvalidJSON(t *testing.T) {
	path := writeFile(t, "config.yaml", "detector:\n  silence_threshold: 1m\n  max_wait: 30s\n")

	out, err := execute(t, "validate", "--config", path, "--json")
	require.ErrorIs(t, err, errInvalidConfig)

	var result ValidationResult
	require.NoError(t, json.Unmarshal([]byte(firstLine(out)), &result))
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "must be greater than")
}

func TestValidateCommand_ShowMasksSecrets(t *testing.T) {
	path := writeFile(t, "config.yaml", `
gemini:
  command: sh
  env:
    GEMINI_API_KEY: super-secret-key
bots:
  telegram:
    enabled: true
    token: "123456:telegram-secret"
`)

	out, err := execute(t, "validate", "--config", path, "--show")
	require.NoError(t, err)
	assert.Contains(t, out, "# Effective configuration")
	assert.NotContains(t, out, "super-secret-key")
	assert.NotContains(t, out, "telegram-secret")
	assert.Contains(t, out, "***")
}

func TestValidateConfigDetails(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *core.Config)
		want   []string
	}{
		{
			name:   "clean",
			modify: func(cfg *core.Config) { cfg.Gemini.Command = "sh" },
			want:   nil,
		},
		{
			name:   "missing binary",
			modify: func(cfg *core.Config) { cfg.Gemini.Command = "definitely-not-a-real-binary-xyz" },
			want:   []string{"not found"},
		},
		{
			name: "open relay",
			modify: func(cfg *core.Config) {
				cfg.Gemini.Command = "sh"
				cfg.Bots = map[string]core.BotConfig{"discord": {Enabled: true}}
				cfg.Relay.AutoApprove = true
			},
			want: []string{"Whitelist is disabled", "No admins configured", "no credentials", "auto_approve"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := core.DefaultConfig()
			require.NoError(t, err)
			tt.modify(cfg)

			warnings := validateConfigDetails(cfg)
			require.Len(t, warnings, len(tt.want), "warnings: %v", warnings)
			for i, want := range tt.want {
				assert.Contains(t, warnings[i], want)
			}
		})
	}
}

func TestValidateLoaded_LoadError(t *testing.T) {
	result := validateLoaded("", nil, errors.New("boom"))
	assert.False(t, result.Valid)
	assert.Equal(t, "(defaults)", result.Config)
	assert.Equal(t, []string{"boom"}, result.Errors)
}

func TestOutputValidationResult_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outputValidationResult(&buf, ValidationResult{
		Valid:    false,
		Config:   "c.yaml",
		Errors:   []string{"bad duration"},
		Warnings: []string{"no admins"},
	}, false))

	out := buf.String()
	assert.Contains(t, out, "❌ Configuration validation failed")
	assert.Contains(t, out, "bad duration")
	assert.Contains(t, out, "no admins")
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
