package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, validateShow, validateJSON, versionJSON, inspectMessage, inspectJSON = "", false, false, false, "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRootCommand_Properties(t *testing.T) {
	assert.Equal(t, "clibridge", rootCmd.Use)
	assert.Contains(t, rootCmd.Short, "MCP")
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, expected := range []string{"serve", "relay", "validate", "inspect", "version"} {
		assert.True(t, names[expected], "missing subcommand: %s", expected)
	}
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "pseudo-terminals")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "clibridge version information:")
	assert.Contains(t, out, "Version:   dev")

	out, err = execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "dev"`)
}

func TestLoadConfig_ExplicitFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "sessions:\n  max_sessions: 3\n")
	configFile = path
	t.Cleanup(func() { configFile = "" })

	cfg, got, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, 3, cfg.Sessions.MaxSessions)
}

func TestLoadConfig_BadFile(t *testing.T) {
	configFile = writeFile(t, "config.yaml", "detector:\n  silence_threshold: nope\n")
	t.Cleanup(func() { configFile = "" })

	_, _, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
