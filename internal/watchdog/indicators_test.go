package watchdog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, CatalogVersion, c.Version)
	assert.Positive(t, c.Count(KindContentBoundary))
	assert.Positive(t, c.Count(KindAuthPrompt))
	assert.Positive(t, c.Count(KindReadyPrompt))
}

func TestCatalog_MatchLine(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name string
		kind IndicatorKind
		line string
		want bool
	}{
		{"allow execution any case", KindAuthPrompt, "ALLOW EXECUTION? ", true},
		{"waiting for auth", KindAuthPrompt, "Waiting for auth... (Press ESC to cancel)", true},
		{"option menu", KindAuthPrompt, "● 1. Yes, allow once", true},
		{"y/n suffix", KindAuthPrompt, "Overwrite file? (y/n)", true},
		{"plain prose is not a prompt", KindAuthPrompt, "The function returns a list.", false},
		{"tips banner", KindContentBoundary, "Tips for getting started:", true},
		{"footer", KindContentBoundary, "~/repo   no sandbox (see /docs)   gemini-2.5-pro (98% context left)", true},
		{"bare prompt char", KindContentBoundary, ">", true},
		{"gemini cli banner", KindContentBoundary, "Gemini CLI v0.1.9", true},
		{"prose mentioning gemini cli", KindContentBoundary, "The Gemini CLI reads GEMINI.md files from the project root.", false},
		{"input box", KindReadyPrompt, "> Type your message or @path/to/file", true},
		{"empty cursor", KindReadyPrompt, "❯", true},
		{"answer text is not ready", KindReadyPrompt, "Sure, here is the answer.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := c.MatchLine(tt.kind, tt.line)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCatalog_MatchLines(t *testing.T) {
	c := DefaultCatalog()

	idx, phrase := c.MatchLines(KindAuthPrompt, []string{"ls -la", "Allow execution?", "1. Yes"})
	assert.Equal(t, 1, idx)
	assert.Equal(t, "allow execution", phrase)

	idx, _ = c.MatchLines(KindAuthPrompt, []string{"nothing", "here"})
	assert.Equal(t, -1, idx)
}

func TestParseCatalog_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad yaml", "version: [", "failed to parse"},
		{"wrong version", "version: 2\nindicators: []", "unsupported indicator catalog version"},
		{"unknown kind", "version: 1\nindicators:\n  - {phrase: x, kind: banner}", "unknown kind"},
		{"empty phrase", "version: 1\nindicators:\n  - {phrase: ' ', kind: auth_prompt}", "empty phrase"},
		{"bad regex", "version: 1\nindicators:\n  - {phrase: '([', kind: auth_prompt, regex: true}", "indicator"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indicators.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nindicators:\n  - {phrase: 'Proceed?', kind: auth_prompt}\n"), 0644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	_, ok := c.MatchLine(KindAuthPrompt, "proceed? [1/2]")
	assert.True(t, ok)
	assert.Zero(t, c.Count(KindReadyPrompt))

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
