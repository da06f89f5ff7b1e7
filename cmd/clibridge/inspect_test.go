package main

import (
	"testing"
	"time"

	"github.com/keepmind9/clibridge/internal/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inspectConfig() watchdog.DetectorConfig {
	return watchdog.DetectorConfig{
		SilenceThreshold: 2 * time.Second,
		ReadySettle:      500 * time.Millisecond,
		MinContentLines:  2,
		MinLineChars:     40,
		TailLines:        5,
		PromptScanLines:  25,
	}
}

func TestInspectTranscript(t *testing.T) {
	tests := []struct {
		name         string
		transcript   string
		message      string
		wantPhase    string
		wantReason   string
		wantResponse string
	}{
		{
			name:         "answer then ready prompt",
			transcript:   "> list files\r\nmain.go\r\ngo.mod\r\n╭──────╮\r\n│ > Type your message or @path/to/file │\r\n╰──────╯\r\n",
			message:      "list files",
			wantPhase:    "complete",
			wantReason:   watchdog.ReasonReadyPrompt,
			wantResponse: "main.go\ngo.mod",
		},
		{
			name:         "answer then silence",
			transcript:   "\x1b[1mHello! How can I help you today?\x1b[0m\r\nI can answer questions.\r\n",
			message:      "hello",
			wantPhase:    "complete",
			wantReason:   watchdog.ReasonSilence,
			wantResponse: "Hello! How can I help you today?\nI can answer questions.",
		},
		{
			name:       "only chrome",
			transcript: "Tips for getting started:\n╭──────╮\n│ > Type your message or @path/to/file │\n╰──────╯\n",
			wantPhase:  "waiting",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inspectTranscript([]byte(tt.transcript), tt.message, inspectConfig(), watchdog.DefaultCatalog())
			assert.Equal(t, tt.wantPhase, got.Phase)
			assert.Equal(t, tt.wantReason, got.Reason)
			assert.Equal(t, tt.wantResponse, got.Response)
			assert.Equal(t, len(tt.transcript), got.Bytes)
		})
	}
}

func TestInspectTranscript_ApprovalPrompt(t *testing.T) {
	transcript := "I will delete the temp directory.\r\nrm -rf ./tmp\r\nAllow execution? (y/n)\r\n"
	got := inspectTranscript([]byte(transcript), "clean up", inspectConfig(), watchdog.DefaultCatalog())

	assert.Equal(t, "prompt", got.Phase)
	assert.Contains(t, got.Prompt, "Allow execution?")
	assert.NotEmpty(t, got.Phrase)
}

func TestInspectCommand(t *testing.T) {
	path := writeFile(t, "transcript.txt", "first line of a reasonably long answer here\r\nsecond line\r\n")

	out, err := execute(t, "inspect", path, "--json", "--message", "question")
	require.NoError(t, err)
	assert.Contains(t, out, `"phase": "complete"`)
	assert.Contains(t, out, "second line")

	_, err = execute(t, "inspect", path+".missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read transcript")
}
