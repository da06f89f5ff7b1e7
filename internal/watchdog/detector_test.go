package watchdog

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SilenceThreshold: 2 * time.Second,
		ReadySettle:      500 * time.Millisecond,
		MinContentLines:  2,
		MinLineChars:     40,
		TailLines:        5,
		PromptScanLines:  25,
	}
}

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func TestDetector_CompletesOnSilenceAfterContent(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "hello", t0)

	d.Feed([]byte("> hello\r\n"), at(50*time.Millisecond))
	assert.False(t, d.ContentStarted(), "echo is not content")

	d.Feed([]byte("\x1b[1mHello! How can I help you today?\x1b[0m\r\nI can answer questions.\r\n"), at(100*time.Millisecond))
	assert.True(t, d.ContentStarted())

	assert.Equal(t, PhaseWaiting, d.Check(at(time.Second)).Phase)

	dec := d.Check(at(100*time.Millisecond + 2*time.Second))
	assert.Equal(t, PhaseComplete, dec.Phase)
	assert.Equal(t, ReasonSilence, dec.Reason)
	assert.Equal(t, "Hello! How can I help you today?\nI can answer questions.", d.Response())
}

func TestDetector_ChromeNeverStartsContent(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "hi", t0)

	d.Feed([]byte("Tips for getting started:\n╭──────╮\n│ > Type your message or @path/to/file │\n╰──────╯\n"), at(10*time.Millisecond))
	d.Feed([]byte("~/repo  no sandbox (see /docs)  gemini-2.5-pro (100% context left)\n"), at(20*time.Millisecond))

	assert.False(t, d.ContentStarted())
	assert.Equal(t, PhaseWaiting, d.Check(at(time.Hour)).Phase)
	assert.Empty(t, d.Response())
}

func TestDetector_SingleLongLineStartsContent(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "q", t0)

	d.Feed([]byte(strings.Repeat("x", 50)+"\n"), at(0))
	assert.True(t, d.ContentStarted())

	d2 := NewDetector(testDetectorConfig(), DefaultCatalog(), "q", t0)
	d2.Feed([]byte("ok\n"), at(0))
	assert.False(t, d2.ContentStarted())
}

func TestDetector_CompletesOnReadyPrompt(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "list files", t0)

	d.Feed([]byte("main.go\ngo.mod\n"), at(100*time.Millisecond))
	d.Feed([]byte("╭──────╮\n│ > Type your message or @path/to/file │\n╰──────╯\n"), at(200*time.Millisecond))

	assert.Equal(t, PhaseWaiting, d.Check(at(300*time.Millisecond)).Phase, "ready prompt needs to settle")

	dec := d.Check(at(800 * time.Millisecond))
	assert.Equal(t, PhaseComplete, dec.Phase)
	assert.Equal(t, ReasonReadyPrompt, dec.Reason)
	assert.Equal(t, "main.go\ngo.mod", d.Response())
}

func TestDetector_DetectsApprovalPrompt(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "list files", t0)

	d.Feed([]byte("I will list the files.\n"), at(100*time.Millisecond))
	d.Feed([]byte("╭────────────────────╮\n│ ls -la              │\n│ Allow execution?    │\n│ ● 1. Yes, allow once │\n│   2. No (esc)       │\n╰────────────────────╯\n"), at(200*time.Millisecond))

	dec := d.Check(at(300 * time.Millisecond))
	require.Equal(t, PhasePrompt, dec.Phase)
	assert.Contains(t, dec.Prompt, "Allow execution?")
	assert.Contains(t, dec.Prompt, "1. Yes, allow once")
	assert.Equal(t, "allow execution", dec.Phrase)

	d.AcknowledgePrompt("1", true, at(400*time.Millisecond))
	assert.True(t, d.PromptHandled())
	assert.False(t, d.ContentStarted(), "content must restart after the prompt")

	d.Feed([]byte("1\r\n"), at(450*time.Millisecond))
	d.Feed([]byte("Allow execution?\n"), at(500*time.Millisecond))
	assert.NotEqual(t, PhasePrompt, d.Check(at(600*time.Millisecond)).Phase, "auto handling fires once per turn")

	d.Feed([]byte("file_a.txt\nfile_b.txt\n"), at(time.Second))
	dec = d.Check(at(time.Second + 2*time.Second))
	assert.Equal(t, PhaseComplete, dec.Phase)

	resp := d.Response()
	assert.Contains(t, resp, "I will list the files.")
	assert.Contains(t, resp, "file_a.txt")
	assert.NotContains(t, resp, "Yes, allow once")
	assert.NotContains(t, strings.Split(resp, "\n"), "1")
}

func TestDetector_ManualAcknowledgeAllowsAnotherPrompt(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "go", t0)

	d.Feed([]byte("Apply this change? (y/n)\n"), at(0))
	require.Equal(t, PhasePrompt, d.Check(at(10*time.Millisecond)).Phase)

	d.AcknowledgePrompt("y", false, at(20*time.Millisecond))
	assert.False(t, d.PromptHandled())
	assert.Equal(t, PhaseWaiting, d.Check(at(30*time.Millisecond)).Phase, "buffer was reset")

	d.Feed([]byte("Waiting for user confirmation...\n"), at(40*time.Millisecond))
	assert.Equal(t, PhasePrompt, d.Check(at(50*time.Millisecond)).Phase)
}

func TestDetector_EchoedMessageIsNotAPrompt(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "should I allow execution of scripts?", t0)

	d.Feed([]byte("> should I allow execution of scripts?\n"), at(0))
	assert.Equal(t, PhaseWaiting, d.Check(at(10*time.Millisecond)).Phase)
}

func TestDetector_StreamedLineRedraw(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "q", t0)

	d.Feed([]byte("Hello wor\r"), at(0))
	d.Feed([]byte("Hello world, this is the whole line\n"), at(10*time.Millisecond))
	d.Feed([]byte("Hello world, this is the whole line\n"), at(20*time.Millisecond))

	assert.Equal(t, "Hello world, this is the whole line", d.Response())
}

func TestDetector_ResponseFlushesPartialLine(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "q", t0)

	d.Feed([]byte("first line\nlast line without newline"), at(0))

	assert.Equal(t, "first line\nlast line without newline", d.Response())
	assert.Equal(t, len("first line\nlast line without newline"), d.Bytes())
}

func TestDetector_KeepsParagraphBreaks(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "q", t0)

	d.Feed([]byte("para one\n\n\n\npara two\n"), at(0))

	assert.Equal(t, "para one\n\npara two", d.Response())
}

func TestDetector_ResponseKeepsAnswerText(t *testing.T) {
	splitAt := func(s string, cuts ...int) [][]byte {
		var out [][]byte
		prev := 0
		for _, c := range cuts {
			out = append(out, []byte(s[prev:c]))
			prev = c
		}
		return append(out, []byte(s[prev:]))
	}
	cafe := "Café au lait is coffee with hot milk.\n"
	eAcute := strings.Index(cafe, "é")
	cjk := "答案是四十二，这是完整的一行文字。\n第二行\n"
	emoji := "Done 🎉 all checks passed\nnext\n"

	tests := []struct {
		name   string
		chunks [][]byte
		want   string
	}{
		{
			name: "repeated lines in code",
			chunks: [][]byte{[]byte("Here is the code:\nfunc a() error {\n    return nil\n}\nfunc b() error {\n    return nil\n}\n")},
			want: "Here is the code:\nfunc a() error {\n    return nil\n}\nfunc b() error {\n    return nil\n}",
		},
		{
			name:   "repeated list items",
			chunks: [][]byte{[]byte("Steps:\n- run tests\n- commit\n- run tests\n")},
			want:   "Steps:\n- run tests\n- commit\n- run tests",
		},
		{
			name:   "indentation inside a panel frame",
			chunks: [][]byte{[]byte("│ if err != nil {      │\n│     return err       │\n│ }                    │\n")},
			want:   "if err != nil {\n    return err\n}",
		},
		{
			name:   "two-byte rune split across reads",
			chunks: splitAt(cafe, eAcute+1),
			want:   strings.TrimSuffix(cafe, "\n"),
		},
		{
			name:   "three-byte runes split byte by byte",
			chunks: splitAt(cjk, 1, 2, 4, 5, 7),
			want:   "答案是四十二，这是完整的一行文字。\n第二行",
		},
		{
			name:   "four-byte rune split",
			chunks: splitAt(emoji, len("Done ")+3),
			want:   "Done 🎉 all checks passed\nnext",
		},
		{
			name:   "rune cut at the very end of output",
			chunks: [][]byte{[]byte("total: 5\nprice 10 \xe2\x82"), []byte("\xac\n")},
			want:   "total: 5\nprice 10 €",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(testDetectorConfig(), DefaultCatalog(), "q", t0)
			for i, c := range tt.chunks {
				d.Feed(c, at(time.Duration(i)*time.Millisecond))
			}

			resp := d.Response()
			assert.Equal(t, tt.want, resp)
			assert.NotContains(t, resp, string(utf8.RuneError))
			assert.NotContains(t, d.Transcript(), string(utf8.RuneError))
		})
	}
}

func TestDetector_TruncatedRuneAtEndIsReplaced(t *testing.T) {
	d := NewDetector(testDetectorConfig(), DefaultCatalog(), "q", t0)

	d.Feed([]byte("cut \xe2\x82"), at(0))

	resp := d.Response()
	assert.True(t, utf8.ValidString(resp))
	assert.True(t, strings.HasPrefix(resp, "cut "))
	assert.Contains(t, resp, string(utf8.RuneError))
	assert.Equal(t, 6, d.Bytes())
}

func TestDetector_Accessors(t *testing.T) {
	d := NewDetector(DetectorConfig{}, nil, "q", t0)

	assert.Equal(t, t0, d.LastData())
	assert.Equal(t, 3*time.Second, d.Elapsed(at(3*time.Second)))

	d.Feed(nil, at(time.Second))
	assert.Equal(t, t0, d.LastData(), "empty chunks are ignored")

	d.Feed([]byte("\x1b[32mgreen\x1b[0m\n"), at(time.Second))
	assert.Equal(t, at(time.Second), d.LastData())
	assert.Equal(t, "green", d.Transcript())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "waiting", PhaseWaiting.String())
	assert.Equal(t, "complete", PhaseComplete.String())
	assert.Equal(t, "prompt", PhasePrompt.String())
}
