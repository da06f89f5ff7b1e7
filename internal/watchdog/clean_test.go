package watchdog

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"plain text", "hello world", "hello world"},
		{"color codes", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor movement", "\x1b[2K\x1b[1Aline\x1b[?25l", "line"},
		{"osc title", "\x1b]0;gemini - ~/repo\x07hello", "hello"},
		{"osc with st terminator", "\x1b]8;;http://x\x1b\\link\x1b]8;;\x1b\\", "link"},
		{"keypad mode", "\x1b=\x1b>ok", "ok"},
		{"crlf and lone cr", "a\r\nb\rc", "a\nb\nc"},
		{"spinner glyphs", "⠋⠙ Thinking", " Thinking"},
		{"progress bar", "done ████░░░░ 50%", "done  50%"},
		{"loading line", "Loading extensions...\nanswer", "answer"},
		{"initializing line", "Initializing\nanswer", "answer"},
		{"long prose starting with loading", "Loading data in pandas works with read_csv, read_parquet and friends", "Loading data in pandas works with read_csv, read_parquet and friends"},
		{"three blank lines collapse to one", "a\n\n\n\nb", "a\n\nb"},
		{"long blank run collapses to one", "a\n\n\n\n\n\n\nb", "a\n\nb"},
		{"two blank lines kept", "a\n\n\nb", "a\n\n\nb"},
		{"single blank line kept", "a\n\nb", "a\n\nb"},
		{"whitespace-only lines count as blank", "a\n  \n\t\n \nb", "a\n\nb"},
		{"leading and trailing blanks trimmed", "\n\n  \na\n\n", "a"},
		{"trailing spaces trimmed", "a   \nb\t", "a\nb"},
		{"nested escape leaves no escape byte", "\x1b\x1b[0m[31mX", "[31mX"},
		{"bell and backspace removed", "a\x07b\x08c", "abc"},
		{"loading line between blanks", "a\n\nLoading...\n\nb", "a\n\n\nb"},
		{"loading line joins blank runs", "a\n\nLoading...\n\n\nb", "a\n\nb"},
		{"indentation kept", "func a() {\n    return nil\n}", "func a() {\n    return nil\n}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.raw))
		})
	}
}

func TestClean_InvalidUTF8(t *testing.T) {
	out := Clean("ok \xff\xfe end")

	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "ok "))
	assert.True(t, strings.HasSuffix(out, " end"))
	assert.Contains(t, out, string(utf8.RuneError))
}

func TestClean_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		"\x1b[1;32m✔ done\x1b[0m\r\n\r\n\r\n\r\nnext",
		"\x1b\x1b[0m[31m",
		"Load⠋ing...\nreal",
		"\n\n\n  x  \n\n\n",
		"╭────╮\n│ > hi │\n╰────╯",
		"\xc2\x9b31m\xff\x1b]0;t",
		"Initializing\n\n\nLoading...\n\n\nanswer\n\n\n",
	}

	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"a", "b", " ", "\n", "\r", "\t", "\x1b", "[", "]", "0", ";", "m", "\x07", "\\", "⠋", "█", "L", "oading", "...", "\xff", "│", "─", " "}
	for i := 0; i < 500; i++ {
		var b strings.Builder
		n := rng.Intn(40)
		for j := 0; j < n; j++ {
			b.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		inputs = append(inputs, b.String())
	}

	for _, in := range inputs {
		once := Clean(in)
		assert.Equal(t, once, Clean(once), "input %q", in)
	}
}

func TestStripANSI_KeepsNewlinesAndTabs(t *testing.T) {
	assert.Equal(t, "a\tb\nc", StripANSI("\x1b[1ma\tb\x1b[0m\r\nc"))
}

func TestDecode(t *testing.T) {
	assert.Equal(t, "héllo", Decode([]byte("héllo")))
	assert.True(t, utf8.ValidString(Decode([]byte{0x68, 0xff, 0x69})))
}
