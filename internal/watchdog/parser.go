package watchdog

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/keepmind9/clibridge/pkg/constants"
)

const boxRunes = "─━│┃┌┐└┘├┤┬┴┼╭╮╰╯═║╔╗╚╝╠╣╦╩╬_-=·•"

// promptPrefixes are the cursor marks the input box draws before typed text.
var promptPrefixes = []string{"> ", "❯ ", ">>> "}

// isBorderLine reports whether a trimmed line is empty or made only of
// box-drawing characters and spaces.
func isBorderLine(line string) bool {
	if line == "" {
		return true
	}
	for _, r := range line {
		if r == ' ' || strings.ContainsRune(boxRunes, r) {
			continue
		}
		return false
	}
	return true
}

var frameEdges = []string{"│", "┃", "║"}

// displayLine removes the vertical box edges the TUI draws around panels
// while keeping the indentation of the text inside them, e.g.
// "│   return nil │" -> "  return nil". Trailing space is always dropped.
func displayLine(line string) string {
	s := strings.TrimRightFunc(line, unicode.IsSpace)
	lead := strings.TrimLeftFunc(s, unicode.IsSpace)
	for _, edge := range frameEdges {
		if !strings.HasPrefix(lead, edge) {
			continue
		}
		inner := strings.TrimPrefix(strings.TrimPrefix(lead, edge), " ")
		inner = strings.TrimSuffix(inner, edge)
		return strings.TrimRightFunc(inner, unicode.IsSpace)
	}
	return s
}

// NormalizeLine trims a display line down to the text a reader sees. The
// result is only used for matching; answer text keeps its indentation.
func NormalizeLine(line string) string {
	return strings.TrimSpace(displayLine(line))
}

// EchoMatcher recognizes the terminal echo of text written to the pty.
type EchoMatcher struct {
	inputs []echoInput
}

type echoInput struct {
	text   string
	prefix string
}

// NewEchoMatcher creates a matcher for the given outgoing message.
func NewEchoMatcher(message string) *EchoMatcher {
	m := &EchoMatcher{}
	m.Add(message)
	return m
}

// Add registers another input whose echo should be recognized.
func (m *EchoMatcher) Add(input string) {
	text := strings.TrimSpace(input)
	if text == "" {
		return
	}
	prefix := text
	if utf8.RuneCountInString(text) > constants.MaxPromptPrefixLength {
		prefix = string([]rune(text)[:constants.MaxPromptPrefixLength])
	}
	m.inputs = append(m.inputs, echoInput{text: text, prefix: prefix})
}

// IsEcho reports whether a normalized line is an echoed input.
func (m *EchoMatcher) IsEcho(line string) bool {
	if m == nil || line == "" {
		return false
	}
	for _, in := range m.inputs {
		if line == in.text {
			return true
		}
		for _, p := range promptPrefixes {
			if !strings.HasPrefix(line, p) {
				continue
			}
			rest := strings.TrimSpace(strings.TrimPrefix(line, p))
			if rest == "" {
				continue
			}
			if rest == in.text || strings.HasPrefix(rest, in.prefix) || strings.HasPrefix(in.text, rest) {
				return true
			}
		}
	}
	return false
}

// LineFilter classifies normalized lines for one turn.
type LineFilter struct {
	catalog *Catalog
	echo    *EchoMatcher
}

// NewLineFilter builds a filter bound to a catalog snapshot and the turn's message.
func NewLineFilter(catalog *Catalog, message string) *LineFilter {
	return &LineFilter{catalog: catalog, echo: NewEchoMatcher(message)}
}

// IsChrome reports whether a normalized line is UI decoration rather than answer text.
func (f *LineFilter) IsChrome(line string) bool {
	if isBorderLine(line) {
		return true
	}
	if f.echo.IsEcho(line) {
		return true
	}
	_, ok := f.catalog.MatchLine(KindContentBoundary, line)
	return ok
}

// Substantive returns the non-chrome lines of cleaned text, normalized.
func (f *LineFilter) Substantive(cleaned string) []string {
	if cleaned == "" {
		return nil
	}
	var out []string
	for _, raw := range strings.Split(cleaned, "\n") {
		line := NormalizeLine(raw)
		if f.IsChrome(line) {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ContentStarted applies the start-of-answer policy to substantive lines.
func ContentStarted(lines []string, minLines, minChars int) bool {
	if len(lines) >= minLines {
		return true
	}
	for _, l := range lines {
		if utf8.RuneCountInString(l) > minChars {
			return true
		}
	}
	return false
}

// tailLines returns the last n non-empty lines of cleaned text, normalized.
func tailLines(cleaned string, n int) []string {
	lines := strings.Split(cleaned, "\n")
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		line := NormalizeLine(lines[i])
		if isBorderLine(line) {
			continue
		}
		out = append(out, line)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// lastLines returns the last n raw lines of cleaned text.
func lastLines(cleaned string, n int) []string {
	lines := strings.Split(cleaned, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
