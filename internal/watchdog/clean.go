package watchdog

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

var (
	// CSI, OSC, DCS/SOS/PM/APC strings, charset designators, then any other
	// two-byte escape. Order matters: the generic form must come last.
	ansiPattern = regexp.MustCompile(
		`\x1b\[[0-?]*[ -/]*[@-~]` +
			`|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)` +
			`|\x1b[PX^_][^\x1b]*\x1b\\` +
			`|\x1b[()*+][0-9A-Za-z]` +
			`|\x1b[0-~]`)

	// Progress bars and braille spinner frames.
	glyphPattern = regexp.MustCompile(`[░▒▓█▀▄▐▏▎▍▌▋▊▉\x{2800}-\x{28FF}]+`)

	loadingPrefixes = []string{"loading", "initializing"}
)

// maxLoadingLineLen keeps "Loading ..." style status lines apart from prose
// that merely starts with the same word.
const maxLoadingLineLen = 60

// Decode turns a raw pty chunk into valid UTF-8, substituting U+FFFD for
// ill-formed sequences.
func Decode(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	s, _, err := transform.String(runes.ReplaceIllFormed(), string(raw))
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return s
}

// StripANSI removes terminal escape sequences and every remaining control
// character except newline and tab. Carriage returns become newlines.
func StripANSI(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f || (r >= 0x80 && r <= 0x9f) {
			return -1
		}
		return r
	}, s)
}

// Clean converts raw terminal output into readable text. It is idempotent:
// Clean(Clean(x)) == Clean(x).
func Clean(raw string) string {
	if raw == "" {
		return ""
	}
	s := StripANSI(Decode([]byte(raw)))
	s = glyphPattern.ReplaceAllString(s, "")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if isLoadingLine(line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(collapseBlankRuns(out), "\n")
}

// collapseBlankRuns replaces every run of three or more blank lines with a
// single blank line and drops blank lines at both ends. Lines must already
// be right-trimmed.
func collapseBlankRuns(lines []string) []string {
	out := make([]string, 0, len(lines))
	run := 0
	flush := func() {
		if run >= 3 {
			run = 1
		}
		for ; run > 0; run-- {
			out = append(out, "")
		}
	}
	for _, line := range lines {
		if line == "" {
			run++
			continue
		}
		if len(out) > 0 {
			flush()
		}
		run = 0
		out = append(out, line)
	}
	return out
}

func isLoadingLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range loadingPrefixes {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		if strings.HasSuffix(trimmed, "...") || strings.HasSuffix(trimmed, "…") {
			return true
		}
		return len(trimmed) <= maxLoadingLineLen
	}
	return false
}
