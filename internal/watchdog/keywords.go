package watchdog

import "strings"

// keySequences maps reply key words to the bytes a terminal sends for them.
var keySequences = map[string]string{
	"tab":    "\t",
	"stab":   "\x1b[Z",
	"s-tab":  "\x1b[Z",
	"esc":    "\x1b",
	"escape": "\x1b",
	"enter":  "\r",
	"ctrlc":  "\x03",
	"ctrl-c": "\x03",
	"up":     "\x1b[A",
	"down":   "\x1b[B",
	"right":  "\x1b[C",
	"left":   "\x1b[D",
}

// KeySequence converts a reply that is entirely a key word (case-insensitive,
// trimmed) into its key sequence. ok is false for ordinary text, which the
// caller should send followed by a newline.
//
//	KeySequence("ESC")      -> "\x1b", true
//	KeySequence(" down ")   -> "\x1b[B", true
//	KeySequence("press esc") -> "press esc", false
func KeySequence(input string) (seq string, ok bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	if seq, ok := keySequences[normalized]; ok {
		return seq, true
	}
	return input, false
}
