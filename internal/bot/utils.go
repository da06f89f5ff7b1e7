package bot

import (
	"strings"
	"unicode/utf8"

	"github.com/keepmind9/clibridge/pkg/constants"
)

// maskSecret masks sensitive information for logging
func maskSecret(s string) string {
	if len(s) <= constants.MinTokenLengthForMasking {
		return "***"
	}
	return s[:constants.TokenMaskPrefixLength] + "***" + s[len(s)-constants.TokenMaskSuffixLength:]
}

// SplitMessage breaks message into chunks of at most limit bytes. Cuts
// prefer the last newline inside the window and never split a UTF-8
// sequence. A non-positive limit returns the message unchanged.
func SplitMessage(message string, limit int) []string {
	if limit <= 0 || len(message) <= limit {
		return []string{message}
	}

	var chunks []string
	rest := message
	for len(rest) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(rest[:cut], '\n'); nl > limit/2 {
			cut = nl + 1
		}
		if cut == 0 {
			// a single rune wider than limit
			_, size := utf8.DecodeRuneInString(rest)
			cut = size
		}
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n"))
		rest = rest[cut:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// effectiveLimit picks the smaller positive value of a configured and a
// platform limit.
func effectiveLimit(configured, platform int) int {
	if configured > 0 && configured < platform {
		return configured
	}
	return platform
}
