package watchdog

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/keepmind9/clibridge/pkg/constants"
)

// scanWindow bounds how much of the raw turn buffer is re-cleaned for tail
// and prompt checks.
const scanWindow = 16 * 1024

// maxPromptLead is how far above the matched phrase a panel edge is looked for.
const maxPromptLead = 8

// DetectorConfig holds the tunable thresholds of turn detection.
type DetectorConfig struct {
	SilenceThreshold time.Duration
	ReadySettle      time.Duration
	MinContentLines  int
	MinLineChars     int
	TailLines        int
	PromptScanLines  int
}

// DefaultDetectorConfig returns production thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SilenceThreshold: constants.DefaultSilenceThreshold,
		ReadySettle:      constants.DefaultReadySettle,
		MinContentLines:  constants.DefaultMinContentLines,
		MinLineChars:     constants.DefaultMinLineChars,
		TailLines:        constants.DefaultTailLines,
		PromptScanLines:  constants.DefaultPromptScanLines,
	}
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	d := DefaultDetectorConfig()
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.ReadySettle < 0 {
		c.ReadySettle = 0
	}
	if c.MinContentLines <= 0 {
		c.MinContentLines = d.MinContentLines
	}
	if c.MinLineChars <= 0 {
		c.MinLineChars = d.MinLineChars
	}
	if c.TailLines <= 0 {
		c.TailLines = d.TailLines
	}
	if c.PromptScanLines <= 0 {
		c.PromptScanLines = d.PromptScanLines
	}
	return c
}

// Phase is the detector's verdict on the current turn.
type Phase int

const (
	// PhaseWaiting means the turn is still producing output.
	PhaseWaiting Phase = iota
	// PhaseComplete means the turn has ended.
	PhaseComplete
	// PhasePrompt means an approval or auth prompt awaits an answer.
	PhasePrompt
)

func (p Phase) String() string {
	switch p {
	case PhaseComplete:
		return "complete"
	case PhasePrompt:
		return "prompt"
	default:
		return "waiting"
	}
}

// Completion reasons.
const (
	ReasonSilence     = "silence"
	ReasonReadyPrompt = "ready-prompt"
)

// Decision is the result of one Check.
type Decision struct {
	Phase  Phase
	Reason string
	// Prompt is the detected prompt text when Phase is PhasePrompt.
	Prompt string
	// Phrase is the catalog phrase that matched the prompt.
	Phrase string
}

// Detector decides when a turn of the wrapped assistant has finished. It is
// fed raw pty chunks and queried with the current time; it never reads the
// clock itself.
type Detector struct {
	cfg    DetectorConfig
	cat    *Catalog
	filter *LineFilter

	raw     strings.Builder
	pending string
	// partial holds an incomplete UTF-8 sequence cut off at the end of a read
	partial []byte

	response   []string
	resetMark  int
	substSince int
	started    bool

	promptHandled bool
	promptLines   []string

	lastData time.Time
	begin    time.Time
	bytes    int

	window      string
	windowDirty bool
}

// NewDetector starts a turn for message at now.
func NewDetector(cfg DetectorConfig, catalog *Catalog, message string, now time.Time) *Detector {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Detector{
		cfg:      cfg.withDefaults(),
		cat:      catalog,
		filter:   NewLineFilter(catalog, message),
		lastData: now,
		begin:    now,
	}
}

// Feed appends a raw chunk received at now.
func (d *Detector) Feed(chunk []byte, now time.Time) {
	if len(chunk) == 0 {
		return
	}
	d.bytes += len(chunk)
	d.lastData = now

	data := chunk
	if len(d.partial) > 0 {
		data = append(d.partial, chunk...)
		d.partial = nil
	}
	if cut := incompleteTail(data); cut < len(data) {
		d.partial = append([]byte(nil), data[cut:]...)
		data = data[:cut]
	}
	if len(data) == 0 {
		return
	}
	text := Decode(data)
	d.raw.WriteString(text)
	d.windowDirty = true

	d.pending += text
	idx := strings.LastIndexAny(d.pending, "\n\r")
	if idx < 0 {
		return
	}
	complete := d.pending[:idx+1]
	d.pending = d.pending[idx+1:]
	d.extract(complete)
}

// incompleteTail returns the offset of a trailing UTF-8 sequence that was
// cut short, or len(b) when b ends on a rune boundary.
func incompleteTail(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

func (d *Detector) extract(chunk string) {
	for _, raw := range strings.Split(Clean(chunk), "\n") {
		line := displayLine(raw)
		key := strings.TrimSpace(line)
		if key == "" {
			if n := len(d.response); n > 0 && trailingBlanks(d.response) < 3 {
				d.response = append(d.response, "")
			}
			continue
		}
		if d.filter.IsChrome(key) {
			continue
		}
		d.appendLine(line)
	}
}

func trailingBlanks(lines []string) int {
	n := 0
	for i := len(lines) - 1; i >= 0 && lines[i] == ""; i-- {
		n++
	}
	return n
}

func (d *Detector) appendLine(line string) {
	last := d.lastContentIndex()
	if last >= 0 {
		prev := d.response[last]
		if prev == line {
			return
		}
		// A streamed line redrawn with more text replaces its earlier rendering.
		if last >= d.resetMark && strings.HasPrefix(line, prev) {
			d.response[last] = line
			d.response = d.response[:last+1]
			if d.longLine(line) {
				d.started = true
			}
			return
		}
	}
	d.response = append(d.response, line)
	d.substSince++
	if !d.started && d.substSince >= d.cfg.MinContentLines {
		d.started = true
	}
	if !d.started && d.longLine(line) {
		d.started = true
	}
}

func (d *Detector) longLine(line string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(line)) > d.cfg.MinLineChars
}

func (d *Detector) lastContentIndex() int {
	for i := len(d.response) - 1; i >= 0; i-- {
		if d.response[i] != "" {
			return i
		}
	}
	return -1
}

func (d *Detector) scanText() string {
	if !d.windowDirty {
		return d.window
	}
	s := d.raw.String()
	if len(s) > scanWindow {
		s = s[len(s)-scanWindow:]
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
	}
	d.window = Clean(s)
	d.windowDirty = false
	return d.window
}

// Check evaluates the turn at now.
func (d *Detector) Check(now time.Time) Decision {
	cleaned := d.scanText()

	if !d.promptHandled {
		if prompt, phrase, lines := d.findPrompt(cleaned); prompt != "" {
			d.promptLines = lines
			return Decision{Phase: PhasePrompt, Prompt: prompt, Phrase: phrase}
		}
	}

	if !d.ContentStarted() {
		return Decision{Phase: PhaseWaiting}
	}

	quiet := now.Sub(d.lastData)
	if quiet >= d.cfg.SilenceThreshold {
		return Decision{Phase: PhaseComplete, Reason: ReasonSilence}
	}
	if quiet >= d.cfg.ReadySettle {
		tail := tailLines(cleaned, d.cfg.TailLines)
		if i, _ := d.cat.MatchLines(KindReadyPrompt, tail); i >= 0 {
			return Decision{Phase: PhaseComplete, Reason: ReasonReadyPrompt}
		}
	}
	return Decision{Phase: PhaseWaiting}
}

func (d *Detector) findPrompt(cleaned string) (string, string, []string) {
	if cleaned == "" {
		return "", "", nil
	}
	raw := lastLines(cleaned, d.cfg.PromptScanLines)
	norm := make([]string, len(raw))
	for i, l := range raw {
		norm[i] = NormalizeLine(l)
	}

	match, phrase := -1, ""
	for i, line := range norm {
		if isBorderLine(line) || d.filter.echo.IsEcho(line) {
			continue
		}
		if p, ok := d.cat.MatchLine(KindAuthPrompt, line); ok {
			match, phrase = i, p
			break
		}
	}
	if match < 0 {
		return "", "", nil
	}

	// Widen to the top edge of the panel the prompt is drawn in.
	start := match
	for j := match - 1; j >= 0 && match-j <= maxPromptLead; j-- {
		if norm[j] != "" && isBorderLine(norm[j]) {
			start = j + 1
			break
		}
	}

	var lines []string
	for _, line := range norm[start:] {
		if isBorderLine(line) || d.filter.echo.IsEcho(line) {
			continue
		}
		lines = append(lines, line)
		if len(lines) == constants.MaxPromptLines {
			break
		}
	}
	return strings.Join(lines, "\n"), phrase, lines
}

// AcknowledgePrompt records that the pending prompt was answered with answer
// at now. The prompt's lines are dropped from the response and the scan
// buffer restarts so the prompt UI does not count as answer content. auto
// marks the prompt handled for the rest of the turn.
func (d *Detector) AcknowledgePrompt(answer string, auto bool, now time.Time) {
	d.filter.echo.Add(answer)
	if auto {
		d.promptHandled = true
	}
	if len(d.promptLines) > 0 {
		drop := make(map[string]struct{}, len(d.promptLines))
		for _, l := range d.promptLines {
			drop[l] = struct{}{}
		}
		kept := d.response[:0]
		for i, l := range d.response {
			if _, ok := drop[strings.TrimSpace(l)]; ok && i >= d.resetMark {
				continue
			}
			kept = append(kept, l)
		}
		d.response = kept
		d.promptLines = nil
	}
	d.raw.Reset()
	d.pending = ""
	d.partial = nil
	d.window = ""
	d.windowDirty = false
	d.resetMark = len(d.response)
	d.substSince = 0
	d.started = false
	d.lastData = now
}

// PromptHandled reports whether an automatic answer was already given this turn.
func (d *Detector) PromptHandled() bool {
	return d.promptHandled
}

// ContentStarted reports whether answer content has begun since the last reset.
func (d *Detector) ContentStarted() bool {
	return d.started
}

// LastData returns when bytes last arrived.
func (d *Detector) LastData() time.Time {
	return d.lastData
}

// Elapsed returns the time since the turn started.
func (d *Detector) Elapsed(now time.Time) time.Duration {
	return now.Sub(d.begin)
}

// Bytes returns the number of raw bytes fed this turn.
func (d *Detector) Bytes() int {
	return d.bytes
}

// Response returns the extracted answer so far, flushing any unterminated
// final line.
func (d *Detector) Response() string {
	if len(d.partial) > 0 {
		d.pending += Decode(d.partial)
		d.partial = nil
	}
	if d.pending != "" {
		tail := d.pending
		d.pending = ""
		d.extract(tail)
	}
	return strings.Join(collapseBlankRuns(d.response), "\n")
}

// Transcript returns the cleaned scan buffer since the last reset.
func (d *Detector) Transcript() string {
	return d.scanText()
}
