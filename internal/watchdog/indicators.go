package watchdog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// IndicatorKind is the meaning attached to a catalog phrase.
type IndicatorKind string

const (
	// KindContentBoundary marks UI chrome that is never answer content.
	KindContentBoundary IndicatorKind = "content_boundary"
	// KindAuthPrompt marks an approval or authentication prompt.
	KindAuthPrompt IndicatorKind = "auth_prompt"
	// KindReadyPrompt marks the idle input box.
	KindReadyPrompt IndicatorKind = "ready_prompt"
)

// CatalogVersion is the only catalog schema version understood.
const CatalogVersion = 1

//go:embed default_indicators.yaml
var defaultCatalogYAML []byte

// Indicator is one phrase of the catalog.
type Indicator struct {
	Phrase string        `yaml:"phrase"`
	Kind   IndicatorKind `yaml:"kind"`
	Regex  bool          `yaml:"regex,omitempty"`

	lower string
	re    *regexp.Regexp
}

// Catalog is the versioned phrase list every heuristic reads from.
type Catalog struct {
	Version    int         `yaml:"version"`
	Indicators []Indicator `yaml:"indicators"`

	byKind map[IndicatorKind][]*Indicator
}

// ParseCatalog decodes and compiles a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse indicator catalog: %w", err)
	}
	if c.Version != CatalogVersion {
		return nil, fmt.Errorf("unsupported indicator catalog version %d (want %d)", c.Version, CatalogVersion)
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read indicator catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// DefaultCatalog returns the embedded Gemini CLI catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded indicator catalog: %v", err))
	}
	return c
}

func (c *Catalog) compile() error {
	c.byKind = make(map[IndicatorKind][]*Indicator)
	for i := range c.Indicators {
		ind := &c.Indicators[i]
		if strings.TrimSpace(ind.Phrase) == "" {
			return fmt.Errorf("indicator %d: empty phrase", i)
		}
		switch ind.Kind {
		case KindContentBoundary, KindAuthPrompt, KindReadyPrompt:
		default:
			return fmt.Errorf("indicator %q: unknown kind %q", ind.Phrase, ind.Kind)
		}
		if ind.Regex {
			re, err := regexp.Compile("(?i)" + ind.Phrase)
			if err != nil {
				return fmt.Errorf("indicator %q: %w", ind.Phrase, err)
			}
			ind.re = re
		} else {
			ind.lower = strings.ToLower(ind.Phrase)
		}
		c.byKind[ind.Kind] = append(c.byKind[ind.Kind], ind)
	}
	return nil
}

// Count returns the number of indicators of a kind.
func (c *Catalog) Count(kind IndicatorKind) int {
	return len(c.byKind[kind])
}

// MatchLine reports the first indicator of kind matching one trimmed line.
func (c *Catalog) MatchLine(kind IndicatorKind, line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	for _, ind := range c.byKind[kind] {
		if ind.re != nil {
			if ind.re.MatchString(trimmed) {
				return ind.Phrase, true
			}
			continue
		}
		if strings.Contains(lower, ind.lower) {
			return ind.Phrase, true
		}
	}
	return "", false
}

// MatchLines returns the index of the first line matching kind, or -1.
func (c *Catalog) MatchLines(kind IndicatorKind, lines []string) (int, string) {
	for i, line := range lines {
		if phrase, ok := c.MatchLine(kind, line); ok {
			return i, phrase
		}
	}
	return -1, ""
}
