package safety

import (
	"regexp"
	"strings"
)

// StubWarning describes an unimplemented-stub marker found in tool output,
// typically content an implementer agent claims to have finished.
type StubWarning struct {
	Pattern string
	Line    int // 1-based line of the first match
	Sample  string
}

// PlaceholderDetector scans written content for placeholder markers that
// indicate an agent stubbed out work instead of implementing it.
type PlaceholderDetector struct{}

// NewPlaceholderDetector creates a new PlaceholderDetector.
func NewPlaceholderDetector() *PlaceholderDetector {
	return &PlaceholderDetector{}
}

var stubPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)\bTODO[:(]?\s*implement`),
		desc: "TODO-implement marker",
	},
	{
		re:   regexp.MustCompile(`(?i)\bnot\s+(?:yet\s+)?implemented\b`),
		desc: "not-implemented marker",
	},
	{
		re:   regexp.MustCompile(`(?i)\bunimplemented!?\(?\)?`),
		desc: "unimplemented marker",
	},
	{
		re:   regexp.MustCompile(`(?i)\bYOUR[_ -]?CODE[_ -]?HERE\b`),
		desc: "your-code-here placeholder",
	},
	{
		re:   regexp.MustCompile(`raise\s+NotImplementedError`),
		desc: "NotImplementedError stub",
	},
	{
		re:   regexp.MustCompile(`panic\(["'](?:TODO|todo|not implemented|unimplemented)`),
		desc: "panic stub",
	},
	{
		re:   regexp.MustCompile(`(?i)<\s*(?:placeholder|implementation|insert[_ -]?code)\s*(?:here)?\s*>`),
		desc: "placeholder tag",
	},
	{
		re:   regexp.MustCompile(`(?i)\bimplementation\s+(?:goes|left)\s+here\b`),
		desc: "implementation-goes-here marker",
	},
}

// Scan checks content for stub markers and returns one warning per matching
// line, capped at 10 to bound the report size.
func (d *PlaceholderDetector) Scan(content string) []StubWarning {
	if content == "" {
		return nil
	}

	var warnings []StubWarning
	for i, line := range strings.Split(content, "\n") {
		for _, pat := range stubPatterns {
			if pat.re.MatchString(line) {
				sample := strings.TrimSpace(line)
				if len(sample) > 60 {
					sample = sample[:57] + "..."
				}
				warnings = append(warnings, StubWarning{
					Pattern: pat.desc,
					Line:    i + 1,
					Sample:  sample,
				})
				break
			}
		}
		if len(warnings) >= 10 {
			break
		}
	}
	return warnings
}
