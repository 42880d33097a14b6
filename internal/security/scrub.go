package security

import (
	"regexp"

	"github.com/nidhogg/memgate/internal/memory"
)

// scrubPattern is one entry in the built-in detection catalog.
type scrubPattern struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// The catalog is ordered: provider-specific shapes run before the generic
// opaque-token pattern so the firing-name list is stable. Replacement tokens
// are chosen so no catalog pattern matches its own output.
var scrubCatalog = []scrubPattern{
	{
		name:        "private_key_block",
		re:          regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
		replacement: "[REDACTED:PRIVATE_KEY]",
	},
	{
		name:        "aws_access_key",
		re:          regexp.MustCompile(`\b(?:AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`),
		replacement: "[REDACTED:AWS_KEY]",
	},
	{
		name:        "github_token",
		re:          regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,255}\b`),
		replacement: "[REDACTED:GITHUB_TOKEN]",
	},
	{
		name:        "signed_token",
		re:          regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{4,}\b`),
		replacement: "[REDACTED:SIGNED_TOKEN]",
	},
	{
		name:        "connection_string",
		re:          regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s/:@]+:[^\s@]+@[^\s]+`),
		replacement: "[REDACTED:CONNECTION_STRING]",
	},
	{
		name:        "labeled_secret",
		re:          regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key|apikey|access[_-]?key)\b\s*[:=]\s*"?[^\s"]+"?`),
		replacement: "${1}=[REDACTED]",
	},
	{
		name:        "opaque_token",
		re:          regexp.MustCompile(`\b[A-Za-z0-9_+/=-]{48,}\b`),
		replacement: "[REDACTED:TOKEN]",
	},
}

// passwordLabelRe narrows labeled_secret hits to password-style labels for
// sensitivity classification.
var passwordLabelRe = regexp.MustCompile(`(?i)\b(password|passwd|pwd)\b\s*[:=]`)

// Sensitivity is the read-only classification of a piece of content.
type Sensitivity struct {
	Level              string   `json:"level"` // memory.SensitivityLow or High
	Patterns           []string `json:"patterns,omitempty"`
	ContainsCredential bool     `json:"contains_credential"`
	ContainsAPIKey     bool     `json:"contains_api_key"`
	ContainsPassword   bool     `json:"contains_password"`
}

// Scrubber redacts secret-shaped substrings using the built-in catalog. It
// is stateless and safe for concurrent use.
type Scrubber struct {
	catalog []scrubPattern
}

// NewScrubber returns a scrubber over the built-in catalog.
func NewScrubber() *Scrubber {
	return &Scrubber{catalog: scrubCatalog}
}

// Scrub runs every catalog pattern against text in catalog order. Each
// firing pattern substitutes its matches with its replacement token and is
// recorded once in the returned name list. Scrubbing its own output is a
// no-op for the built-in catalog.
func (s *Scrubber) Scrub(text string) (string, []string) {
	var fired []string
	out := text
	for _, p := range s.catalog {
		if !p.re.MatchString(out) {
			continue
		}
		fired = append(fired, p.name)
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out, fired
}

// Classify reports which patterns would fire on text without mutating it,
// plus coarse booleans used to tag stored records.
func (s *Scrubber) Classify(text string) Sensitivity {
	sens := Sensitivity{Level: memory.SensitivityLow}
	for _, p := range s.catalog {
		if !p.re.MatchString(text) {
			continue
		}
		sens.Patterns = append(sens.Patterns, p.name)
		switch p.name {
		case "private_key_block", "connection_string", "labeled_secret":
			sens.ContainsCredential = true
		case "aws_access_key", "github_token", "signed_token", "opaque_token":
			sens.ContainsAPIKey = true
		}
	}
	if passwordLabelRe.MatchString(text) {
		sens.ContainsPassword = true
	}
	if len(sens.Patterns) > 0 {
		sens.Level = memory.SensitivityHigh
	}
	return sens
}
