package findings

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// Label is a textual severity level.
type Label string

const (
	LabelCritical Label = "Critical"
	LabelHigh     Label = "High"
	LabelMedium   Label = "Medium"
	LabelLow      Label = "Low"
)

// Rank orders labels: Critical > High > Medium > Low > anything else.
func (l Label) Rank() int {
	switch l {
	case LabelCritical:
		return 4
	case LabelHigh:
		return 3
	case LabelMedium:
		return 2
	case LabelLow:
		return 1
	}
	return 0
}

// ParseLabel canonicalizes a label regardless of case and surrounding
// space. The second result is false for unknown labels.
func ParseLabel(s string) (Label, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return LabelCritical, true
	case "high":
		return LabelHigh, true
	case "medium":
		return LabelMedium, true
	case "low":
		return LabelLow, true
	}
	return "", false
}

// LabelForScore maps a 1..10 score onto its conventional label.
func LabelForScore(score int) Label {
	switch {
	case score >= 9:
		return LabelCritical
	case score >= 7:
		return LabelHigh
	case score >= 4:
		return LabelMedium
	case score >= 1:
		return LabelLow
	}
	return ""
}

// Severity is a parsed "<Label> <n>/10" value.
type Severity struct {
	Label Label
	Score int
}

// String renders the canonical form, e.g. "High 7/10".
func (s Severity) String() string {
	return string(s.Label) + " " + strconv.Itoa(s.Score) + "/10"
}

var severityPattern = regexp.MustCompile(`^\s*([A-Za-z]+)\s*[:\-]?\s*(\d{1,2})\s*/\s*10\s*$`)

// ParseSeverity extracts label and score from the canonical text form used
// by finding authors ("High 7/10"). The label is case-insensitive and the
// score must be 1..10. Anything else reports false; it never panics.
func ParseSeverity(text string) (Severity, bool) {
	m := severityPattern.FindStringSubmatch(text)
	if m == nil {
		return Severity{}, false
	}
	label, ok := ParseLabel(m[1])
	if !ok {
		return Severity{}, false
	}
	score, err := strconv.Atoi(m[2])
	if err != nil || score < 1 || score > 10 {
		return Severity{}, false
	}
	return Severity{Label: label, Score: score}, true
}

// Resolve determines the effective severity of a finding. A numeric
// SeverityScore wins; its label comes from BaseSeverity, then from the
// parsed OverallScore, then from the score itself. Without a usable number
// the OverallScore text must parse. The second result is false when the
// finding carries no usable severity at all.
func Resolve(f schemas.Finding) (Severity, bool) {
	parsed, parsedOK := ParseSeverity(f.OverallScore)

	if f.SeverityScore != nil && *f.SeverityScore >= 1 && *f.SeverityScore <= 10 {
		sev := Severity{Score: *f.SeverityScore}
		if l, ok := ParseLabel(f.BaseSeverity); ok {
			sev.Label = l
		} else if parsedOK {
			sev.Label = parsed.Label
		} else {
			sev.Label = LabelForScore(sev.Score)
		}
		return sev, true
	}
	if parsedOK {
		if l, ok := ParseLabel(f.BaseSeverity); ok {
			parsed.Label = l
		}
		return parsed, true
	}
	return Severity{}, false
}
