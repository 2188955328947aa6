package results

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xkilldash9x/riskgraph/internal/findings"
)

// maxImpactWords keeps the business-impact sentence short.
const maxImpactWords = 32

// remediationWords open a remediation clause anywhere in a sentence.
var remediationWords = map[string]bool{
	"should": true, "must": true, "consider": true, "fix": true,
	"recommend": true, "recommended": true, "recommends": true, "recommendation": true,
	"remediate": true, "remediation": true, "mitigate": true, "mitigation": true,
}

// imperatives mark a sentence that is an instruction from its first word.
var imperatives = map[string]bool{
	"enable": true, "disable": true, "configure": true, "ensure": true,
	"restrict": true, "rotate": true, "update": true, "upgrade": true,
	"implement": true, "apply": true, "set": true, "use": true,
	"add": true, "remove": true, "review": true, "migrate": true,
	"replace": true, "limit": true, "deploy": true, "turn": true,
}

// consequenceWords mark a sentence that states what could go wrong.
var consequenceWords = []string{
	"allow", "allows", "allowing", "could", "can", "may", "might",
	"expose", "exposes", "exposed", "exposing", "lead", "leads", "result", "results",
	"attacker", "attackers", "unauthorized", "compromise", "compromised",
	"leak", "leaks", "breach", "disclosure", "loss", "impact", "risk",
}

// trailingFiller is dropped from the end of a clause cut short.
var trailingFiller = map[string]bool{
	"it": true, "is": true, "are": true, "we": true, "you": true, "this": true,
	"that": true, "and": true, "but": true, "so": true, "which": true,
	"strongly": true, "highly": true, "therefore": true, "to": true, "be": true,
	"the": true, "a": true, "an": true, "or": true, "team": true, "teams": true,
}

var (
	ipPattern       = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}(/\d{1,2})?$`)
	hostPortPattern = regexp.MustCompile(`:\d{1,5}$`)
	filePattern     = regexp.MustCompile(`(?i)\.(tf|tfvars|bicep|ya?ml|json|go|py|js|ts|sh|ps1|cs|java|rb|hcl|xml|ini|conf|env)$`)
	numberPattern   = regexp.MustCompile(`^\d+$`)
)

var fallbackImpact = map[findings.Label]string{
	findings.LabelCritical: "Exploitation could cause severe business disruption or large-scale data loss.",
	findings.LabelHigh:     "Exploitation could expose sensitive data or critical services.",
	findings.LabelMedium:   "Exploitation could weaken the protection of business data or services.",
	findings.LabelLow:      "Exploitation has limited business impact on its own.",
}

const defaultImpact = "The business impact of this issue has not been stated."

// BusinessImpact derives one short, non-technical sentence from authored
// issue text. It keeps the first sentence that states a consequence after
// remediation clauses and technical tokens are removed, and falls back to
// a fixed sentence per label. The result depends only on its inputs.
func BusinessImpact(text string, label findings.Label) string {
	var first string
	for _, sentence := range splitSentences(text) {
		kept := consequenceOf(sentence)
		if len(kept) == 0 {
			continue
		}
		if first == "" {
			first = finishSentence(kept)
		}
		if statesConsequence(kept) {
			return finishSentence(kept)
		}
	}
	if first != "" {
		return first
	}
	if s, ok := fallbackImpact[label]; ok {
		return s
	}
	return defaultImpact
}

// splitSentences breaks text at ., ! or ? followed by whitespace, and at
// line breaks. Dots inside tokens (file names, versions) do not split.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' || r == '\r' {
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				out = append(out, cur.String())
				cur.Reset()
			}
		}
	}
	out = append(out, cur.String())
	return out
}

// consequenceOf returns the words of a sentence that precede any
// remediation clause, minus technical tokens.
func consequenceOf(sentence string) []string {
	words := strings.Fields(sentence)
	if len(words) == 0 || imperatives[bare(words[0])] {
		return nil
	}

	var kept []string
	for i := 0; i < len(words); i++ {
		w := words[i]
		b := bare(w)
		if remediationWords[b] || (b == "to" && i+1 < len(words) && remediationWords[bare(words[i+1])]) {
			break
		}
		if (b == "port" || b == "ports") && i+1 < len(words) && numberPattern.MatchString(bare(words[i+1])) {
			i++
			continue
		}
		if technical(w) {
			continue
		}
		kept = append(kept, w)
	}

	if len(kept) > maxImpactWords {
		kept = kept[:maxImpactWords]
	}
	for len(kept) > 0 {
		last := kept[len(kept)-1]
		b := bare(last)
		if b == "" || trailingFiller[b] {
			kept = kept[:len(kept)-1]
			continue
		}
		break
	}
	return kept
}

func technical(word string) bool {
	if strings.ContainsAny(word, "`/\\=<>{}[]$") || strings.HasPrefix(word, "-") {
		return true
	}
	w := strings.TrimRight(strings.TrimLeft(word, "(\"'"), ".,;:)\"'!?")
	if w == "" {
		return false
	}
	return ipPattern.MatchString(w) || hostPortPattern.MatchString(w) || filePattern.MatchString(w) ||
		strings.Contains(w, "_") || strings.Count(w, ".") > 1
}

func statesConsequence(words []string) bool {
	for _, w := range words {
		b := bare(w)
		for _, c := range consequenceWords {
			if b == c {
				return true
			}
		}
	}
	return false
}

// finishSentence joins words, capitalizes the first letter and ends the
// sentence with a single period.
func finishSentence(words []string) string {
	s := strings.Join(words, " ")
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if s == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(s)
	if r != utf8.RuneError {
		s = string(unicode.ToUpper(r)) + s[size:]
	}
	return s + "."
}

// bare lowercases a word and strips surrounding punctuation.
func bare(word string) string {
	return strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}
