package results

import (
	"sort"

	"github.com/xkilldash9x/riskgraph/internal/findings"
)

// maxReachBonus keeps the blast-radius bonus below one point, so weighting
// only reorders findings that share an integer severity score.
const maxReachBonus = 0.9

// riskScore is the severity score plus the optional blast-radius bonus.
func riskScore(severity int, reach *int) float64 {
	score := float64(severity)
	if reach == nil || *reach <= 0 {
		return score
	}
	bonus := float64(*reach) / 10
	if bonus > maxReachBonus {
		bonus = maxReachBonus
	}
	return score + bonus
}

// Less is the total order of the register: risk score descending, label
// rank descending, then normalized title, document path, source file,
// experiment and finding id ascending.
func Less(a, b Row) bool {
	if a.RiskScore != b.RiskScore {
		return a.RiskScore > b.RiskScore
	}
	if ra, rb := findings.Label(a.Label).Rank(), findings.Label(b.Label).Rank(); ra != rb {
		return ra > rb
	}
	if ka, kb := DedupKey(a.Title), DedupKey(b.Title); ka != kb {
		return ka < kb
	}
	if a.DocumentPath != b.DocumentPath {
		return a.DocumentPath < b.DocumentPath
	}
	if a.SourceFile != b.SourceFile {
		return a.SourceFile < b.SourceFile
	}
	if a.ExperimentID != b.ExperimentID {
		return a.ExperimentID < b.ExperimentID
	}
	return a.FindingID < b.FindingID
}

// Prioritize sorts rows into the register order and numbers them from 1.
func Prioritize(rows []Row) []Row {
	sort.SliceStable(rows, func(i, j int) bool { return Less(rows[i], rows[j]) })
	for i := range rows {
		rows[i].Priority = i + 1
	}
	return rows
}
