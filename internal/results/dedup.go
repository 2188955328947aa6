package results

import (
	"sort"
	"strings"
	"unicode"
)

// DedupKey normalizes issue text for duplicate detection: lower case,
// punctuation dropped and whitespace collapsed.
func DedupKey(title string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// Dedup merges rows whose titles share a DedupKey, keeping the first row
// of each group in register order. The survivor accumulates the duplicate
// count and the document paths of the rows merged into it. The input is
// not modified; running Dedup on its own output merges nothing.
func Dedup(rows []Row) ([]Row, int) {
	ordered := make([]Row, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool { return Less(ordered[i], ordered[j]) })

	index := make(map[string]int, len(ordered))
	out := make([]Row, 0, len(ordered))
	merged := 0
	for _, r := range ordered {
		key := DedupKey(r.Title)
		pos, dup := index[key]
		if !dup {
			r.DocumentPaths = mergePaths(nil, r)
			index[key] = len(out)
			out = append(out, r)
			continue
		}
		keep := &out[pos]
		keep.DuplicateCount += r.DuplicateCount + 1
		keep.DocumentPaths = mergePaths(keep.DocumentPaths, r)
		merged++
	}
	return out, merged
}

// mergePaths unions the known paths with the paths of r, sorted.
func mergePaths(paths []string, r Row) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths)+len(r.DocumentPaths)+1)
	for _, group := range [][]string{paths, r.DocumentPaths, {r.DocumentPath}} {
		for _, p := range group {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
