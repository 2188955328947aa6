package results

import (
	json "github.com/json-iterator/go"
)

// summarize counts ranked rows by label and by resource type.
func summarize(rows []Row) Summary {
	s := Summary{
		Total:          len(rows),
		ByLabel:        make(map[string]int),
		ByResourceType: make(map[string]int),
	}
	for _, r := range rows {
		s.ByLabel[r.Label]++
		s.ByResourceType[r.ResourceType]++
	}
	return s
}

// ToJSON serializes the register to an indented JSON byte slice.
func (r *Register) ToJSON() ([]byte, error) {
	return json.ConfigCompatibleWithStandardLibrary.MarshalIndent(r, "", "  ")
}

// Top returns at most n rows from the head of the register.
func (r *Register) Top(n int) []Row {
	if n <= 0 || n >= len(r.Rows) {
		return r.Rows
	}
	return r.Rows[:n]
}
