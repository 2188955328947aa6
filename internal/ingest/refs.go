package ingest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// resourceIndex resolves manifest references to stored resource ids.
type resourceIndex struct {
	byRef  map[string]int64
	byName map[string][]string
}

func newResourceIndex(existing []schemas.Resource) *resourceIndex {
	idx := &resourceIndex{byRef: map[string]int64{}, byName: map[string][]string{}}
	for _, r := range existing {
		idx.add(r)
	}
	return idx
}

func (idx *resourceIndex) add(r schemas.Resource) {
	ref := r.Type + "/" + r.Name
	if _, ok := idx.byRef[ref]; !ok {
		idx.byName[r.Name] = append(idx.byName[r.Name], ref)
	}
	idx.byRef[ref] = r.ID
}

// resolve accepts "type/name", split at the last slash since types such as
// "Microsoft.Sql/servers" contain one, or a bare name that must be unique.
func (idx *resourceIndex) resolve(ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if id, ok := idx.byRef[ref]; ok {
		return id, nil
	}
	if i := strings.LastIndex(ref, "/"); i > 0 && i < len(ref)-1 {
		return 0, fmt.Errorf("unknown resource %q", ref)
	}
	refs := idx.byName[strings.Trim(ref, "/")]
	switch len(refs) {
	case 0:
		return 0, fmt.Errorf("unknown resource %q", ref)
	case 1:
		return idx.byRef[refs[0]], nil
	}
	sorted := append([]string(nil), refs...)
	sort.Strings(sorted)
	return 0, fmt.Errorf("ambiguous resource %q matches %s", ref, strings.Join(sorted, ", "))
}
