package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/store"
)

// printJSON writes v as indented JSON with sorted map keys.
func printJSON(w io.Writer, v any) error {
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// resolveResource accepts a numeric id, a "type/name" reference or a bare
// name that is unique within the experiment.
func resolveResource(ctx context.Context, s *store.Store, experimentID, ref string) (schemas.Resource, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		res, err := s.GetResource(ctx, id)
		if err != nil {
			return res, err
		}
		if res.ExperimentID != experimentID {
			return res, fmt.Errorf("resource %d belongs to experiment %q, not %q: %w", id, res.ExperimentID, experimentID, store.ErrNotFound)
		}
		return res, nil
	}

	if i := strings.LastIndex(ref, "/"); i > 0 && i < len(ref)-1 {
		return s.FindResource(ctx, experimentID, ref[:i], ref[i+1:])
	}

	all, err := s.ListResources(ctx, experimentID)
	if err != nil {
		return schemas.Resource{}, err
	}
	var matches []schemas.Resource
	for _, r := range all {
		if r.Name == ref {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return schemas.Resource{}, fmt.Errorf("resource %q in experiment %q: %w", ref, experimentID, store.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	refs := make([]string, len(matches))
	for i, m := range matches {
		refs[i] = m.Type + "/" + m.Name
	}
	return schemas.Resource{}, fmt.Errorf("resource name %q is ambiguous, use one of: %s", ref, strings.Join(refs, ", "))
}

func scoreText(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}
