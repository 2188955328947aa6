package results

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// StoreSource reads findings already recorded in the store.
type StoreSource struct {
	Querier       schemas.FindingQuerier
	ExperimentIDs []string
	// Sources restricts the finding kinds; empty means all.
	Sources []schemas.FindingSource
}

func (s StoreSource) Name() string {
	name := "store"
	if len(s.ExperimentIDs) > 0 {
		name += ":" + strings.Join(s.ExperimentIDs, ",")
	}
	return name
}

func (s StoreSource) Load(ctx context.Context) (Batch, error) {
	found, err := s.Querier.QueryFindings(ctx, schemas.FindingFilter{
		ExperimentIDs: s.ExperimentIDs,
		Sources:       s.Sources,
	})
	if err != nil {
		return Batch{}, fmt.Errorf("failed to query findings: %w", err)
	}
	return Batch{Findings: found}, nil
}

// findingExtensions are the document types FileSource understands.
var findingExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// maxConcurrentFiles bounds how many finding documents are parsed at once.
const maxConcurrentFiles = 8

// FileSource reads authored finding documents from disk. Each path is a
// file or a directory walked recursively for .yaml, .yml and .json files.
// A document holds one finding, a list of findings, or a mapping with a
// "findings" list.
type FileSource struct {
	Paths []string
	// Kind is recorded on findings that do not name their own source.
	Kind schemas.FindingSource
}

func (s FileSource) Name() string {
	return "files:" + strings.Join(s.Paths, ",")
}

func (s FileSource) Load(ctx context.Context) (Batch, error) {
	files, err := s.collect()
	if err != nil {
		return Batch{}, err
	}

	perFile := make([]Batch, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFiles)
	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found, bad, err := readFindingFile(path)
			if err != nil {
				perFile[i].Failures = append(perFile[i].Failures, err.Error())
				return nil
			}
			perFile[i].Failures = bad
			for j := range found {
				s.fillDefaults(&found[j], path)
			}
			perFile[i].Findings = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Batch{}, err
	}

	var out Batch
	for _, b := range perFile {
		out.Findings = append(out.Findings, b.Findings...)
		out.Failures = append(out.Failures, b.Failures...)
	}
	return out, nil
}

// collect expands the configured paths into a sorted list of documents.
func (s FileSource) collect() ([]string, error) {
	var files []string
	for _, root := range s.Paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("failed to read finding source: %w", err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && findingExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (s FileSource) fillDefaults(f *schemas.Finding, path string) {
	if f.DocumentPath == "" {
		f.DocumentPath = filepath.ToSlash(path)
	}
	if f.Source == "" {
		f.Source = s.Kind
	}
	if f.Source == "" {
		f.Source = schemas.SourceCloud
	}
	if f.Status == "" {
		f.Status = schemas.FindingOpen
	}
}

// readFindingFile decodes one document in any of the accepted layouts.
// Records are decoded one at a time: a record that does not fit the
// finding shape is reported in bad and the others are kept. err is set
// only when the document as a whole cannot be read.
func readFindingFile(path string) (found []schemas.Finding, bad []string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	var failed []recordError
	if strings.EqualFold(filepath.Ext(path), ".json") {
		found, failed, err = decodeJSON(data)
	} else {
		found, failed, err = decodeYAML(data)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, f := range failed {
		bad = append(bad, fmt.Sprintf("%s: finding %d: %v", path, f.index+1, f.err))
	}
	return found, bad, nil
}

// recordError is one list element that failed to decode.
type recordError struct {
	index int
	err   error
}

func decodeJSON(data []byte) ([]schemas.Finding, []recordError, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil, fmt.Errorf("empty document")
	}
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, nil, err
		}
		found, failed := decodeJSONRecords(list)
		return found, failed, nil
	case '{':
		if json.Get(trimmed, "findings").ValueType() == json.ArrayValue {
			var doc struct {
				Findings []json.RawMessage `json:"findings"`
			}
			if err := json.Unmarshal(trimmed, &doc); err != nil {
				return nil, nil, err
			}
			found, failed := decodeJSONRecords(doc.Findings)
			return found, failed, nil
		}
		var one schemas.Finding
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, nil, err
		}
		return []schemas.Finding{one}, nil, nil
	}
	return nil, nil, fmt.Errorf("expected a JSON object or array")
}

func decodeJSONRecords(list []json.RawMessage) ([]schemas.Finding, []recordError) {
	var (
		found  []schemas.Finding
		failed []recordError
	)
	for i, raw := range list {
		var f schemas.Finding
		if err := json.Unmarshal(raw, &f); err != nil {
			failed = append(failed, recordError{index: i, err: err})
			continue
		}
		found = append(found, f)
	}
	return found, failed
}

func decodeYAML(data []byte) ([]schemas.Finding, []recordError, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, nil, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, nil, fmt.Errorf("empty document")
	}
	node := root.Content[0]
	switch node.Kind {
	case yaml.SequenceNode:
		found, failed := decodeYAMLRecords(node)
		return found, failed, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == "findings" && node.Content[i+1].Kind == yaml.SequenceNode {
				found, failed := decodeYAMLRecords(node.Content[i+1])
				return found, failed, nil
			}
		}
		var one schemas.Finding
		if err := node.Decode(&one); err != nil {
			return nil, nil, err
		}
		return []schemas.Finding{one}, nil, nil
	}
	return nil, nil, fmt.Errorf("expected a YAML mapping or sequence")
}

func decodeYAMLRecords(seq *yaml.Node) ([]schemas.Finding, []recordError) {
	var (
		found  []schemas.Finding
		failed []recordError
	)
	for i, item := range seq.Content {
		var f schemas.Finding
		if err := item.Decode(&f); err != nil {
			failed = append(failed, recordError{index: i, err: err})
			continue
		}
		found = append(found, f)
	}
	return found, failed
}

// loadAll loads every source concurrently and returns the batches in the
// order the sources were given, so the build stays deterministic.
func loadAll(ctx context.Context, sources []FindingSource) ([]Batch, error) {
	batches := make([]Batch, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			b, err := src.Load(gctx)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			batches[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batches, nil
}
