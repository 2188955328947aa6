// Package ingest loads discovery manifests and authored findings into the
// knowledge store. Loading is idempotent: running the same manifest twice
// leaves the store as it was after the first run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/results"
)

// ErrInvalidManifest is returned when the manifest cannot be loaded at all.
// Individual bad records are counted in the summary instead.
var ErrInvalidManifest = errors.New("invalid manifest")

// Store is the part of the knowledge store ingestion writes through.
type Store interface {
	EnsureExperiment(ctx context.Context, exp schemas.Experiment) (schemas.Experiment, error)
	SetExperimentStatus(ctx context.Context, id string, status schemas.ExperimentStatus) error
	RecomputeExperimentMetrics(ctx context.Context, id string) (schemas.ExperimentMetrics, error)
	UpsertRepository(ctx context.Context, repo schemas.Repository) (schemas.Repository, error)
	ListRepositories(ctx context.Context, experimentID string) ([]schemas.Repository, error)
	UpsertResource(ctx context.Context, res schemas.Resource) (schemas.Resource, error)
	ListResources(ctx context.Context, experimentID string) ([]schemas.Resource, error)
	AddProperty(ctx context.Context, prop schemas.Property) (schemas.Property, error)
	Properties(ctx context.Context, resourceID int64) ([]schemas.Property, error)
	UpsertConnection(ctx context.Context, c schemas.Connection) (schemas.Connection, error)
	schemas.FindingQuerier
}

// Summary reports what one ingestion run did, per record kind.
type Summary struct {
	ExperimentID string                     `json:"experiment_id"`
	Repositories findings.Summary           `json:"repositories"`
	Resources    findings.Summary           `json:"resources"`
	Properties   findings.Summary           `json:"properties"`
	Connections  findings.Summary           `json:"connections"`
	Findings     findings.Summary           `json:"findings"`
	Metrics      *schemas.ExperimentMetrics `json:"metrics,omitempty"`
}

// Failed is the number of records rejected across all kinds.
func (s Summary) Failed() int {
	return s.Repositories.Failed + s.Resources.Failed + s.Properties.Failed + s.Connections.Failed + s.Findings.Failed
}

// Ingester writes manifests and finding batches into a store.
type Ingester struct {
	store    Store
	recorder findings.Recorder
	validate *validator.Validate
	log      *zap.Logger
	cfg      config.IngestConfig
}

// NewIngester wires an ingester. Findings go through recorder so that
// severity text is normalized the same way as everywhere else.
func NewIngester(store Store, recorder findings.Recorder, logger *zap.Logger, cfg config.IngestConfig) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		store:    store,
		recorder: recorder,
		validate: newValidator(),
		log:      logger.Named("ingest"),
		cfg:      cfg,
	}
}

func fail(s *findings.Summary, format string, args ...any) {
	s.Failed++
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// Ingest loads a whole manifest. Records are written in dependency order:
// repositories, resources (parents first), properties, connections and
// finally findings. A rejected record is reported and does not stop the
// run; only an unusable experiment or a cancelled context does.
func (in *Ingester) Ingest(ctx context.Context, m *Manifest) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := in.validate.Struct(m.Experiment); err != nil {
		return nil, fmt.Errorf("%w: experiment: %s", ErrInvalidManifest, describe(err))
	}

	exp := schemas.Experiment{ID: m.Experiment.ID, Status: schemas.ExperimentStatus(m.Experiment.Status)}
	if m.Experiment.ParentID != "" {
		parent := m.Experiment.ParentID
		exp.ParentID = &parent
	}
	stored, err := in.store.EnsureExperiment(ctx, exp)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure experiment %q: %w", exp.ID, err)
	}
	if exp.Status != "" && stored.Status != exp.Status {
		if err := in.store.SetExperimentStatus(ctx, stored.ID, exp.Status); err != nil {
			return nil, fmt.Errorf("failed to update experiment status: %w", err)
		}
	}

	sum := &Summary{ExperimentID: stored.ID}
	log := in.log.With(zap.String("experiment_id", stored.ID))
	log.Info("Ingesting manifest.",
		zap.Int("repositories", len(m.Repositories)),
		zap.Int("resources", len(m.Resources)),
		zap.Int("connections", len(m.Connections)),
		zap.Int("findings", len(m.Findings)))

	repos, err := in.loadRepositories(ctx, stored.ID, m, &sum.Repositories)
	if err != nil {
		return sum, err
	}
	idx, err := in.loadResources(ctx, stored.ID, m.Resources, repos, sum)
	if err != nil {
		return sum, err
	}
	if err := in.loadConnections(ctx, stored.ID, m.Connections, idx, &sum.Connections); err != nil {
		return sum, err
	}

	batch := make([]schemas.Finding, 0, len(m.Findings))
	for i, spec := range m.Findings {
		f, err := in.findingFromSpec(stored.ID, spec, idx)
		if err != nil {
			fail(&sum.Findings, "finding %d: %s", i+1, err)
			continue
		}
		batch = append(batch, f)
	}
	if err := in.record(ctx, stored.ID, batch, &sum.Findings); err != nil {
		return sum, err
	}

	metrics, err := in.store.RecomputeExperimentMetrics(ctx, stored.ID)
	if err != nil {
		return sum, fmt.Errorf("failed to recompute experiment metrics: %w", err)
	}
	sum.Metrics = &metrics

	log.Info("Manifest ingested.",
		zap.Int("resources", sum.Resources.Succeeded),
		zap.Int("findings", sum.Findings.Succeeded),
		zap.Int("skipped_findings", sum.Findings.Skipped),
		zap.Int("failed", sum.Failed()))
	return sum, nil
}

func (in *Ingester) loadRepositories(ctx context.Context, experimentID string, m *Manifest, sum *findings.Summary) (map[string]int64, error) {
	existing, err := in.store.ListRepositories(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	byName := make(map[string]int64, len(existing)+len(m.Repositories))
	for _, r := range existing {
		byName[r.Name] = r.ID
	}

	for _, spec := range m.Repositories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := in.validate.Struct(spec); err != nil {
			fail(sum, "repository %q: %s", spec.Name, describe(err))
			continue
		}
		repo := schemas.Repository{
			ExperimentID:  experimentID,
			Name:          spec.Name,
			RemoteURL:     spec.RemoteURL,
			Kind:          schemas.RepositoryKind(spec.Kind),
			FileCount:     spec.FileCount,
			IaCFileCount:  spec.IaCFileCount,
			CodeFileCount: spec.CodeFileCount,
		}
		if spec.Path != "" {
			dir := spec.Path
			if !filepath.IsAbs(dir) && m.baseDir != "" {
				dir = filepath.Join(m.baseDir, dir)
			}
			facts, err := DescribeRepository(dir)
			if err != nil {
				fail(sum, "repository %q: %s", spec.Name, err)
				continue
			}
			mergeFacts(&repo, facts)
			in.log.Debug("Described repository checkout.",
				zap.String("repository", spec.Name),
				zap.String("commit", facts.Commit),
				zap.Int("files", facts.FileCount))
		}
		out, err := in.store.UpsertRepository(ctx, repo)
		if err != nil {
			fail(sum, "repository %q: %s", spec.Name, err)
			continue
		}
		byName[out.Name] = out.ID
		sum.Succeeded++
	}
	return byName, nil
}

// mergeFacts fills what the manifest left empty from the checkout.
func mergeFacts(repo *schemas.Repository, facts RepositoryFacts) {
	if repo.RemoteURL == "" {
		repo.RemoteURL = facts.RemoteURL
	}
	if repo.Kind == "" {
		repo.Kind = facts.Kind
	}
	if repo.FileCount == 0 && repo.IaCFileCount == 0 && repo.CodeFileCount == 0 {
		repo.FileCount = facts.FileCount
		repo.IaCFileCount = facts.IaCFileCount
		repo.CodeFileCount = facts.CodeFileCount
	}
}

func (in *Ingester) loadResources(ctx context.Context, experimentID string, specs []ResourceSpec, repos map[string]int64, sum *Summary) (*resourceIndex, error) {
	existing, err := in.store.ListResources(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	idx := newResourceIndex(existing)

	pending := make([]ResourceSpec, 0, len(specs))
	for _, spec := range specs {
		if err := in.validate.Struct(spec); err != nil {
			fail(&sum.Resources, "resource %q: %s", spec.Ref(), describe(err))
			continue
		}
		if spec.SourceLineStart != nil && spec.SourceLineEnd != nil && *spec.SourceLineEnd < *spec.SourceLineStart {
			fail(&sum.Resources, "resource %q: source line end %d is before start %d", spec.Ref(), *spec.SourceLineEnd, *spec.SourceLineStart)
			continue
		}
		if spec.Repository != "" {
			if _, ok := repos[spec.Repository]; !ok {
				fail(&sum.Resources, "resource %q: unknown repository %q", spec.Ref(), spec.Repository)
				continue
			}
		}
		pending = append(pending, spec)
	}

	// Parents may be declared after their children, so resources are
	// written in passes until no more parents resolve.
	for len(pending) > 0 {
		var next []ResourceSpec
		for _, spec := range pending {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var parentID *int64
			if spec.Parent != "" {
				id, err := idx.resolve(spec.Parent)
				if err != nil {
					next = append(next, spec)
					continue
				}
				parentID = &id
			}
			res := schemas.Resource{
				ExperimentID:    experimentID,
				ParentID:        parentID,
				Name:            spec.Name,
				Type:            spec.Type,
				Provider:        spec.Provider,
				Region:          spec.Region,
				SourceFile:      spec.SourceFile,
				SourceLineStart: spec.SourceLineStart,
				SourceLineEnd:   spec.SourceLineEnd,
				Status:          schemas.ResourceStatus(spec.Status),
			}
			if spec.Repository != "" {
				id := repos[spec.Repository]
				res.RepositoryID = &id
			}
			out, err := in.store.UpsertResource(ctx, res)
			if err != nil {
				fail(&sum.Resources, "resource %q: %s", spec.Ref(), err)
				continue
			}
			idx.add(out)
			sum.Resources.Succeeded++
			in.loadProperties(ctx, out, spec.Properties, &sum.Properties)
		}
		if len(next) == len(pending) {
			for _, spec := range next {
				_, err := idx.resolve(spec.Parent)
				fail(&sum.Resources, "resource %q: parent: %s", spec.Ref(), err)
			}
			break
		}
		pending = next
	}
	return idx, nil
}

// loadProperties appends property values that differ from the latest
// recorded ones. Unchanged values are skipped so reruns add no history.
func (in *Ingester) loadProperties(ctx context.Context, res schemas.Resource, specs []PropertySpec, sum *findings.Summary) {
	if len(specs) == 0 {
		return
	}
	latest, err := in.store.Properties(ctx, res.ID)
	if err != nil {
		for _, spec := range specs {
			fail(sum, "property %s/%s.%s: %s", res.Type, res.Name, spec.Key, err)
		}
		return
	}
	current := make(map[string]schemas.Property, len(latest))
	for _, p := range latest {
		current[p.Key] = p
	}

	for _, spec := range specs {
		if err := in.validate.Struct(spec); err != nil {
			fail(sum, "property %s/%s.%s: %s", res.Type, res.Name, spec.Key, describe(err))
			continue
		}
		p := schemas.Property{
			ResourceID:       res.ID,
			Key:              spec.Key,
			Value:            spec.Value,
			ValueType:        schemas.PropertyValueType(spec.ValueType),
			Category:         schemas.PropertyCategory(spec.Category),
			SecurityRelevant: spec.SecurityRelevant,
		}
		if p.ValueType == "" {
			p.ValueType = schemas.ValueString
		}
		if p.Category == "" {
			p.Category = schemas.CategoryGeneral
		}
		if cur, ok := current[p.Key]; ok && samePropertyValue(cur, p) {
			sum.Skipped++
			continue
		}
		if _, err := in.store.AddProperty(ctx, p); err != nil {
			fail(sum, "property %s/%s.%s: %s", res.Type, res.Name, spec.Key, err)
			continue
		}
		sum.Succeeded++
	}
}

func samePropertyValue(a, b schemas.Property) bool {
	return a.Value == b.Value && a.ValueType == b.ValueType &&
		a.Category == b.Category && a.SecurityRelevant == b.SecurityRelevant
}

func (in *Ingester) loadConnections(ctx context.Context, experimentID string, specs []ConnectionSpec, idx *resourceIndex, sum *findings.Summary) error {
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return err
		}
		label := spec.Source + " -> " + spec.Target
		if err := in.validate.Struct(spec); err != nil {
			fail(sum, "connection %s: %s", label, describe(err))
			continue
		}
		src, err := idx.resolve(spec.Source)
		if err != nil {
			fail(sum, "connection %s: source: %s", label, err)
			continue
		}
		dst, err := idx.resolve(spec.Target)
		if err != nil {
			fail(sum, "connection %s: target: %s", label, err)
			continue
		}
		_, err = in.store.UpsertConnection(ctx, schemas.Connection{
			ExperimentID: experimentID,
			SourceID:     src,
			TargetID:     dst,
			Type:         spec.Type,
			Protocol:     spec.Protocol,
			Port:         spec.Port,
			AuthMethod:   spec.AuthMethod,
		})
		if err != nil {
			fail(sum, "connection %s: %s", label, err)
			continue
		}
		sum.Succeeded++
	}
	return nil
}

func (in *Ingester) findingFromSpec(experimentID string, spec FindingSpec, idx *resourceIndex) (schemas.Finding, error) {
	if err := in.validate.Struct(spec); err != nil {
		return schemas.Finding{}, fmt.Errorf("%q: %s", spec.Title, describe(err))
	}
	f := schemas.Finding{
		ExperimentID:  experimentID,
		Title:         spec.Title,
		Description:   spec.Description,
		Category:      spec.Category,
		SeverityScore: spec.SeverityScore,
		BaseSeverity:  spec.BaseSeverity,
		OverallScore:  spec.OverallScore,
		Evidence:      spec.Evidence,
		SourceFile:    spec.SourceFile,
		DocumentPath:  spec.DocumentPath,
		Status:        schemas.FindingStatus(spec.Status),
		Source:        schemas.FindingSource(spec.Source),
	}
	if spec.Resource != "" {
		id, err := idx.resolve(spec.Resource)
		if err != nil {
			return f, fmt.Errorf("%q: resource: %s", spec.Title, err)
		}
		f.ResourceID = &id
	}
	return f, nil
}

// ImportFindings records findings authored outside a manifest, typically
// loaded from review documents. A finding naming a resource by
// ResourceType and ResourceName is linked to it; an unknown resource is a
// failure for that finding only.
func (in *Ingester) ImportFindings(ctx context.Context, experimentID string, fs []schemas.Finding) (findings.Summary, error) {
	var sum findings.Summary
	if _, err := in.store.EnsureExperiment(ctx, schemas.Experiment{ID: experimentID}); err != nil {
		return sum, fmt.Errorf("failed to ensure experiment %q: %w", experimentID, err)
	}
	existing, err := in.store.ListResources(ctx, experimentID)
	if err != nil {
		return sum, fmt.Errorf("failed to list resources: %w", err)
	}
	idx := newResourceIndex(existing)

	batch := make([]schemas.Finding, 0, len(fs))
	for _, f := range fs {
		if strings.TrimSpace(f.Title) == "" {
			fail(&sum, "finding in %s: title is required", f.DocumentPath)
			continue
		}
		f.ID = 0
		f.ExperimentID = experimentID
		if f.ResourceID == nil && f.ResourceName != "" {
			ref := f.ResourceName
			if f.ResourceType != "" {
				ref = f.ResourceType + "/" + f.ResourceName
			}
			id, err := idx.resolve(ref)
			if err != nil {
				fail(&sum, "finding %q: resource: %s", f.Title, err)
				continue
			}
			f.ResourceID = &id
		}
		batch = append(batch, f)
	}
	if err := in.record(ctx, experimentID, batch, &sum); err != nil {
		return sum, err
	}
	if _, err := in.store.RecomputeExperimentMetrics(ctx, experimentID); err != nil {
		return sum, fmt.Errorf("failed to recompute experiment metrics: %w", err)
	}
	return sum, nil
}

// findingKey identifies a finding across reruns of the same input.
func findingKey(f schemas.Finding) string {
	res := "-"
	if f.ResourceID != nil {
		res = fmt.Sprint(*f.ResourceID)
	}
	return results.DedupKey(f.Title) + "|" + f.DocumentPath + "|" + res
}

// record streams the batch through a findings processor. Findings already
// stored for the experiment, or repeated within the batch, are skipped.
func (in *Ingester) record(ctx context.Context, experimentID string, batch []schemas.Finding, sum *findings.Summary) error {
	stored, err := in.store.QueryFindings(ctx, schemas.FindingFilter{ExperimentIDs: []string{experimentID}})
	if err != nil {
		return fmt.Errorf("failed to load existing findings: %w", err)
	}
	seen := make(map[string]bool, len(stored)+len(batch))
	for _, f := range stored {
		seen[findingKey(f)] = true
	}

	ch := make(chan schemas.Finding)
	proc := findings.NewProcessor(ch, in.recorder, in.log, in.cfg)
	go proc.Start(ctx)

	var sendErr error
send:
	for _, f := range batch {
		key := findingKey(f)
		if seen[key] {
			sum.Skipped++
			continue
		}
		seen[key] = true
		select {
		case ch <- f:
		case <-ctx.Done():
			sendErr = ctx.Err()
			break send
		}
	}
	close(ch)
	proc.Wait()

	got := proc.Summary()
	sum.Succeeded += got.Succeeded
	sum.Skipped += got.Skipped
	sum.Failed += got.Failed
	sum.Errors = append(sum.Errors, got.Errors...)
	return sendErr
}
