package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/store"
)

const manifestYAML = `
experiment:
  id: run-1
  status: completed
repositories:
  - name: infra
    path: repo
resources:
  - name: orders
    type: Microsoft.Sql/servers/databases
    parent: Microsoft.Sql/servers/sql-prod
  - name: sql-prod
    type: Microsoft.Sql/servers
    repository: infra
    source_file: main.tf
    source_line_start: 3
    source_line_end: 20
    properties:
      - key: public_network_access
        value: "true"
        value_type: bool
        category: network
        security_relevant: true
      - key: tls_version
        value: "1.0"
  - name: web
    type: azurerm_linux_web_app
  - name: ghost
    type: azurerm_linux_web_app
    parent: missing
  - name: ""
    type: azurerm_key_vault
connections:
  - source: web
    target: sql-prod
    type: queries
    protocol: tds
    port: 1433
  - source: web
    target: nowhere
    type: calls
findings:
  - title: SQL server allows public access
    resource: sql-prod
    overall_score: High 8/10
    document_path: reviews/sql.md
  - title: SQL server allows public access
    resource: sql-prod
    overall_score: High 8/10
    document_path: reviews/sql.md
  - title: Orphaned finding
    resource: nope
    severity_score: 3
  - title: Diagnostic logs are not retained
    severity_score: 4
`

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "ingest.db"),
		BusyTimeout: time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestIngester(t *testing.T, s *store.Store) *Ingester {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.IngestConfig{FindingsBatchSize: 2, FindingsFlushInterval: 10 * time.Millisecond}
	return NewIngester(s, findings.NewLedger(s, logger, nil), logger, cfg)
}

// initRepo creates a committed checkout with an origin remote.
func initRepo(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{"git@example.com:acme/infra.git"},
	})
	require.NoError(t, err)

	writeFiles(t, dir, files)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
}

func writeManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	initRepo(t, filepath.Join(dir, "repo"), map[string]string{
		"main.tf":           "resource {}",
		"modules/vars.tf":   "variable {}",
		"cmd/app/main.go":   "package main",
		"README.md":         "# infra",
		"deploy/values.yml": "a: b",
	})
	path := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o644))
	return path
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	in := newTestIngester(t, s)

	m, err := LoadManifest(writeManifest(t))
	require.NoError(t, err)

	sum, err := in.Ingest(ctx, m)
	require.NoError(t, err)

	assert.Equal(t, "run-1", sum.ExperimentID)
	assert.Equal(t, 1, sum.Repositories.Succeeded)
	assert.Equal(t, 3, sum.Resources.Succeeded)
	assert.Equal(t, 2, sum.Resources.Failed, sum.Resources.Errors)
	assert.Equal(t, 2, sum.Properties.Succeeded)
	assert.Equal(t, 1, sum.Connections.Succeeded)
	assert.Equal(t, 1, sum.Connections.Failed)
	assert.Equal(t, 2, sum.Findings.Succeeded)
	assert.Equal(t, 1, sum.Findings.Skipped)
	assert.Equal(t, 1, sum.Findings.Failed)
	assert.Equal(t, 4, sum.Failed())
	require.NotNil(t, sum.Metrics)
	assert.Equal(t, 2, sum.Metrics.FindingCount)

	t.Run("experiment status follows the manifest", func(t *testing.T) {
		exp, err := s.GetExperiment(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, schemas.ExperimentCompleted, exp.Status)
	})

	t.Run("repository described from git", func(t *testing.T) {
		repos, err := s.ListRepositories(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, repos, 1)
		assert.Equal(t, "git@example.com:acme/infra.git", repos[0].RemoteURL)
		assert.Equal(t, schemas.RepositoryInfrastructure, repos[0].Kind)
		assert.Equal(t, 5, repos[0].FileCount)
		assert.Equal(t, 3, repos[0].IaCFileCount)
		assert.Equal(t, 1, repos[0].CodeFileCount)
	})

	t.Run("parent declared later still links", func(t *testing.T) {
		sql, err := s.FindResource(ctx, "run-1", "Microsoft.Sql/servers", "sql-prod")
		require.NoError(t, err)
		orders, err := s.FindResource(ctx, "run-1", "Microsoft.Sql/servers/databases", "orders")
		require.NoError(t, err)
		require.NotNil(t, orders.ParentID)
		assert.Equal(t, sql.ID, *orders.ParentID)
		assert.NotNil(t, sql.RepositoryID)
	})

	t.Run("findings are linked and normalized", func(t *testing.T) {
		got, err := s.QueryFindings(ctx, schemas.FindingFilter{ExperimentIDs: []string{"run-1"}})
		require.NoError(t, err)
		require.Len(t, got, 2)
		for _, f := range got {
			if f.Title == "SQL server allows public access" {
				assert.Equal(t, "sql-prod", f.ResourceName)
				require.NotNil(t, f.SeverityScore)
				assert.Equal(t, 8, *f.SeverityScore)
			}
		}
	})

	t.Run("rerun is idempotent", func(t *testing.T) {
		again, err := in.Ingest(ctx, m)
		require.NoError(t, err)
		assert.Zero(t, again.Findings.Succeeded)
		assert.Equal(t, 3, again.Findings.Skipped)
		assert.Zero(t, again.Properties.Succeeded)
		assert.Equal(t, 2, again.Properties.Skipped)

		resources, err := s.ListResources(ctx, "run-1")
		require.NoError(t, err)
		assert.Len(t, resources, 3)
		got, err := s.QueryFindings(ctx, schemas.FindingFilter{ExperimentIDs: []string{"run-1"}})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		conns, err := s.ListConnections(ctx, "run-1")
		require.NoError(t, err)
		assert.Len(t, conns, 1)
	})

	t.Run("changed property appends history", func(t *testing.T) {
		m.Resources[1].Properties[1].Value = "1.2"
		again, err := in.Ingest(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, 1, again.Properties.Succeeded)

		sql, err := s.FindResource(ctx, "run-1", "Microsoft.Sql/servers", "sql-prod")
		require.NoError(t, err)
		history, err := s.PropertyHistory(ctx, sql.ID, "tls_version")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "1.2", history[0].Value)
	})
}

func TestIngest_InvalidExperiment(t *testing.T) {
	s := openStore(t)
	in := newTestIngester(t, s)

	for name, exp := range map[string]ExperimentSpec{
		"missing id":     {},
		"unknown status": {ID: "run", Status: "paused"},
		"own parent":     {ID: "run", ParentID: "run"},
	} {
		_, err := in.Ingest(context.Background(), &Manifest{Experiment: exp})
		assert.ErrorIs(t, err, ErrInvalidManifest, name)
	}
}

func TestIngest_Cancelled(t *testing.T) {
	s := openStore(t)
	in := newTestIngester(t, s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := in.Ingest(ctx, &Manifest{Experiment: ExperimentSpec{ID: "run"}})
	assert.Error(t, err)
}

func TestImportFindings(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	in := newTestIngester(t, s)

	_, err := s.CreateExperiment(ctx, schemas.Experiment{ID: "run"})
	require.NoError(t, err)
	_, err = s.UpsertResource(ctx, schemas.Resource{ExperimentID: "run", Name: "vault", Type: "azurerm_key_vault"})
	require.NoError(t, err)

	score := 6
	batch := []schemas.Finding{
		{Title: "Soft delete disabled", ResourceType: "azurerm_key_vault", ResourceName: "vault", SeverityScore: &score, DocumentPath: "a.md"},
		{Title: "Soft delete disabled", ResourceName: "vault", SeverityScore: &score, DocumentPath: "a.md"},
		{Title: "Unknown host", ResourceName: "nowhere", OverallScore: "Low 2/10"},
		{Title: "  ", OverallScore: "Low 2/10"},
		{Title: "Tenant allows guest invites", OverallScore: "Medium 5/10"},
	}

	sum, err := in.ImportFindings(ctx, "run", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Succeeded)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, sum.Errors, 2)

	again, err := in.ImportFindings(ctx, "run", batch)
	require.NoError(t, err)
	assert.Zero(t, again.Succeeded)
	assert.Equal(t, 3, again.Skipped)

	reworded := []schemas.Finding{
		{Title: "Soft-delete  disabled.", ResourceName: "vault", SeverityScore: &score, DocumentPath: "a.md"},
		{Title: "TENANT allows guest-invites", OverallScore: "Medium 5/10"},
	}
	third, err := in.ImportFindings(ctx, "run", reworded)
	require.NoError(t, err)
	assert.Zero(t, third.Succeeded, "punctuation and spacing do not make a new finding")
	assert.Equal(t, 2, third.Skipped)

	exp, err := s.GetExperiment(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, 2, exp.FindingCount)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		p := filepath.Join(dir, "m.json")
		require.NoError(t, os.WriteFile(p, []byte(`{"experiment":{"id":"x"},"resources":[{"name":"a","type":"t","properties":[{"key":"k","value":"v"}]}]}`), 0o644))
		m, err := LoadManifest(p)
		require.NoError(t, err)
		assert.Equal(t, "x", m.Experiment.ID)
		require.Len(t, m.Resources, 1)
		assert.Equal(t, "t/a", m.Resources[0].Ref())
		assert.Equal(t, dir, m.baseDir)
	})

	t.Run("unknown yaml field", func(t *testing.T) {
		p := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(p, []byte("experiment:\n  id: x\n  colour: red\n"), 0o644))
		_, err := LoadManifest(p)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadManifest(filepath.Join(dir, "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestDescribeRepository(t *testing.T) {
	t.Run("plain directory", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"app.py": "", "lib/util.py": "", "Dockerfile": ""})
		facts, err := DescribeRepository(dir)
		require.NoError(t, err)
		assert.Empty(t, facts.RemoteURL)
		assert.Empty(t, facts.Commit)
		assert.Equal(t, 3, facts.FileCount)
		assert.Equal(t, 1, facts.IaCFileCount)
		assert.Equal(t, 2, facts.CodeFileCount)
		assert.Equal(t, schemas.RepositoryApplication, facts.Kind)
	})

	t.Run("repository without commits walks the tree", func(t *testing.T) {
		dir := t.TempDir()
		_, err := git.PlainInit(dir, false)
		require.NoError(t, err)
		writeFiles(t, dir, map[string]string{"README.md": ""})
		facts, err := DescribeRepository(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, facts.FileCount)
		assert.Equal(t, schemas.RepositoryLibrary, facts.Kind)
	})

	t.Run("committed tree ignores untracked files", func(t *testing.T) {
		dir := t.TempDir()
		initRepo(t, dir, map[string]string{"main.tf": ""})
		writeFiles(t, dir, map[string]string{"scratch.go": ""})
		facts, err := DescribeRepository(dir)
		require.NoError(t, err)
		assert.Len(t, facts.Commit, 40)
		assert.Equal(t, 1, facts.FileCount)
		assert.Equal(t, schemas.RepositoryInfrastructure, facts.Kind)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := DescribeRepository(filepath.Join(t.TempDir(), "gone"))
		assert.Error(t, err)
	})
}

func TestResourceIndex(t *testing.T) {
	idx := newResourceIndex([]schemas.Resource{
		{ID: 1, Type: "Microsoft.Sql/servers", Name: "db"},
		{ID: 2, Type: "azurerm_mssql_server", Name: "db"},
		{ID: 3, Type: "azurerm_key_vault", Name: "vault"},
	})

	id, err := idx.resolve("Microsoft.Sql/servers/db")
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	id, err = idx.resolve("vault")
	require.NoError(t, err)
	assert.EqualValues(t, 3, id)

	_, err = idx.resolve("db")
	assert.ErrorContains(t, err, "ambiguous")
	_, err = idx.resolve("azurerm_key_vault/other")
	assert.ErrorContains(t, err, "unknown")
}
