package api_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/api"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/knowledgegraph"
	"github.com/xkilldash9x/riskgraph/internal/mocks"
	"github.com/xkilldash9x/riskgraph/internal/observability"
	"github.com/xkilldash9x/riskgraph/internal/results"
	"github.com/xkilldash9x/riskgraph/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server *api.Server
	ids    map[string]int64
}

// newFixture stores web -> api -> sql with sql parenting orders. sql has a
// High 8 and a Medium 5 finding, orders a Low 2 and an unparseable one.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "api.db"), BusyTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.CreateExperiment(ctx, schemas.Experiment{ID: "exp"})
	require.NoError(t, err)

	f := &fixture{ids: map[string]int64{}}
	add := func(name, typ, parent string) {
		r := schemas.Resource{ExperimentID: "exp", Name: name, Type: typ, Provider: "azure"}
		if parent != "" {
			p := f.ids[parent]
			r.ParentID = &p
		}
		got, err := s.UpsertResource(ctx, r)
		require.NoError(t, err)
		f.ids[name] = got.ID
	}
	add("web", "azurerm_linux_web_app", "")
	add("api", "azurerm_api_management", "")
	add("sql", "azurerm_mssql_server", "")
	add("orders", "azurerm_mssql_database", "sql")

	_, err = s.AddProperty(ctx, schemas.Property{ResourceID: f.ids["sql"], Key: "public_network_access", Value: "true", ValueType: schemas.ValueBool, Category: schemas.CategoryNetwork, SecurityRelevant: true})
	require.NoError(t, err)

	for _, c := range []schemas.Connection{
		{SourceID: f.ids["web"], TargetID: f.ids["api"], Type: "calls"},
		{SourceID: f.ids["api"], TargetID: f.ids["sql"], Type: "queries"},
	} {
		c.ExperimentID = "exp"
		_, err := s.UpsertConnection(ctx, c)
		require.NoError(t, err)
	}

	finding := func(res, title, overall string, source schemas.FindingSource) {
		id := f.ids[res]
		_, err := s.InsertFinding(ctx, schemas.Finding{ExperimentID: "exp", ResourceID: &id, Title: title, OverallScore: overall, Category: "network", Source: source})
		require.NoError(t, err)
	}
	finding("sql", "SQL server is public", "High 8/10", schemas.SourceCloud)
	finding("sql", "SQL auditing disabled", "Medium 5/10", schemas.SourceCode)
	finding("orders", "Orders TDE uses service key", "Low 2/10", schemas.SourceCloud)
	finding("orders", "Orders backup unclear", "whatever", schemas.SourceCloud)

	f.server = api.NewServer(s, config.NewDefaultConfig(), nil, observability.NewMetrics(), zaptest.NewLogger(t))
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `riskgraph_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestExperiments(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/experiments")
	require.Equal(t, http.StatusOK, rec.Code)
	var exps []schemas.Experiment
	decodeBody(t, rec, &exps)
	require.Len(t, exps, 1)
	assert.Equal(t, "exp", exps[0].ID)

	rec = f.get(t, "/v1/experiments/exp")
	require.Equal(t, http.StatusOK, rec.Code)
	var exp schemas.Experiment
	decodeBody(t, rec, &exp)
	assert.Equal(t, schemas.ExperimentRunning, exp.Status)

	for _, path := range []string{
		"/v1/experiments/nope",
		"/v1/experiments/nope/resources",
		"/v1/experiments/nope/findings",
		"/v1/experiments/nope/diagram",
	} {
		rec = f.get(t, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		var body api.ErrorResponse
		decodeBody(t, rec, &body)
		assert.NotEmpty(t, body.Error)
	}
}

func TestResources(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/experiments/exp/resources")
	require.Equal(t, http.StatusOK, rec.Code)
	var resources []schemas.Resource
	decodeBody(t, rec, &resources)
	assert.Len(t, resources, 4)

	rec = f.get(t, fmt.Sprintf("/v1/resources/%d", f.ids["sql"]))
	require.Equal(t, http.StatusOK, rec.Code)
	var res api.ResourceResponse
	decodeBody(t, rec, &res)
	assert.Equal(t, "sql", res.Name)
	require.Len(t, res.Properties, 1)
	assert.Equal(t, "public_network_access", res.Properties[0].Key)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/resources/9999").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/resources/sql").Code)
}

func TestBlastRadius(t *testing.T) {
	f := newFixture(t)

	names := func(resp api.TraversalResponse) map[string]int {
		out := map[string]int{}
		for _, r := range resp.Reached {
			out[r.Resource.Name] = r.Depth
		}
		return out
	}

	tests := []struct {
		name  string
		start string
		query string
		mode  string
		want  map[string]int
	}{
		{"connections by default", "web", "", knowledgegraph.ModeConnections, map[string]int{"api": 1, "sql": 2}},
		{"depth limits the walk", "web", "?depth=1", knowledgegraph.ModeConnections, map[string]int{"api": 1}},
		{"dependents walk backwards", "sql", "?mode=dependents", knowledgegraph.ModeDependents, map[string]int{"api": 1, "web": 2}},
		{"hierarchy follows children", "sql", "?mode=hierarchy", knowledgegraph.ModeHierarchy, map[string]int{"orders": 1}},
		{"isolated start reaches nothing", "orders", "", knowledgegraph.ModeConnections, map[string]int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, fmt.Sprintf("/v1/experiments/exp/blast-radius/%d%s", f.ids[tt.start], tt.query))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var resp api.TraversalResponse
			decodeBody(t, rec, &resp)
			assert.Equal(t, tt.start, resp.Start.Name)
			assert.Equal(t, tt.mode, resp.Mode)
			assert.Equal(t, tt.want, names(resp))
		})
	}

	t.Run("errors", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.get(t, "/v1/experiments/exp/blast-radius/9999").Code)
		assert.Equal(t, http.StatusBadRequest, f.get(t, fmt.Sprintf("/v1/experiments/exp/blast-radius/%d?mode=sideways", f.ids["web"])).Code)
		assert.Equal(t, http.StatusBadRequest, f.get(t, fmt.Sprintf("/v1/experiments/exp/blast-radius/%d?depth=-2", f.ids["web"])).Code)
		assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/experiments/exp/blast-radius/web").Code)
	})
}

func TestCompoundRisks(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/experiments/exp/compound-risks")
	require.Equal(t, http.StatusOK, rec.Code)
	var risks []knowledgegraph.CompoundRisk
	decodeBody(t, rec, &risks)
	require.Len(t, risks, 2)
	assert.Equal(t, 10, risks[0].Combined)
	assert.Equal(t, "sql", risks[0].Parent.Name)
	assert.Equal(t, "orders", risks[0].Child.Name)

	rec = f.get(t, "/v1/experiments/exp/compound-risks?min_combined=8")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &risks)
	assert.Len(t, risks, 1)
}

func TestFindings(t *testing.T) {
	f := newFixture(t)

	count := func(query string) int {
		rec := f.get(t, "/v1/experiments/exp/findings"+query)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var found []schemas.Finding
		decodeBody(t, rec, &found)
		return len(found)
	}
	assert.Equal(t, 4, count(""))
	assert.Equal(t, 1, count("?source=code"))
	assert.Equal(t, 4, count("?source=code&source=cloud"))
	assert.Equal(t, 4, count("?status=open"))
	assert.Equal(t, 0, count("?status=fixed"))
	assert.Equal(t, 0, count("?category=identity"))

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/experiments/exp/findings?status=maybe").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/experiments/exp/findings?min_score=high").Code)
}

func TestDiagram(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/experiments/exp/diagram")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	var d schemas.Diagram
	decodeBody(t, rec, &d)
	assert.Len(t, d.Nodes, 4)
	assert.Len(t, d.Edges, 2)

	rec = f.get(t, fmt.Sprintf("/v1/experiments/exp/diagram?format=mermaid&start=%d&depth=1", f.ids["web"]))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "flowchart LR"))
	assert.Contains(t, rec.Body.String(), "api")
	assert.NotContains(t, rec.Body.String(), "sql")

	rec = f.get(t, "/v1/experiments/exp/diagram?format=dot")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "digraph")

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/experiments/exp/diagram?format=svg").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/experiments/exp/diagram?start=web").Code)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/v1/register")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reg results.Register
	decodeBody(t, rec, &reg)
	require.Len(t, reg.Rows, 3)
	assert.Equal(t, 1, reg.ParseFailures)
	assert.Equal(t, "SQL server is public", reg.Rows[0].Title)
	assert.Equal(t, 1, reg.Rows[0].Priority)
	assert.Nil(t, reg.Rows[0].Reach)

	rec = f.get(t, "/v1/register?experiment=exp&top=1&weighted=true")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &reg)
	require.Len(t, reg.Rows, 1)
	require.NotNil(t, reg.Rows[0].Reach)

	rec = f.get(t, "/v1/register?experiment=other")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &reg)
	assert.Empty(t, reg.Rows)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/register?weighted=perhaps").Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/register?top=x").Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStoreFailures(t *testing.T) {
	m := new(mocks.MockStore)
	diskGone := errors.New("disk gone")
	m.On("ListExperiments", mock.Anything).Return(nil, diskGone)
	m.On("GetExperiment", mock.Anything, "exp").Return(schemas.Experiment{}, diskGone)
	f := &fixture{server: api.NewServer(m, config.NewDefaultConfig(), nil, nil, zaptest.NewLogger(t))}

	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk gone")

	assert.Equal(t, http.StatusInternalServerError, f.get(t, "/v1/experiments").Code)
	assert.Equal(t, http.StatusInternalServerError, f.get(t, "/v1/experiments/exp").Code)
	assert.Equal(t, http.StatusInternalServerError, f.get(t, "/v1/register").Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/metrics").Code, "no metrics route without a registry")
	m.AssertExpectations(t)
}
