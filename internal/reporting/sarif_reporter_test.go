package reporting_test

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/riskgraph/internal/reporting"
	"github.com/xkilldash9x/riskgraph/internal/reporting/sarif"
	"github.com/xkilldash9x/riskgraph/internal/results"
)

// MockWriteCloser captures output and simulates I/O errors.
type MockWriteCloser struct {
	Buffer    *bytes.Buffer
	FailWrite bool
	FailClose bool
}

func (m *MockWriteCloser) Write(p []byte) (n int, err error) {
	if m.FailWrite {
		return 0, errors.New("simulated write error")
	}
	return m.Buffer.Write(p)
}

func (m *MockWriteCloser) Close() error {
	if m.FailClose {
		return errors.New("simulated close error")
	}
	return nil
}

func setupSARIFTest(t *testing.T) (*reporting.SARIFReporter, *MockWriteCloser) {
	mockWriter := &MockWriteCloser{Buffer: new(bytes.Buffer)}
	return reporting.NewSARIFReporter(mockWriter, "v1.2.3-test", zaptest.NewLogger(t)), mockWriter
}

func decode(t *testing.T, w *MockWriteCloser) sarif.Log {
	t.Helper()
	var log sarif.Log
	require.NoError(t, json.Unmarshal(w.Buffer.Bytes(), &log), "Output should be valid SARIF JSON")
	require.Len(t, log.Runs, 1)
	return log
}

func register(rows ...results.Row) *results.Register {
	for i := range rows {
		rows[i].Priority = i + 1
	}
	return &results.Register{Sources: []string{"store"}, Rows: rows}
}

func TestSARIFReporter_Initialization(t *testing.T) {
	reporter, writer := setupSARIFTest(t)
	require.NoError(t, reporter.Close())

	log := decode(t, writer)
	assert.Equal(t, reporting.SARIFVersion, log.Version)
	run := log.Runs[0]
	require.NotNil(t, run.Tool)
	require.NotNil(t, run.Tool.Driver)
	assert.Equal(t, "v1.2.3-test", *run.Tool.Driver.Version)
	require.NotNil(t, run.Results)
	assert.Empty(t, run.Results)
	assert.Empty(t, run.Tool.Driver.Rules)
}

func TestSARIFReporter_WriteAndClose(t *testing.T) {
	reporter, writer := setupSARIFTest(t)

	reg := register(
		results.Row{Title: "SQL server is public", Label: "High", SeverityScore: 8, RiskScore: 8.3,
			ResourceType: "SQL Server", ResourceClass: "database", ResourceName: "sql-prod",
			SourceFile: "infra/main.tf", BusinessImpact: "Anyone could read orders."},
		results.Row{Title: "Vault soft delete off", Label: "Medium", SeverityScore: 5,
			ResourceType: "Key Vault", ResourceClass: "secrets", DocumentPath: "reviews/kv.md"},
		results.Row{Title: "SQL auditing disabled", Label: "Low", SeverityScore: 2,
			ResourceType: "SQL Server", ResourceClass: "database", ResourceName: "sql-dr"},
		results.Row{Title: "Tenant allows guests", Label: "Critical", SeverityScore: 9,
			ResourceType: "Unclassified"},
	)
	require.NoError(t, reporter.Write(reg))
	require.NoError(t, reporter.Close())

	run := decode(t, writer).Runs[0]
	require.Len(t, run.Results, 4)
	require.Len(t, run.Tool.Driver.Rules, 3)

	first := run.Results[0]
	assert.Equal(t, "RISKGRAPH-SQL-SERVER", first.RuleID)
	assert.Equal(t, sarif.LevelError, first.Level)
	assert.Equal(t, "SQL server is public: Anyone could read orders.", *first.Message.Text)
	require.NotNil(t, first.Rank)
	assert.Equal(t, 80.0, *first.Rank)
	require.Len(t, first.Locations, 1)
	assert.Equal(t, "infra/main.tf", *first.Locations[0].PhysicalLocation.ArtifactLocation.URI)
	assert.Equal(t, "SQL Server/sql-prod", *first.Locations[0].LogicalLocations[0].FullyQualifiedName)
	assert.EqualValues(t, 1, (*first.Properties)["priority"])
	assert.NotEmpty(t, first.PartialFingerprints["riskgraph/v1"])

	assert.Equal(t, "RISKGRAPH-KEY-VAULT", run.Results[1].RuleID)
	assert.Equal(t, sarif.LevelWarning, run.Results[1].Level)
	assert.Equal(t, "reviews/kv.md", *run.Results[1].Locations[0].PhysicalLocation.ArtifactLocation.URI)
	assert.Nil(t, run.Results[1].Locations[0].LogicalLocations)

	assert.Equal(t, first.RuleID, run.Results[2].RuleID, "same resource type shares a rule")
	assert.Equal(t, sarif.LevelNote, run.Results[2].Level)
	assert.NotEqual(t, first.PartialFingerprints, run.Results[2].PartialFingerprints)

	assert.Equal(t, "RISKGRAPH-UNCLASSIFIED", run.Results[3].RuleID)
	assert.Empty(t, run.Results[3].Locations)

	require.NotNil(t, run.Properties)
	assert.EqualValues(t, 0, (*run.Properties)["parse_failures"])
}

func TestSARIFReporter_RuleCollisionHandling(t *testing.T) {
	reporter, writer := setupSARIFTest(t)

	// Same display type classified into two categories by different tables.
	require.NoError(t, reporter.Write(register(
		results.Row{Title: "a", ResourceType: "Gateway", ResourceClass: "network"},
		results.Row{Title: "b", ResourceType: "Gateway", ResourceClass: "identity"},
		results.Row{Title: "c", ResourceType: "Gateway", ResourceClass: "network"},
	)))
	require.NoError(t, reporter.Close())

	run := decode(t, writer).Runs[0]
	require.Len(t, run.Tool.Driver.Rules, 2)
	assert.Equal(t, "RISKGRAPH-GATEWAY", run.Results[0].RuleID)
	assert.Equal(t, "RISKGRAPH-GATEWAY-1", run.Results[1].RuleID)
	assert.Equal(t, run.Results[0].RuleID, run.Results[2].RuleID)
}

func TestSARIFReporter_RuleIDSanitization(t *testing.T) {
	reporter, writer := setupSARIFTest(t)

	tests := []struct {
		resourceType string
		expectedID   string
	}{
		{"Redis Cache", "RISKGRAPH-REDIS-CACHE"},
		{"CI/CD Pipeline", "RISKGRAPH-CI-CD-PIPELINE"},
		{"Microsoft.Sql/servers", "RISKGRAPH-MICROSOFT.SQL-SERVERS"},
		{"", "RISKGRAPH-UNCLASSIFIED"},
		{"!@#", "RISKGRAPH-UNKNOWN-RESOURCE"},
	}
	for i, tt := range tests {
		require.NoError(t, reporter.Write(register(results.Row{
			Title:         fmt.Sprintf("case %d", i),
			ResourceType:  tt.resourceType,
			ResourceClass: "other",
		})))
	}
	require.NoError(t, reporter.Close())

	run := decode(t, writer).Runs[0]
	require.Len(t, run.Results, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.expectedID, run.Results[i].RuleID, tt.resourceType)
	}
}

func TestSARIFReporter_Concurrency(t *testing.T) {
	reporter, writer := setupSARIFTest(t)

	const numGoroutines = 20
	const rowsPerGoroutine = 10
	const numTypes = 4

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < rowsPerGoroutine; j++ {
				row := results.Row{
					Title:         fmt.Sprintf("finding %d-%d", id, j),
					ResourceType:  fmt.Sprintf("Type %d", (id+j)%numTypes),
					ResourceClass: "compute",
				}
				assert.NoError(t, reporter.Write(register(row)))
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, reporter.Close())

	run := decode(t, writer).Runs[0]
	assert.Len(t, run.Results, numGoroutines*rowsPerGoroutine)
	assert.Len(t, run.Tool.Driver.Rules, numTypes)
}

func TestSARIFReporter_ErrorHandling(t *testing.T) {
	t.Run("close error", func(t *testing.T) {
		mockWriter := &MockWriteCloser{Buffer: new(bytes.Buffer), FailClose: true}
		reporter := reporting.NewSARIFReporter(mockWriter, "test", zaptest.NewLogger(t))
		err := reporter.Close()
		assert.ErrorContains(t, err, "failed to close output writer")
	})

	t.Run("write error", func(t *testing.T) {
		mockWriter := &MockWriteCloser{Buffer: new(bytes.Buffer), FailWrite: true}
		reporter := reporting.NewSARIFReporter(mockWriter, "test", zaptest.NewLogger(t))
		require.NoError(t, reporter.Write(register(results.Row{Title: "x", ResourceType: "y"})))
		err := reporter.Close()
		assert.ErrorContains(t, err, "failed to encode SARIF output")
	})
}
