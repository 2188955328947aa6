package reporting

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/riskgraph/internal/results"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func sampleRegister() *results.Register {
	return &results.Register{
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Sources:     []string{"store"},
		Rows: []results.Row{
			{Priority: 1, Title: "SQL server is public", Label: "High", SeverityScore: 8, RiskScore: 8.4, OverallScore: "High 8/10",
				ResourceType: "SQL Server", ResourceClass: "database", ResourceName: "sql-prod", BusinessImpact: "Anyone could read orders."},
			{Priority: 2, Title: "Vault purge protection off", Label: "Low", SeverityScore: 3, RiskScore: 3, OverallScore: "Low 3/10",
				ResourceType: "Key Vault", ResourceClass: "secrets", DocumentPath: "reviews/kv.md"},
		},
		Summary:          results.Summary{Total: 2},
		DuplicatesMerged: 1,
		Warnings:         []string{"unreadable: broken.yaml"},
	}
}

func TestNew_LoggerRequirement(t *testing.T) {
	reporter, err := New("sarif", "stdout", "test", nil)
	assert.Error(t, err)
	assert.Nil(t, reporter)
	assert.Contains(t, err.Error(), "logger cannot be nil")
}

func TestNew_Formats(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	tests := []struct {
		format string
		want   any
	}{
		{"sarif", &SARIFReporter{}},
		{"json", &JSONReporter{}},
		{" TEXT ", &TextReporter{}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			path := filepath.Join(dir, strings.TrimSpace(tt.format)+".out")
			reporter, err := New(tt.format, path, "test", logger)
			require.NoError(t, err)
			assert.IsType(t, tt.want, reporter)
			assert.FileExists(t, path)
			assert.NoError(t, reporter.Close())
		})
	}
}

func TestNew_Output_Stdout(t *testing.T) {
	logger := zaptest.NewLogger(t)
	for _, path := range []string{"", "stdout"} {
		reporter, err := New("sarif", path, "test", logger)
		require.NoError(t, err)

		sarifReporter, ok := reporter.(*SARIFReporter)
		require.True(t, ok)
		nwc, ok := sarifReporter.writer.(*nopWriteCloser)
		require.True(t, ok, "Writer should be a nopWriteCloser when outputting to stdout")
		assert.Equal(t, os.Stdout, nwc.Writer)
	}
}

func TestNew_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.xml")
	reporter, err := New("xml", path, "test", zaptest.NewLogger(t))
	assert.Nil(t, reporter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format: xml")
	assert.NoFileExists(t, path, "no file is created for a rejected format")
}

func TestNew_Failure_FileCreation(t *testing.T) {
	reporter, err := New("sarif", t.TempDir(), "test", zaptest.NewLogger(t))
	assert.Nil(t, reporter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create output file")
}

func TestJSONReporter(t *testing.T) {
	out := &bufferCloser{}
	r := NewJSONReporter(out)
	require.NoError(t, r.Write(sampleRegister()))
	require.NoError(t, r.Close())

	assert.True(t, out.closed)
	assert.Contains(t, out.String(), `"title": "SQL server is public"`)
	assert.Contains(t, out.String(), `"resource_category": "database"`)
	assert.Contains(t, out.String(), `"duplicates_merged": 1`)
}

func TestTextReporter(t *testing.T) {
	out := &bufferCloser{}
	r := NewTextReporter(out)
	require.NoError(t, r.Write(sampleRegister()))
	require.NoError(t, r.Close())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.True(t, strings.HasPrefix(lines[0], "#"))
	assert.Contains(t, lines[1], "High 8/10")
	assert.Contains(t, lines[1], "8.40")
	assert.Contains(t, out.String(), "2 rows, 1 duplicates merged, 0 unreadable, 0 unclassified")
	assert.Contains(t, out.String(), "warning: unreadable: broken.yaml")
}

func TestNewForWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	reporter, err := NewForWriter("json", buf, "test", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, reporter.Write(sampleRegister()))
	require.NoError(t, reporter.Close())
	assert.Contains(t, buf.String(), `"sources": [`)

	_, err = NewForWriter("csv", buf, "test", zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported output format: csv")
}

func TestNopWriteCloser(t *testing.T) {
	buf := new(bytes.Buffer)
	nwc := &nopWriteCloser{buf}

	n, err := nwc.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, nwc.Close())

	nwc.Write([]byte(" world"))
	assert.Equal(t, "hello world", buf.String())
}
