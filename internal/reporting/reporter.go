// Package reporting writes risk registers to files or stdout in JSON, SARIF
// or plain text.
package reporting

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/results"
)

// Reporter writes registers to an output.
type Reporter interface {
	// Write adds one register to the report.
	Write(reg *results.Register) error
	// Close finalizes the report and closes the underlying output.
	Close() error
}

// Formats lists the names New accepts.
var Formats = []string{"json", "sarif", "text"}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath, or to stdout
// when outputPath is empty or "stdout".
func New(format, outputPath, toolVersion string, logger *zap.Logger) (Reporter, error) {
	if outputPath == "" || outputPath == "stdout" {
		return NewForWriter(format, os.Stdout, toolVersion, logger)
	}
	format, err := checkFormat(format, logger)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	return newReporter(format, f, toolVersion, logger), nil
}

// NewForWriter creates a reporter over w. Closing the reporter does not
// close w.
func NewForWriter(format string, w io.Writer, toolVersion string, logger *zap.Logger) (Reporter, error) {
	format, err := checkFormat(format, logger)
	if err != nil {
		return nil, err
	}
	// Wrap so Close() is a no-op.
	return newReporter(format, &nopWriteCloser{w}, toolVersion, logger), nil
}

func checkFormat(format string, logger *zap.Logger) (string, error) {
	if logger == nil {
		return "", errors.New("logger cannot be nil")
	}
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "json", "sarif", "text":
		return format, nil
	}
	return "", fmt.Errorf("unsupported output format: %s", format)
}

func newReporter(format string, writer io.WriteCloser, toolVersion string, logger *zap.Logger) Reporter {
	switch format {
	case "sarif":
		return NewSARIFReporter(writer, toolVersion, logger)
	case "text":
		return NewTextReporter(writer)
	default:
		return NewJSONReporter(writer)
	}
}

// JSONReporter writes each register as one indented JSON document.
type JSONReporter struct {
	writer io.WriteCloser
}

func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{writer: w}
}

func (r *JSONReporter) Write(reg *results.Register) error {
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reg); err != nil {
		return fmt.Errorf("failed to encode register: %w", err)
	}
	return nil
}

func (r *JSONReporter) Close() error {
	return r.writer.Close()
}

// TextReporter renders registers as aligned tables for terminals.
type TextReporter struct {
	writer io.WriteCloser
}

func NewTextReporter(w io.WriteCloser) *TextReporter {
	return &TextReporter{writer: w}
}

func (r *TextReporter) Write(reg *results.Register) error {
	tw := tabwriter.NewWriter(r.writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSEVERITY\tRISK\tRESOURCE TYPE\tTITLE\tBUSINESS IMPACT")
	for _, row := range reg.Rows {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%s\t%s\n",
			row.Priority, row.OverallScore, row.RiskScore, row.ResourceType, row.Title, row.BusinessImpact)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write register table: %w", err)
	}

	fmt.Fprintf(r.writer, "\n%d rows, %d duplicates merged, %d unreadable, %d unclassified\n",
		reg.Summary.Total, reg.DuplicatesMerged, reg.ParseFailures, reg.Unclassified)
	for _, w := range reg.Warnings {
		fmt.Fprintf(r.writer, "warning: %s\n", w)
	}
	return nil
}

func (r *TextReporter) Close() error {
	return r.writer.Close()
}
