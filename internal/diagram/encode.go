package diagram

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// Format names an output encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMermaid Format = "mermaid"
	FormatDOT     Format = "dot"
)

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatMermaid, FormatDOT:
		return f, nil
	case "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown diagram format %q (want json, mermaid or dot)", s)
}

// Encode writes d in the given format. Mermaid and DOT output is plain
// structure with labels; styling is left to the renderer.
func Encode(w io.Writer, d *schemas.Diagram, format Format) error {
	switch format {
	case FormatJSON, "":
		enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case FormatMermaid:
		return encodeMermaid(w, d)
	case FormatDOT:
		return encodeDOT(w, d)
	}
	return fmt.Errorf("unknown diagram format %q", format)
}

func nodeText(n schemas.DiagramNode) string {
	text := n.Label
	if n.Type != "" {
		text += " (" + n.Type + ")"
	}
	if n.SeverityLabel != "" {
		text += fmt.Sprintf(" [%s %d/10]", n.SeverityLabel, n.MaxSeverity)
	}
	return text
}

func edgeText(e schemas.DiagramEdge) string {
	text := e.Type
	if e.Protocol != "" {
		text += " " + e.Protocol
	}
	if e.Port != nil {
		text += fmt.Sprintf(":%d", *e.Port)
	}
	return text
}

var mermaidEscaper = strings.NewReplacer(`"`, "#quot;", "|", "#124;", "\n", " ", "\r", " ")

func encodeMermaid(w io.Writer, d *schemas.Diagram) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "flowchart LR")
	for _, n := range d.Nodes {
		fmt.Fprintf(bw, "    %s[\"%s\"]\n", n.ID, mermaidEscaper.Replace(nodeText(n)))
	}
	for _, e := range d.Edges {
		if label := edgeText(e); label != "" {
			fmt.Fprintf(bw, "    %s -->|\"%s\"| %s\n", e.From, mermaidEscaper.Replace(label), e.To)
			continue
		}
		fmt.Fprintf(bw, "    %s --> %s\n", e.From, e.To)
	}
	return bw.Flush()
}

var dotEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", "")

func encodeDOT(w io.Writer, d *schemas.Diagram) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph \"%s\" {\n", dotEscaper.Replace(d.ExperimentID))
	for _, n := range d.Nodes {
		fmt.Fprintf(bw, "  \"%s\" [label=\"%s\"];\n", n.ID, dotEscaper.Replace(nodeText(n)))
	}
	for _, e := range d.Edges {
		fmt.Fprintf(bw, "  \"%s\" -> \"%s\" [label=\"%s\"];\n", e.From, e.To, dotEscaper.Replace(edgeText(e)))
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
