package schemas

// DiagramMode selects which relationship a diagram draws as edges.
type DiagramMode string

const (
	ModeConnections DiagramMode = "connections"
	ModeHierarchy   DiagramMode = "hierarchy"
)

// DiagramNode is a resource as seen by a renderer.
type DiagramNode struct {
	ID            string `json:"id"`
	ResourceID    int64  `json:"resource_id"`
	Label         string `json:"label"`
	Type          string `json:"type"`
	Provider      string `json:"provider,omitempty"`
	Category      string `json:"category"`
	MaxSeverity   int    `json:"max_severity"`
	SeverityLabel string `json:"severity_label,omitempty"`
	FindingCount  int    `json:"finding_count"`
	Depth         *int   `json:"depth,omitempty"`
}

// DiagramEdge is a connection or a parent/child link between two nodes.
type DiagramEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Type     string `json:"type"`
	Protocol string `json:"protocol,omitempty"`
	Port     *int   `json:"port,omitempty"`
}

// Diagram is a node/edge description consumed by an external renderer.
// Nodes and Edges are never nil so an empty scope encodes as empty lists.
type Diagram struct {
	ExperimentID string        `json:"experiment_id"`
	Mode         DiagramMode   `json:"mode"`
	Nodes        []DiagramNode `json:"nodes"`
	Edges        []DiagramEdge `json:"edges"`
}
