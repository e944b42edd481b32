package repo

import "fmt"

// EdgeType is the relationship an edge asserts between two nodes.
type EdgeType string

const (
	EdgeSubmodule EdgeType = "SUBMODULE"  // parent's .gitmodules lists the child
	EdgeNested    EdgeType = "NESTED"     // child's path lies inside parent's tree
	EdgeSibling   EdgeType = "SIBLING"    // declared in the enrichment file
	EdgeDependsOn EdgeType = "DEPENDS_ON" // local-path dependency in a manifest
	EdgeForkOf    EdgeType = "FORK_OF"    // upstream remote matches target's origin
	EdgeDuplicate EdgeType = "DUPLICATE"  // same remote URL set, different path
)

// ParseEdgeType validates an edge type string.
func ParseEdgeType(s string) (EdgeType, error) {
	switch EdgeType(s) {
	case EdgeSubmodule, EdgeNested, EdgeSibling, EdgeDependsOn, EdgeForkOf, EdgeDuplicate:
		return EdgeType(s), nil
	}
	return "", fmt.Errorf("unknown edge type %q", s)
}

// Edge is a directed, typed relationship between two indexed nodes.
// Detail carries detection metadata such as the manifest line that
// produced a DEPENDS_ON edge.
type Edge struct {
	ID       int64    `json:"id"`
	SourceID int64    `json:"source_id"`
	TargetID int64    `json:"target_id"`
	Type     EdgeType `json:"type"`
	Detail   string   `json:"detail,omitempty"`
}
