package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/sochen/pkg/graph"
)

// Overlay marks nodes of a change set on the rendered graph.
type Overlay struct {
	Changed  []string // artifacts touched by a proposed change
	Affected []string // artifacts that transitively depend on them
}

// GenerateMermaid produces a Mermaid flowchart of the dependency graph.
// Shapes follow the node type:
// - file: [Rectangle]
// - function: ([Stadium])
// - class: [[Subroutine]]
// Imports are solid arrows; defined_in edges are dotted.
func GenerateMermaid(g *graph.Graph, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph LR\n")

	nodes := g.Nodes()
	for _, node := range nodes {
		opener, closer := "[", "]"
		switch node.Type {
		case graph.TypeFunction:
			opener, closer = "([", "])"
		case graph.TypeClass:
			opener, closer = "[[", "]]"
		}
		label := strings.ReplaceAll(node.ID, "\"", "'")
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", sanitizeMermaidID(node.ID), opener, label, closer)
	}

	for _, node := range nodes {
		for _, rel := range g.Dependencies(node.ID) {
			arrow := "-->"
			if rel.Edge.Type == graph.EdgeDefinedIn {
				arrow = "-.->"
			}
			fmt.Fprintf(&sb, "    %s %s %s\n", sanitizeMermaidID(node.ID), arrow, sanitizeMermaidID(rel.ID))
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Black text keeps labels readable on both themes.
		sb.WriteString("    classDef affected fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef changed fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		changed := make(map[string]bool, len(overlay.Changed))
		for _, id := range overlay.Changed {
			changed[sanitizeMermaidID(id)] = true
		}
		seen := make(map[string]bool)
		for _, id := range overlay.Affected {
			safeID := sanitizeMermaidID(id)
			if safeID == "" || seen[safeID] || changed[safeID] {
				continue
			}
			seen[safeID] = true
			fmt.Fprintf(&sb, "    class %s affected;\n", safeID)
		}
		for _, id := range overlay.Changed {
			if safeID := sanitizeMermaidID(id); safeID != "" {
				fmt.Fprintf(&sb, "    class %s changed;\n", safeID)
			}
		}
	}

	return sb.String()
}

var mermaidReplacer = strings.NewReplacer(
	".", "_",
	"-", "_",
	"/", "_",
	"\\", "_",
	":", "_",
	" ", "_",
)

func sanitizeMermaidID(id string) string {
	return mermaidReplacer.Replace(id)
}
