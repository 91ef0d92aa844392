// Package graph defines the immutable workflow template model: typed nodes,
// labeled edges, structural validation, and successor resolution. The model
// is stateless; per-instance state (join counters, loop iterations) lives in
// the step store.
package graph

import (
	"fmt"
	"strings"

	"github.com/flowforge-io/flowforge/core"
)

// Diagnostic represents a validation error or warning produced by template
// validation. Structural errors are rejected at publish time, never at
// runtime.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "WF-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Branch labels with reserved routing semantics.
const (
	BranchTrue    = "true"
	BranchFalse   = "false"
	BranchDefault = "default"
	// BranchLoop marks a while_loop back edge; it is the only edge kind
	// allowed to close a cycle.
	BranchLoop = "loop"
	// BranchFailure marks the failure-path edge followed after a step is
	// compensated.
	BranchFailure = "failure"
)

// TemplateDefinition is the serializable workflow template: a directed graph
// of typed nodes and labeled edges. Immutable once published; in-flight
// instances stay bound to the version captured at creation time.
type TemplateDefinition struct {
	ID      string    `json:"id"`
	Version string    `json:"version"`
	Name    string    `json:"name,omitempty"`
	Nodes   []NodeDef `json:"nodes"`
	Edges   []EdgeDef `json:"edges"`
	// Entry optionally pins the entry node. When empty, every node with
	// no inbound edges is an entry.
	Entry string `json:"entry,omitempty"`
}

// NodeDef is a node within a template. Config is opaque to the engine
// except for the control-flow keys documented on each kind.
type NodeDef struct {
	ID     string         `json:"id"`
	Kind   core.NodeKind  `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

// EdgeDef connects two nodes, optionally tagged with a branch label used
// for conditional routing.
type EdgeDef struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	BranchLabel string `json:"branchLabel,omitempty"`
}

// Node retrieves a node definition by ID.
func (td *TemplateDefinition) Node(id string) (NodeDef, bool) {
	for _, n := range td.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDef{}, false
}

// OutEdges returns the outbound edges of a node in definition order.
func (td *TemplateDefinition) OutEdges(nodeID string) []EdgeDef {
	var out []EdgeDef
	for _, e := range td.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// InEdges returns the inbound edges of a node in definition order.
func (td *TemplateDefinition) InEdges(nodeID string) []EdgeDef {
	var in []EdgeDef
	for _, e := range td.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}

// Entries returns the entry node IDs: the pinned Entry when set, otherwise
// every node with no inbound edges (loop back edges excluded).
func (td *TemplateDefinition) Entries() []string {
	if td.Entry != "" {
		return []string{td.Entry}
	}
	hasInbound := make(map[string]bool)
	for _, e := range td.Edges {
		if e.BranchLabel == BranchLoop {
			continue
		}
		hasInbound[e.Target] = true
	}
	var entries []string
	for _, n := range td.Nodes {
		if !hasInbound[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	return entries
}

// JoinBranchCount returns the number of inbound branches a join_sync node
// waits for. The count is snapshotted into the join's step row at creation
// time so later template edits cannot affect in-flight instances.
func (td *TemplateDefinition) JoinBranchCount(nodeID string) int {
	return len(td.InEdges(nodeID))
}

// Validate checks the structural invariants of the template:
//   - WF-001: edge source/target reference existing nodes
//   - WF-002: duplicate node IDs
//   - WF-003: unknown node kinds
//   - WF-004: cycles outside while_loop back edges
//   - WF-005: nodes unreachable from any entry
//   - WF-006: duplicate branch labels on one source node
//   - WF-007: if_condition branch completeness and predicate syntax
//   - WF-008: switch_case branch completeness
//   - WF-009: while_loop iteration bound and loop/exit edges
//   - WF-010: join_sync needs at least two inbound branches
//   - WF-011: empty template
func (td *TemplateDefinition) Validate() []Diagnostic {
	var diags []Diagnostic

	if len(td.Nodes) == 0 {
		return []Diagnostic{{
			Code:     "WF-011",
			Severity: SeverityError,
			Message:  "Template has no nodes",
			Path:     "nodes",
		}}
	}

	nodeIDs := make(map[string]bool, len(td.Nodes))
	for i, node := range td.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "WF-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true

		if !node.Kind.Valid() {
			diags = append(diags, Diagnostic{
				Code:     "WF-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has unknown kind %q", node.ID, node.Kind),
				Path:     fmt.Sprintf("nodes[%d].kind", i),
			})
		}
	}

	for i, edge := range td.Edges {
		if !nodeIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "WF-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !nodeIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "WF-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
	}

	if td.Entry != "" && !nodeIDs[td.Entry] {
		diags = append(diags, Diagnostic{
			Code:     "WF-001",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Entry node %q does not exist", td.Entry),
			Path:     "entry",
		})
	}

	// Stop before graph-shape checks if references are already broken.
	if HasErrors(diags) {
		return diags
	}

	diags = append(diags, td.validateBranchLabels()...)
	diags = append(diags, td.validateKinds()...)

	if cycle := td.detectCycle(); cycle != "" {
		diags = append(diags, Diagnostic{
			Code:     "WF-004",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Template contains a cycle outside while_loop back edges: %s", cycle),
		})
	}

	diags = append(diags, td.validateReachability()...)

	return diags
}

// validateBranchLabels rejects duplicate labels on a single source node.
func (td *TemplateDefinition) validateBranchLabels() []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]bool)
	for i, edge := range td.Edges {
		if edge.BranchLabel == "" {
			continue
		}
		key := edge.Source + "\x00" + strings.ToLower(edge.BranchLabel)
		if seen[key] {
			diags = append(diags, Diagnostic{
				Code:     "WF-006",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q has duplicate branch label %q", edge.Source, edge.BranchLabel),
				Path:     fmt.Sprintf("edges[%d].branchLabel", i),
			})
		}
		seen[key] = true
	}
	return diags
}

// validateKinds runs per-kind structural rules.
func (td *TemplateDefinition) validateKinds() []Diagnostic {
	var diags []Diagnostic

	for i, node := range td.Nodes {
		prefix := fmt.Sprintf("nodes[%d]", i)
		out := td.OutEdges(node.ID)

		switch node.Kind {
		case core.NodeKindIfCondition:
			diags = append(diags, validateIfCondition(node, out, prefix)...)
		case core.NodeKindSwitchCase:
			diags = append(diags, validateSwitchCase(node, out, prefix)...)
		case core.NodeKindWhileLoop:
			diags = append(diags, validateWhileLoop(node, out, prefix)...)
		case core.NodeKindJoinSync:
			if len(td.InEdges(node.ID)) < 2 {
				diags = append(diags, Diagnostic{
					Code:     "WF-010",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Join node %q needs at least two inbound branches", node.ID),
					Path:     prefix,
				})
			}
		}
	}
	return diags
}

func validateIfCondition(node NodeDef, out []EdgeDef, prefix string) []Diagnostic {
	var diags []Diagnostic

	predicate, _ := node.Config["predicate"].(string)
	if strings.TrimSpace(predicate) == "" {
		diags = append(diags, Diagnostic{
			Code:     "WF-007",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Condition node %q has no predicate", node.ID),
			Path:     prefix + ".config.predicate",
		})
	} else if err := ValidateExpression(predicate); err != nil {
		diags = append(diags, Diagnostic{
			Code:     "WF-007",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Condition node %q has an invalid predicate: %v", node.ID, err),
			Path:     prefix + ".config.predicate",
		})
	}

	labels := branchLabelSet(out)
	hasDefault := labels[BranchDefault]
	if (!labels[BranchTrue] || !labels[BranchFalse]) && !hasDefault {
		diags = append(diags, Diagnostic{
			Code:     "WF-007",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Condition node %q must have %q and %q edges, or a %q edge", node.ID, BranchTrue, BranchFalse, BranchDefault),
			Path:     prefix,
		})
	}
	return diags
}

func validateSwitchCase(node NodeDef, out []EdgeDef, prefix string) []Diagnostic {
	var diags []Diagnostic

	discriminant, _ := node.Config["discriminant"].(string)
	if strings.TrimSpace(discriminant) == "" {
		diags = append(diags, Diagnostic{
			Code:     "WF-008",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Switch node %q has no discriminant field", node.ID),
			Path:     prefix + ".config.discriminant",
		})
	}

	labels := branchLabelSet(out)
	distinct := len(labels)
	if labels[BranchDefault] {
		distinct--
	}
	if distinct < 2 && !labels[BranchDefault] {
		diags = append(diags, Diagnostic{
			Code:     "WF-008",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Switch node %q needs at least two distinct case labels or a %q edge", node.ID, BranchDefault),
			Path:     prefix,
		})
	}
	return diags
}

func validateWhileLoop(node NodeDef, out []EdgeDef, prefix string) []Diagnostic {
	var diags []Diagnostic

	maxIterations := intConfig(node.Config, "max_iterations", 0)
	if maxIterations < 1 {
		diags = append(diags, Diagnostic{
			Code:     "WF-009",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Loop node %q must declare max_iterations >= 1", node.ID),
			Path:     prefix + ".config.max_iterations",
		})
	}

	predicate, _ := node.Config["predicate"].(string)
	if strings.TrimSpace(predicate) == "" {
		diags = append(diags, Diagnostic{
			Code:     "WF-009",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Loop node %q has no predicate", node.ID),
			Path:     prefix + ".config.predicate",
		})
	} else if err := ValidateExpression(predicate); err != nil {
		diags = append(diags, Diagnostic{
			Code:     "WF-009",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Loop node %q has an invalid predicate: %v", node.ID, err),
			Path:     prefix + ".config.predicate",
		})
	}

	labels := branchLabelSet(out)
	if !labels[BranchLoop] {
		diags = append(diags, Diagnostic{
			Code:     "WF-009",
			Severity: SeverityError,
			Message:  fmt.Sprintf("Loop node %q has no %q back edge", node.ID, BranchLoop),
			Path:     prefix,
		})
	}
	hasExit := false
	for _, e := range out {
		if !strings.EqualFold(e.BranchLabel, BranchLoop) {
			hasExit = true
			break
		}
	}
	if !hasExit {
		diags = append(diags, Diagnostic{
			Code:     "WF-009",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Loop node %q has no exit edge; the instance completes when the loop ends", node.ID),
			Path:     prefix,
		})
	}
	return diags
}

// validateReachability flags nodes not reachable from any entry.
func (td *TemplateDefinition) validateReachability() []Diagnostic {
	entries := td.Entries()
	if len(entries) == 0 {
		return []Diagnostic{{
			Code:     "WF-005",
			Severity: SeverityError,
			Message:  "Template has no entry node: every node has inbound edges",
		}}
	}

	successors := make(map[string][]string)
	for _, e := range td.Edges {
		successors[e.Source] = append(successors[e.Source], e.Target)
	}

	visited := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, succ := range successors[id] {
			visit(succ)
		}
	}
	for _, entry := range entries {
		visit(entry)
	}

	var diags []Diagnostic
	for i, node := range td.Nodes {
		if !visited[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "WF-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q is unreachable from any entry node", node.ID),
				Path:     fmt.Sprintf("nodes[%d]", i),
			})
		}
	}
	return diags
}

// detectCycle uses Kahn's algorithm over the graph with while_loop back
// edges removed. Returns a description of the cycle, or "" if acyclic.
func (td *TemplateDefinition) detectCycle() string {
	loopSources := make(map[string]bool)
	for _, node := range td.Nodes {
		if node.Kind == core.NodeKindWhileLoop {
			loopSources[node.ID] = true
		}
	}

	inDegree := make(map[string]int)
	successors := make(map[string][]string)
	for _, node := range td.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range td.Edges {
		if strings.EqualFold(edge.BranchLabel, BranchLoop) && loopSources[edge.Source] {
			continue
		}
		successors[edge.Source] = append(successors[edge.Source], edge.Target)
		inDegree[edge.Target]++
	}

	queue := make([]string, 0)
	for _, node := range td.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(td.Nodes) {
		var cycleNodes []string
		for _, node := range td.Nodes {
			if inDegree[node.ID] > 0 {
				cycleNodes = append(cycleNodes, node.ID)
			}
		}
		return fmt.Sprintf("nodes involved: %v", cycleNodes)
	}
	return ""
}

func branchLabelSet(edges []EdgeDef) map[string]bool {
	labels := make(map[string]bool, len(edges))
	for _, e := range edges {
		if e.BranchLabel != "" {
			labels[strings.ToLower(e.BranchLabel)] = true
		}
	}
	return labels
}

func intConfig(config map[string]any, key string, fallback int) int {
	raw, ok := config[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
