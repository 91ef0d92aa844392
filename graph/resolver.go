package graph

import (
	"fmt"
	"strings"

	"github.com/flowforge-io/flowforge/core"
)

// NodeRef identifies a successor node together with the branch label of the
// edge that selected it.
type NodeRef struct {
	NodeID      string
	BranchLabel string
}

// Resolver turns a completed step's outcome into the set of next nodes.
// Resolution is pure: it reads the template and the outcome map and never
// touches the store.
type Resolver struct {
	predicates *PredicateEngine
}

// NewResolver creates a resolver backed by the given predicate engine.
func NewResolver(predicates *PredicateEngine) *Resolver {
	if predicates == nil {
		predicates = NewPredicateEngine()
	}
	return &Resolver{predicates: predicates}
}

// Successors resolves the nodes to enqueue after nodeID completes with the
// given outcome. iteration is the number of times the node has already
// completed within the instance; only while_loop nodes consult it.
//
// The switch is exhaustive over node kinds. An unknown kind is a template
// that escaped validation and resolves to an error, not a guess.
func (r *Resolver) Successors(td *TemplateDefinition, nodeID string, outcome map[string]any, iteration int) ([]NodeRef, error) {
	node, ok := td.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %q not in template %s@%s", nodeID, td.ID, td.Version)
	}
	out := td.OutEdges(nodeID)

	switch node.Kind {
	case core.NodeKindAction, core.NodeKindRoutingAssignment,
		core.NodeKindParallelFork, core.NodeKindJoinSync:
		return passThrough(out), nil

	case core.NodeKindIfCondition:
		return r.resolveIf(node, out, outcome)

	case core.NodeKindSwitchCase:
		return resolveSwitch(node, out, outcome, "discriminant")

	case core.NodeKindAiDecision:
		// An AI decision routes on its "decision" output field when the
		// outbound edges are labeled; otherwise it passes through.
		if len(branchLabelSet(out)) == 0 {
			return passThrough(out), nil
		}
		return resolveSwitch(node, out, outcome, "decision_field")

	case core.NodeKindWhileLoop:
		return r.resolveWhile(node, out, outcome, iteration)
	}

	return nil, fmt.Errorf("node %q: unresolvable kind %q", nodeID, node.Kind)
}

// FailurePath returns the targets of failure-labeled edges, followed after
// a step exhausts its retries and compensation has run. Empty means the
// failure propagates to the instance.
func (r *Resolver) FailurePath(td *TemplateDefinition, nodeID string) []NodeRef {
	var refs []NodeRef
	for _, e := range td.OutEdges(nodeID) {
		if strings.EqualFold(e.BranchLabel, BranchFailure) {
			refs = append(refs, NodeRef{NodeID: e.Target, BranchLabel: e.BranchLabel})
		}
	}
	return refs
}

func (r *Resolver) resolveIf(node NodeDef, out []EdgeDef, outcome map[string]any) ([]NodeRef, error) {
	predicate, _ := node.Config["predicate"].(string)
	result, err := r.predicates.EvaluateBool(predicate, outcome)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", node.ID, err)
	}

	want := BranchFalse
	if result {
		want = BranchTrue
	}
	if refs := edgesLabeled(out, want); len(refs) > 0 {
		return refs, nil
	}
	if refs := edgesLabeled(out, BranchDefault); len(refs) > 0 {
		return refs, nil
	}
	return nil, fmt.Errorf("node %q: no %q edge: %w", node.ID, want, core.ErrNoMatchingBranch)
}

// resolveSwitch matches the outcome's discriminant value against edge
// labels case-insensitively, falling back to the default edge.
func resolveSwitch(node NodeDef, out []EdgeDef, outcome map[string]any, fieldKey string) ([]NodeRef, error) {
	field, _ := node.Config[fieldKey].(string)
	if field == "" && fieldKey == "decision_field" {
		field = "decision"
	}

	value := fmt.Sprintf("%v", outcome[field])
	if refs := edgesLabeled(out, value); len(refs) > 0 {
		return refs, nil
	}
	if refs := edgesLabeled(out, BranchDefault); len(refs) > 0 {
		return refs, nil
	}
	return nil, fmt.Errorf("node %q: value %q matches no branch: %w", node.ID, value, core.ErrNoMatchingBranch)
}

func (r *Resolver) resolveWhile(node NodeDef, out []EdgeDef, outcome map[string]any, iteration int) ([]NodeRef, error) {
	predicate, _ := node.Config["predicate"].(string)
	maxIterations := intConfig(node.Config, "max_iterations", 1)

	repeat := false
	if iteration < maxIterations {
		result, err := r.predicates.EvaluateBool(predicate, outcome)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", node.ID, err)
		}
		repeat = result
	}

	if repeat {
		return edgesLabeled(out, BranchLoop), nil
	}
	// Exit: every non-loop, non-failure edge.
	var refs []NodeRef
	for _, e := range out {
		if strings.EqualFold(e.BranchLabel, BranchLoop) || strings.EqualFold(e.BranchLabel, BranchFailure) {
			continue
		}
		refs = append(refs, NodeRef{NodeID: e.Target, BranchLabel: e.BranchLabel})
	}
	return refs, nil
}

// passThrough follows every outbound edge except failure paths.
func passThrough(out []EdgeDef) []NodeRef {
	var refs []NodeRef
	for _, e := range out {
		if strings.EqualFold(e.BranchLabel, BranchFailure) {
			continue
		}
		refs = append(refs, NodeRef{NodeID: e.Target, BranchLabel: e.BranchLabel})
	}
	return refs
}

func edgesLabeled(out []EdgeDef, label string) []NodeRef {
	var refs []NodeRef
	for _, e := range out {
		if strings.EqualFold(e.BranchLabel, label) {
			refs = append(refs, NodeRef{NodeID: e.Target, BranchLabel: e.BranchLabel})
		}
	}
	return refs
}
