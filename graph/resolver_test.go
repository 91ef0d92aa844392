package graph

import (
	"errors"
	"testing"

	"github.com/flowforge-io/flowforge/core"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	return NewResolver(NewPredicateEngine())
}

func targets(refs []NodeRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.NodeID)
	}
	return ids
}

func TestSuccessors_ActionPassThrough(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "intake", map[string]any{}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "check_amount" {
		t.Errorf("successors = %v, want [check_amount]", targets(refs))
	}
}

func TestSuccessors_IfConditionTrueBranch(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "check_amount", map[string]any{"amount": 1500}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "route_region" {
		t.Errorf("successors = %v, want [route_region]", targets(refs))
	}
	if refs[0].BranchLabel != "true" {
		t.Errorf("branch label = %q, want %q", refs[0].BranchLabel, "true")
	}
}

func TestSuccessors_IfConditionFalseBranch(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "check_amount", map[string]any{"amount": 200}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "approve" {
		t.Errorf("successors = %v, want [approve]", targets(refs))
	}
}

func TestSuccessors_IfConditionBooleanLikeString(t *testing.T) {
	td := &TemplateDefinition{
		ID: "t", Version: "1.0",
		Nodes: []NodeDef{
			{ID: "cond", Kind: core.NodeKindIfCondition, Config: map[string]any{"predicate": "approved"}},
			{ID: "yes", Kind: core.NodeKindAction},
			{ID: "no", Kind: core.NodeKindAction},
		},
		Edges: []EdgeDef{
			{Source: "cond", Target: "yes", BranchLabel: "true"},
			{Source: "cond", Target: "no", BranchLabel: "false"},
		},
	}
	r := newTestResolver(t)

	refs, err := r.Successors(td, "cond", map[string]any{"approved": "true"}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "yes" {
		t.Errorf("successors = %v, want [yes]", targets(refs))
	}
}

func TestSuccessors_SwitchMatchesCaseInsensitive(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "route_region", map[string]any{"region": "EMEA"}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "poll_status" {
		t.Errorf("successors = %v, want [poll_status]", targets(refs))
	}
}

func TestSuccessors_SwitchFallsBackToDefault(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "route_region", map[string]any{"region": "apac"}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "assign" {
		t.Errorf("successors = %v, want [assign]", targets(refs))
	}
}

func TestSuccessors_SwitchNoMatchNoDefault(t *testing.T) {
	td := &TemplateDefinition{
		ID: "t", Version: "1.0",
		Nodes: []NodeDef{
			{ID: "sw", Kind: core.NodeKindSwitchCase, Config: map[string]any{"discriminant": "tier"}},
			{ID: "gold", Kind: core.NodeKindAction},
			{ID: "silver", Kind: core.NodeKindAction},
		},
		Edges: []EdgeDef{
			{Source: "sw", Target: "gold", BranchLabel: "gold"},
			{Source: "sw", Target: "silver", BranchLabel: "silver"},
		},
	}
	r := newTestResolver(t)

	_, err := r.Successors(td, "sw", map[string]any{"tier": "bronze"}, 0)
	if !errors.Is(err, core.ErrNoMatchingBranch) {
		t.Fatalf("err = %v, want ErrNoMatchingBranch", err)
	}
}

func TestSuccessors_ParallelForkFansOut(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "fork", map[string]any{}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("successors = %v, want two fan-out targets", targets(refs))
	}
}

func TestSuccessors_WhileLoopRepeatsUntilPredicateFalse(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "poll_status", map[string]any{"status": "waiting"}, 1)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "poll_status" {
		t.Errorf("successors = %v, want loop back to poll_status", targets(refs))
	}

	refs, err = r.Successors(td, "poll_status", map[string]any{"status": "ready"}, 2)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "fork" {
		t.Errorf("successors = %v, want exit to fork", targets(refs))
	}
}

func TestSuccessors_WhileLoopHonorsIterationBound(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	// Predicate stays true but the bound is 5: iteration 5 must exit.
	refs, err := r.Successors(td, "poll_status", map[string]any{"status": "waiting"}, 5)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "fork" {
		t.Errorf("successors = %v, want forced exit at max iterations", targets(refs))
	}
}

func TestSuccessors_AiDecisionRoutesOnDecisionField(t *testing.T) {
	td := approvalTemplate()
	r := newTestResolver(t)

	refs, err := r.Successors(td, "triage", map[string]any{"decision": "approve"}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "approve" {
		t.Errorf("successors = %v, want [approve]", targets(refs))
	}

	refs, err = r.Successors(td, "triage", map[string]any{"decision": "escalate"}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "reject" {
		t.Errorf("successors = %v, want default [reject]", targets(refs))
	}
}

func TestSuccessors_ExcludesFailureEdges(t *testing.T) {
	td := &TemplateDefinition{
		ID: "t", Version: "1.0",
		Nodes: []NodeDef{
			{ID: "charge", Kind: core.NodeKindAction, Config: map[string]any{"action": "noop"}},
			{ID: "ship", Kind: core.NodeKindAction},
			{ID: "refund", Kind: core.NodeKindAction},
		},
		Edges: []EdgeDef{
			{Source: "charge", Target: "ship"},
			{Source: "charge", Target: "refund", BranchLabel: "failure"},
		},
	}
	r := newTestResolver(t)

	refs, err := r.Successors(td, "charge", map[string]any{}, 0)
	if err != nil {
		t.Fatalf("Successors: %v", err)
	}
	if len(refs) != 1 || refs[0].NodeID != "ship" {
		t.Errorf("successors = %v, want [ship] only", targets(refs))
	}

	failure := r.FailurePath(td, "charge")
	if len(failure) != 1 || failure[0].NodeID != "refund" {
		t.Errorf("failure path = %v, want [refund]", targets(failure))
	}
}

func TestPredicateEngine_CachesPrograms(t *testing.T) {
	e := NewPredicateEngine()

	for i := 0; i < 3; i++ {
		ok, err := e.EvaluateBool("amount > 1000", map[string]any{"amount": 1500})
		if err != nil {
			t.Fatalf("EvaluateBool: %v", err)
		}
		if !ok {
			t.Fatal("expected predicate to hold")
		}
	}
	if len(e.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(e.cache))
	}
}

func TestPredicateEngine_UndefinedVariableIsNil(t *testing.T) {
	e := NewPredicateEngine()

	ok, err := e.EvaluateBool("missing == nil", map[string]any{})
	if err != nil {
		t.Fatalf("EvaluateBool: %v", err)
	}
	if !ok {
		t.Error("undefined variable should compare equal to nil")
	}
}
