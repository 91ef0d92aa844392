package actions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/graph"
)

func builtinRegistry(t *testing.T) *core.ActionRegistry {
	t.Helper()
	registry := core.NewActionRegistry()
	RegisterBuiltins(registry, graph.NewPredicateEngine())
	return registry
}

func withConfig(input, cfg map[string]any) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out[ConfigKey] = cfg
	return out
}

func TestRegisterBuiltins(t *testing.T) {
	registry := builtinRegistry(t)
	for _, name := range []string{"noop", "http_request", "transform", "assignment", "ai_decision"} {
		if _, ok := registry.Get(name); !ok {
			t.Errorf("builtin %q not registered", name)
		}
	}
}

func TestNoop_StripsConfig(t *testing.T) {
	registry := builtinRegistry(t)
	action, _ := registry.Get("noop")

	out, err := action.Execute(context.Background(), withConfig(
		map[string]any{"amount": 10}, map[string]any{"action": "noop"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["amount"] != 10 {
		t.Errorf("amount = %v, want 10", out["amount"])
	}
	if _, ok := out[ConfigKey]; ok {
		t.Error("config key leaked into output")
	}
}

func TestAssignment_StampsAssignee(t *testing.T) {
	registry := builtinRegistry(t)
	action, _ := registry.Get("assignment")

	out, err := action.Execute(context.Background(), withConfig(
		map[string]any{"order": "o1"},
		map[string]any{"assignee": "ops-team", "queue": "escalations"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["assignee"] != "ops-team" {
		t.Errorf("assignee = %v", out["assignee"])
	}
	if out["assigned_queue"] != "escalations" {
		t.Errorf("assigned_queue = %v", out["assigned_queue"])
	}
	if out["assigned_at"] == nil {
		t.Error("assigned_at not stamped")
	}
}

func TestHTTPRequest_SuccessAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/fail") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	registry := builtinRegistry(t)
	action, _ := registry.Get("http_request")

	out, err := action.Execute(context.Background(), withConfig(
		map[string]any{"amount": 10},
		map[string]any{
			"url":     srv.URL + "/hook",
			"headers": map[string]any{"X-Token": "secret"},
		}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["status_code"] != http.StatusOK {
		t.Errorf("status_code = %v", out["status_code"])
	}
	resp, ok := out["response"].(map[string]any)
	if !ok || resp["ok"] != true {
		t.Errorf("response = %v", out["response"])
	}

	// Non-2xx is an error so the engine retries it.
	if _, err := action.Execute(context.Background(), withConfig(nil,
		map[string]any{"url": srv.URL + "/fail"})); err == nil {
		t.Error("5xx response did not error")
	}
}

func TestHTTPRequest_RequiresURL(t *testing.T) {
	registry := builtinRegistry(t)
	action, _ := registry.Get("http_request")
	if _, err := action.Execute(context.Background(), withConfig(nil, map[string]any{})); err == nil {
		t.Error("missing url did not error")
	}
}

func TestTransform_DerivesFields(t *testing.T) {
	registry := builtinRegistry(t)
	action, _ := registry.Get("transform")

	out, err := action.Execute(context.Background(), withConfig(
		map[string]any{"amount": 1200, "rate": 0.2},
		map[string]any{"expressions": map[string]any{
			"tax":      "amount * rate",
			"flagged":  "amount > 1000",
			"category": `amount > 1000 ? "large" : "small"`,
		}}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["tax"] != 240.0 {
		t.Errorf("tax = %v, want 240", out["tax"])
	}
	if out["flagged"] != true {
		t.Errorf("flagged = %v, want true", out["flagged"])
	}
	if out["category"] != "large" {
		t.Errorf("category = %v, want large", out["category"])
	}
	// Original fields survive.
	if out["amount"] != 1200 {
		t.Errorf("amount = %v, want 1200", out["amount"])
	}
}

func TestTransform_BadExpressionErrors(t *testing.T) {
	registry := builtinRegistry(t)
	action, _ := registry.Get("transform")

	_, err := action.Execute(context.Background(), withConfig(
		map[string]any{"x": 1},
		map[string]any{"expressions": map[string]any{"broken": "x +"}}))
	if err == nil {
		t.Error("malformed expression did not error")
	}
}

func TestDecision_FirstMatchingRuleWins(t *testing.T) {
	registry := builtinRegistry(t)
	action, _ := registry.Get("ai_decision")

	cfg := map[string]any{
		"rules": []any{
			map[string]any{"when": "amount > 10000", "decision": "escalate"},
			map[string]any{"when": "amount > 1000", "decision": "review"},
		},
		"default_decision": "approve",
	}

	cases := []struct {
		amount   int
		decision string
	}{
		{50000, "escalate"},
		{5000, "review"},
		{100, "approve"},
	}
	for _, tc := range cases {
		out, err := action.Execute(context.Background(), withConfig(
			map[string]any{"amount": tc.amount}, cfg))
		if err != nil {
			t.Fatalf("amount %d: %v", tc.amount, err)
		}
		if out["decision"] != tc.decision {
			t.Errorf("amount %d: decision = %v, want %s", tc.amount, out["decision"], tc.decision)
		}
	}
}

func TestDecision_NoMatchNoDefaultErrors(t *testing.T) {
	registry := builtinRegistry(t)
	action, _ := registry.Get("ai_decision")

	_, err := action.Execute(context.Background(), withConfig(
		map[string]any{"amount": 1},
		map[string]any{"rules": []any{
			map[string]any{"when": "amount > 1000", "decision": "review"},
		}}))
	if err == nil {
		t.Error("unmatched rules without default did not error")
	}
}
