// Package actions ships the builtin step actions: no-op, HTTP request,
// expression transform, work-queue assignment, and a deterministic
// rules-based decision action. Custom actions register alongside these;
// the engine treats them all identically.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/graph"
)

// ConfigKey is the reserved input key under which the engine passes the
// node's config map to an action.
const ConfigKey = "_config"

// RegisterBuiltins adds every builtin action to the registry.
func RegisterBuiltins(registry *core.ActionRegistry, predicates *graph.PredicateEngine) {
	if predicates == nil {
		predicates = graph.NewPredicateEngine()
	}
	registry.Register(core.NewFuncAction("noop", noop))
	registry.Register(&HTTPRequestAction{Client: &http.Client{Timeout: 30 * time.Second}})
	registry.Register(&TransformAction{predicates: predicates})
	registry.Register(core.NewFuncAction("assignment", assignment))
	registry.Register(&DecisionAction{predicates: predicates})
}

// nodeConfig extracts the engine-provided config map from the input.
func nodeConfig(input map[string]any) map[string]any {
	cfg, _ := input[ConfigKey].(map[string]any)
	return cfg
}

// stripConfig returns the input without the reserved config key.
func stripConfig(input map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	maps.Copy(out, input)
	delete(out, ConfigKey)
	return out
}

// noop passes its input through unchanged.
func noop(_ context.Context, input map[string]any) (map[string]any, error) {
	return stripConfig(input), nil
}

// assignment routes work to a human queue: it stamps the configured
// assignee and queue onto the payload.
func assignment(_ context.Context, input map[string]any) (map[string]any, error) {
	cfg := nodeConfig(input)
	out := stripConfig(input)
	if assignee, ok := cfg["assignee"].(string); ok && assignee != "" {
		out["assignee"] = assignee
	}
	if queue, ok := cfg["queue"].(string); ok && queue != "" {
		out["assigned_queue"] = queue
	}
	out["assigned_at"] = time.Now().UTC().Format(time.RFC3339)
	return out, nil
}

// HTTPRequestAction calls an external HTTP endpoint. Config keys: "url"
// (required), "method" (default POST), "headers" (map), "body_field"
// (input key holding the request body; default sends the whole input).
// Non-2xx responses are errors, which makes them retryable.
type HTTPRequestAction struct {
	Client *http.Client
}

// Name returns the registered action name.
func (a *HTTPRequestAction) Name() string { return "http_request" }

// Execute performs the request and returns status_code plus the decoded
// response body.
func (a *HTTPRequestAction) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	cfg := nodeConfig(input)
	url, _ := cfg["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("http_request: no url configured")
	}
	method, _ := cfg["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var payload any = stripConfig(input)
	if field, ok := cfg["body_field"].(string); ok && field != "" {
		payload = input[field]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("http_request: marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("http_request: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("http_request: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("http_request: %s returned %d", url, resp.StatusCode)
	}

	out := map[string]any{"status_code": resp.StatusCode}
	var decoded map[string]any
	if json.Unmarshal(raw, &decoded) == nil {
		out["response"] = decoded
	} else {
		out["response"] = string(raw)
	}
	return out, nil
}

// TransformAction derives new fields from the input with expressions.
// Config key "expressions" maps output field names to expression text
// evaluated against the input.
type TransformAction struct {
	predicates *graph.PredicateEngine
}

// Name returns the registered action name.
func (a *TransformAction) Name() string { return "transform" }

// Execute evaluates every configured expression and merges the results
// over the input.
func (a *TransformAction) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	cfg := nodeConfig(input)
	exprs, _ := cfg["expressions"].(map[string]any)
	data := stripConfig(input)

	out := make(map[string]any, len(data)+len(exprs))
	maps.Copy(out, data)
	for field, raw := range exprs {
		expression, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("transform: expression for %q is not a string", field)
		}
		value, err := a.predicates.Evaluate(expression, data)
		if err != nil {
			return nil, fmt.Errorf("transform: field %q: %w", field, err)
		}
		out[field] = value
	}
	return out, nil
}

// DecisionAction is the deterministic decision body: an ordered rule list
// where the first matching predicate wins. Config keys: "rules" (list of
// {when, decision}), "default_decision". The outcome lands in the
// "decision" output field, which labeled edges route on.
type DecisionAction struct {
	predicates *graph.PredicateEngine
}

// Name returns the registered action name.
func (a *DecisionAction) Name() string { return "ai_decision" }

// Execute evaluates the rules in order against the input.
func (a *DecisionAction) Execute(_ context.Context, input map[string]any) (map[string]any, error) {
	cfg := nodeConfig(input)
	data := stripConfig(input)
	out := make(map[string]any, len(data)+1)
	maps.Copy(out, data)

	rules, _ := cfg["rules"].([]any)
	for i, raw := range rules {
		rule, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("ai_decision: rule %d is not an object", i)
		}
		when, _ := rule["when"].(string)
		decision, _ := rule["decision"].(string)
		if when == "" || decision == "" {
			return nil, fmt.Errorf("ai_decision: rule %d needs when and decision", i)
		}
		matched, err := a.predicates.EvaluateBool(when, data)
		if err != nil {
			return nil, fmt.Errorf("ai_decision: rule %d: %w", i, err)
		}
		if matched {
			out["decision"] = decision
			out["matched_rule"] = i
			return out, nil
		}
	}

	if fallback, ok := cfg["default_decision"].(string); ok && fallback != "" {
		out["decision"] = fallback
		return out, nil
	}
	return nil, fmt.Errorf("ai_decision: no rule matched and no default_decision configured")
}

var (
	_ core.Action = (*HTTPRequestAction)(nil)
	_ core.Action = (*TransformAction)(nil)
	_ core.Action = (*DecisionAction)(nil)
)
