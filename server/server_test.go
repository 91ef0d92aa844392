package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowforge-io/flowforge/actions"
	"github.com/flowforge-io/flowforge/bus"
	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/engine"
	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/store"
	"github.com/flowforge-io/flowforge/timeline"
)

type apiHarness struct {
	store  store.Store
	runner *engine.Runner
	bus    *bus.MemBus
	events *bus.MemEventStore
	srv    *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	st := store.NewMemoryStore()
	queue := engine.NewQueue(st)
	registry := core.NewActionRegistry()
	actions.RegisterBuiltins(registry, graph.NewPredicateEngine())

	memBus := bus.NewMemBus(bus.MemBusConfig{})
	eventStore := bus.NewMemEventStore()
	storeSub := bus.NewStoreSubscriber(eventStore, nil)

	runner := engine.NewRunner(st, queue, registry,
		engine.WithWorkers(2),
		engine.WithBackoff(time.Millisecond, 20*time.Millisecond),
		engine.WithEventHandler(engine.MultiEventHandler(memBus.Publish, storeSub.Handle)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	api := NewServer(ServerConfig{
		Store:         st,
		ScheduleStore: NewMemScheduleStore(),
		Runner:        runner,
		Reporter:      timeline.NewReporter(st, queue, nil),
		Bus:           memBus,
		EventStore:    eventStore,
	})
	srv := httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		runner.Stop()
		_ = memBus.Close()
	})

	return &apiHarness{store: st, runner: runner, bus: memBus, events: eventStore, srv: srv}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func singleStepTemplate(id string) graph.TemplateDefinition {
	return graph.TemplateDefinition{
		ID:      id,
		Version: "1.0",
		Name:    "single step",
		Nodes: []graph.NodeDef{
			{ID: "intake", Kind: core.NodeKindAction, Config: map[string]any{"action": "noop"}},
		},
	}
}

func (h *apiHarness) createTemplate(t *testing.T, td graph.TemplateDefinition) {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/templates", createTemplateRequest{Definition: td})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create template: status %d", resp.StatusCode)
	}
}

func (h *apiHarness) waitInstanceStatus(t *testing.T, instanceID string, want core.InstanceStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := h.store.GetInstance(context.Background(), instanceID)
		if err == nil && inst.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached %s", instanceID, want)
}

func TestAPI_Health(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.do(t, http.MethodGet, "/health", nil)
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestAPI_CreateTemplateValidationFailure(t *testing.T) {
	h := newAPIHarness(t)

	bad := graph.TemplateDefinition{
		ID:      "bad",
		Version: "1.0",
		Nodes:   []graph.NodeDef{{ID: "a", Kind: core.NodeKindAction}},
		Edges:   []graph.EdgeDef{{Source: "a", Target: "ghost"}},
	}
	resp := h.do(t, http.MethodPost, "/api/templates", createTemplateRequest{Definition: bad})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	body := decodeBody[apiError](t, resp)
	if body.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q", body.Error.Code)
	}
	if len(body.Error.Details) == 0 {
		t.Error("no diagnostic details returned")
	}
}

func TestAPI_TemplateLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.createTemplate(t, singleStepTemplate("order-flow"))

	resp := h.do(t, http.MethodGet, "/api/templates/order-flow", nil)
	rec := decodeBody[store.TemplateRecord](t, resp)
	if rec.Definition.ID != "order-flow" || !rec.Published {
		t.Errorf("record = %+v", rec)
	}

	resp = h.do(t, http.MethodGet, "/api/templates", nil)
	list := decodeBody[[]store.TemplateRecord](t, resp)
	if len(list) != 1 {
		t.Errorf("templates = %d, want 1", len(list))
	}

	// Published templates cannot be deleted.
	resp = h.do(t, http.MethodDelete, "/api/templates/order-flow", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete published: status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_StartInstanceRunsToCompletion(t *testing.T) {
	h := newAPIHarness(t)
	h.createTemplate(t, singleStepTemplate("order-flow"))

	resp := h.do(t, http.MethodPost, "/api/workflows/instances", StartInstanceRequest{
		TemplateID:  "order-flow",
		ReferenceID: "order-77",
		Input:       map[string]any{"amount": 42},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status = %d", resp.StatusCode)
	}
	inst := decodeBody[core.Instance](t, resp)
	if inst.ReferenceID != "order-77" {
		t.Errorf("reference = %q", inst.ReferenceID)
	}

	h.waitInstanceStatus(t, inst.ID, core.InstanceCompleted)

	resp = h.do(t, http.MethodGet, "/api/workflows/instances/"+inst.ID+"/executions", nil)
	body := decodeBody[map[string][]core.StepExecution](t, resp)
	if len(body["executions"]) != 1 {
		t.Fatalf("executions = %d, want 1", len(body["executions"]))
	}
	if body["executions"][0].Status != core.StepCompleted {
		t.Errorf("step status = %s", body["executions"][0].Status)
	}
}

func TestAPI_StartInstanceUnknownTemplate(t *testing.T) {
	h := newAPIHarness(t)
	resp := h.do(t, http.MethodPost, "/api/workflows/instances", StartInstanceRequest{TemplateID: "ghost"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_CancelFinishedInstanceConflicts(t *testing.T) {
	h := newAPIHarness(t)
	h.createTemplate(t, singleStepTemplate("order-flow"))

	resp := h.do(t, http.MethodPost, "/api/workflows/instances", StartInstanceRequest{TemplateID: "order-flow"})
	inst := decodeBody[core.Instance](t, resp)
	h.waitInstanceStatus(t, inst.ID, core.InstanceCompleted)

	resp = h.do(t, http.MethodPost, "/api/workflows/instances/"+inst.ID+"/cancel", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_TimelineAndQueueMetrics(t *testing.T) {
	h := newAPIHarness(t)
	h.createTemplate(t, singleStepTemplate("order-flow"))

	resp := h.do(t, http.MethodPost, "/api/workflows/instances", StartInstanceRequest{TemplateID: "order-flow"})
	inst := decodeBody[core.Instance](t, resp)
	h.waitInstanceStatus(t, inst.ID, core.InstanceCompleted)

	resp = h.do(t, http.MethodGet, "/api/workflows/timeline?page=1&limit=10", nil)
	tl := decodeBody[timeline.Timeline](t, resp)
	if len(tl.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(tl.Entries))
	}
	if tl.Summary.CompletedToday != 1 {
		t.Errorf("completed today = %d, want 1", tl.Summary.CompletedToday)
	}

	resp = h.do(t, http.MethodGet, "/api/workflows/queue/metrics", nil)
	snapshot := decodeBody[core.QueueMetricsSnapshot](t, resp)
	if snapshot.Completed != 1 {
		t.Errorf("completed steps = %d, want 1", snapshot.Completed)
	}
}

func TestAPI_TestExecuteNode(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodPost, "/api/workflows/nodes/tax/test-execute", TestExecuteRequest{
		Kind:   core.NodeKindAction,
		Config: map[string]any{"action": "transform", "expressions": map[string]any{"tax": "amount * 0.2"}},
		Input:  map[string]any{"amount": 100},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[TestExecuteResponse](t, resp)
	if body.Output["tax"] != 20.0 {
		t.Errorf("tax = %v, want 20", body.Output["tax"])
	}

	// Nothing was persisted.
	instances, _, err := h.store.ListInstances(context.Background(), store.InstanceFilter{})
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("instances = %d, want 0", len(instances))
	}
}

func TestAPI_RetryStepByNodeID(t *testing.T) {
	h := newAPIHarness(t)

	td := graph.TemplateDefinition{
		ID:      "flaky",
		Version: "1.0",
		Nodes: []graph.NodeDef{
			{ID: "charge", Kind: core.NodeKindAction, Config: map[string]any{
				"action": "http_request", "url": "http://127.0.0.1:1/unreachable", "max_retries": 1,
			}},
		},
	}
	h.createTemplate(t, td)

	resp := h.do(t, http.MethodPost, "/api/workflows/instances", StartInstanceRequest{TemplateID: "flaky"})
	inst := decodeBody[core.Instance](t, resp)
	h.waitInstanceStatus(t, inst.ID, core.InstanceFailed)

	// Retry on a terminal instance is rejected.
	resp = h.do(t, http.MethodPost, fmt.Sprintf("/api/workflows/instances/%s/steps/charge/retry", inst.ID), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAPI_InstanceEventsReplay(t *testing.T) {
	h := newAPIHarness(t)
	h.createTemplate(t, singleStepTemplate("order-flow"))

	resp := h.do(t, http.MethodPost, "/api/workflows/instances", StartInstanceRequest{TemplateID: "order-flow"})
	inst := decodeBody[core.Instance](t, resp)
	h.waitInstanceStatus(t, inst.ID, core.InstanceCompleted)

	resp = h.do(t, http.MethodGet, "/api/workflows/instances/"+inst.ID+"/events", nil)
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// The terminal event closes the stream, so the whole body is readable.
	buf := make([]byte, 64*1024)
	var stream strings.Builder
	for {
		n, err := resp.Body.Read(buf)
		stream.Write(buf[:n])
		if err != nil {
			break
		}
		if strings.Contains(stream.String(), string(engine.EventInstanceCompleted)) {
			break
		}
	}
	for _, kind := range []engine.EventKind{engine.EventInstanceStarted, engine.EventStepCompleted, engine.EventInstanceCompleted} {
		if !strings.Contains(stream.String(), string(kind)) {
			t.Errorf("stream missing %s", kind)
		}
	}
}

func TestAPI_ScheduleCRUD(t *testing.T) {
	h := newAPIHarness(t)
	h.createTemplate(t, singleStepTemplate("order-flow"))

	resp := h.do(t, http.MethodPost, "/api/workflows/schedules", scheduleRequest{
		TemplateID: "order-flow",
		Cron:       "*/5 * * * *",
		Input:      map[string]any{"source": "cron"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	created := decodeBody[Schedule](t, resp)
	if !created.Enabled || created.NextRunAt.IsZero() {
		t.Errorf("schedule = %+v", created)
	}

	resp = h.do(t, http.MethodPut, "/api/workflows/schedules/"+created.ID, scheduleRequest{Enabled: boolPtr(false)})
	updated := decodeBody[Schedule](t, resp)
	if updated.Enabled {
		t.Error("schedule still enabled after update")
	}

	resp = h.do(t, http.MethodDelete, "/api/workflows/schedules/"+created.ID, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/api/workflows/schedules/"+created.ID, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted: status = %d", resp.StatusCode)
	}
}

func TestAPI_ScheduleRejectsBadCron(t *testing.T) {
	h := newAPIHarness(t)
	h.createTemplate(t, singleStepTemplate("order-flow"))

	resp := h.do(t, http.MethodPost, "/api/workflows/schedules", scheduleRequest{
		TemplateID: "order-flow",
		Cron:       "not a cron",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func boolPtr(b bool) *bool { return &b }
