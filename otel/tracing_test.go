package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/engine"
	ffotel "github.com/flowforge-io/flowforge/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func TestTracingHandler_InstanceStartedCreatesRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceStarted,
		InstanceID: "inst-1",
		Time:       now,
		Payload: map[string]any{
			"template_id": "order-flow",
		},
	})

	sc := h.ActiveInstanceSpanContext("inst-1")
	if !sc.IsValid() {
		t.Fatal("expected valid instance span context after instance.started")
	}

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceCompleted,
		InstanceID: "inst-1",
		Time:       now.Add(100 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}

	rootSpan := spans[0]
	if rootSpan.Name != "instance:order-flow" {
		t.Errorf("expected span name 'instance:order-flow', got %q", rootSpan.Name)
	}

	found := false
	for _, attr := range rootSpan.Attributes {
		if string(attr.Key) == "flowforge.instance_id" && attr.Value.AsString() == "inst-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected flowforge.instance_id attribute on instance span")
	}
}

func TestTracingHandler_InstanceStartedUsesIDWhenNoTemplate(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceStarted,
		InstanceID: "inst-bare",
		Time:       now,
		Payload:    map[string]any{},
	})
	h.Handle(engine.Event{
		Kind:       engine.EventInstanceCompleted,
		InstanceID: "inst-bare",
		Time:       now.Add(50 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) == 0 {
		t.Fatal("expected at least one span")
	}
	if spans[0].Name != "instance:inst-bare" {
		t.Errorf("expected span name 'instance:inst-bare', got %q", spans[0].Name)
	}
}

func TestTracingHandler_StepStartedCreatesChildSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceStarted,
		InstanceID: "inst-1",
		Time:       now,
		Payload:    map[string]any{"template_id": "order-flow"},
	})
	h.Handle(engine.Event{
		Kind:       engine.EventStepStarted,
		InstanceID: "inst-1",
		StepID:     "step-a",
		NodeKind:   core.NodeKindAction,
		Time:       now.Add(10 * time.Millisecond),
		Attempt:    1,
	})

	rootSC := h.ActiveInstanceSpanContext("inst-1")

	h.Handle(engine.Event{
		Kind:       engine.EventStepCompleted,
		InstanceID: "inst-1",
		StepID:     "step-a",
		NodeKind:   core.NodeKindAction,
		Time:       now.Add(20 * time.Millisecond),
		Elapsed:    10 * time.Millisecond,
		Attempt:    1,
	})
	h.Handle(engine.Event{
		Kind:       engine.EventInstanceCompleted,
		InstanceID: "inst-1",
		Time:       now.Add(30 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) < 2 {
		t.Fatalf("expected at least 2 spans, got %d", len(spans))
	}

	var stepSpan *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "step:step-a" {
			stepSpan = &spans[i]
			break
		}
	}
	if stepSpan == nil {
		t.Fatal("did not find step:step-a span")
	}

	if stepSpan.Parent.TraceID() != rootSC.TraceID() {
		t.Error("expected step span parent trace ID to match instance span trace ID")
	}
	if stepSpan.Parent.SpanID() != rootSC.SpanID() {
		t.Error("expected step span parent span ID to match instance span span ID")
	}
	if stepSpan.Status.Code != otelcodes.Ok {
		t.Errorf("expected Ok status on completed step span, got %v", stepSpan.Status.Code)
	}

	foundKind := false
	for _, attr := range stepSpan.Attributes {
		if string(attr.Key) == "flowforge.node_kind" && attr.Value.AsString() == "action" {
			foundKind = true
		}
	}
	if !foundKind {
		t.Error("expected flowforge.node_kind attribute on step span")
	}
}

func TestTracingHandler_StepFailedSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceStarted,
		InstanceID: "inst-1",
		Time:       now,
		Payload:    map[string]any{"template_id": "order-flow"},
	})
	h.Handle(engine.Event{
		Kind:       engine.EventStepStarted,
		InstanceID: "inst-1",
		StepID:     "step-fail",
		NodeKind:   core.NodeKindAction,
		Time:       now.Add(10 * time.Millisecond),
		Attempt:    1,
	})
	h.Handle(engine.Event{
		Kind:       engine.EventStepFailed,
		InstanceID: "inst-1",
		StepID:     "step-fail",
		NodeKind:   core.NodeKindAction,
		Time:       now.Add(20 * time.Millisecond),
		Elapsed:    10 * time.Millisecond,
		Attempt:    1,
		Payload:    map[string]any{"error": "something went wrong"},
	})
	h.Handle(engine.Event{
		Kind:       engine.EventInstanceFailed,
		InstanceID: "inst-1",
		Time:       now.Add(30 * time.Millisecond),
		Payload:    map[string]any{"error": "something went wrong"},
	})

	spans := exporter.GetSpans()
	for _, s := range spans {
		if s.Name == "step:step-fail" {
			if s.Status.Code != otelcodes.Error {
				t.Errorf("expected Error status, got %v", s.Status.Code)
			}
			if s.Status.Description != "something went wrong" {
				t.Errorf("expected error description 'something went wrong', got %q", s.Status.Description)
			}
			foundException := false
			for _, ev := range s.Events {
				if ev.Name == "exception" {
					foundException = true
				}
			}
			if !foundException {
				t.Error("expected exception event on failed span")
			}
			return
		}
	}
	t.Error("step:step-fail span not found")
}

func TestTracingHandler_RetryAttemptsGetSeparateSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceStarted,
		InstanceID: "inst-1",
		Time:       now,
		Payload:    map[string]any{"template_id": "order-flow"},
	})
	for attempt := 1; attempt <= 2; attempt++ {
		h.Handle(engine.Event{
			Kind:       engine.EventStepStarted,
			InstanceID: "inst-1",
			StepID:     "flaky",
			NodeKind:   core.NodeKindAction,
			Time:       now.Add(time.Duration(attempt) * 10 * time.Millisecond),
			Attempt:    attempt,
		})
	}
	// Attempt 1 fails, attempt 2 completes.
	h.Handle(engine.Event{
		Kind:       engine.EventStepFailed,
		InstanceID: "inst-1",
		StepID:     "flaky",
		NodeKind:   core.NodeKindAction,
		Time:       now.Add(30 * time.Millisecond),
		Attempt:    1,
		Payload:    map[string]any{"error": "transient"},
	})
	h.Handle(engine.Event{
		Kind:       engine.EventStepCompleted,
		InstanceID: "inst-1",
		StepID:     "flaky",
		NodeKind:   core.NodeKindAction,
		Time:       now.Add(40 * time.Millisecond),
		Attempt:    2,
	})
	h.Handle(engine.Event{
		Kind:       engine.EventInstanceCompleted,
		InstanceID: "inst-1",
		Time:       now.Add(50 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	var stepSpans []tracetest.SpanStub
	for _, s := range spans {
		if s.Name == "step:flaky" {
			stepSpans = append(stepSpans, s)
		}
	}
	if len(stepSpans) != 2 {
		t.Fatalf("expected 2 step spans for 2 attempts, got %d", len(stepSpans))
	}

	statuses := map[otelcodes.Code]int{}
	for _, s := range stepSpans {
		statuses[s.Status.Code]++
	}
	if statuses[otelcodes.Error] != 1 || statuses[otelcodes.Ok] != 1 {
		t.Errorf("expected one Error and one Ok span, got %v", statuses)
	}
}

func TestTracingHandler_RetryAndJoinBecomeSpanEvents(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceStarted,
		InstanceID: "inst-1",
		Time:       now,
		Payload:    map[string]any{"template_id": "order-flow"},
	})
	h.Handle(engine.Event{
		Kind:       engine.EventRetryScheduled,
		InstanceID: "inst-1",
		StepID:     "flaky",
		NodeKind:   core.NodeKindAction,
		Time:       now.Add(10 * time.Millisecond),
		Attempt:    2,
	})
	h.Handle(engine.Event{
		Kind:       engine.EventJoinArrived,
		InstanceID: "inst-1",
		StepID:     "join-1",
		NodeKind:   core.NodeKindJoinSync,
		Time:       now.Add(20 * time.Millisecond),
	})
	h.Handle(engine.Event{
		Kind:       engine.EventInstanceCompleted,
		InstanceID: "inst-1",
		Time:       now.Add(30 * time.Millisecond),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	var foundRetry, foundJoin bool
	for _, ev := range spans[0].Events {
		switch ev.Name {
		case string(engine.EventRetryScheduled):
			foundRetry = true
		case string(engine.EventJoinArrived):
			foundJoin = true
		}
	}
	if !foundRetry {
		t.Error("expected retry span event on instance span")
	}
	if !foundJoin {
		t.Error("expected join span event on instance span")
	}
}

func TestTracingHandler_InstanceFinishedEndsRootSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceStarted,
		InstanceID: "inst-1",
		Time:       now,
		Payload:    map[string]any{"template_id": "order-flow"},
	})

	sc := h.ActiveInstanceSpanContext("inst-1")
	if !sc.IsValid() {
		t.Fatal("expected valid instance span context before finish")
	}

	h.Handle(engine.Event{
		Kind:       engine.EventInstanceCancelled,
		InstanceID: "inst-1",
		Time:       now.Add(100 * time.Millisecond),
	})

	sc = h.ActiveInstanceSpanContext("inst-1")
	if sc.IsValid() {
		t.Error("expected invalid instance span context after terminal event")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != otelcodes.Error {
		t.Errorf("expected Error status on cancelled instance, got %v", spans[0].Status.Code)
	}
}

func TestTracingHandler_FullLifecycle(t *testing.T) {
	exporter, tp := newTestTracer()
	tracer := tp.Tracer("test")
	h := ffotel.NewTracingHandler(tracer)

	now := time.Now()

	events := []engine.Event{
		{Kind: engine.EventInstanceStarted, InstanceID: "i1", Time: now, Payload: map[string]any{"template_id": "pipeline"}},
		{Kind: engine.EventStepStarted, InstanceID: "i1", StepID: "s1", NodeKind: core.NodeKindAction, Time: now.Add(1 * time.Millisecond), Attempt: 1},
		{Kind: engine.EventStepCompleted, InstanceID: "i1", StepID: "s1", NodeKind: core.NodeKindAction, Time: now.Add(4 * time.Millisecond), Elapsed: 3 * time.Millisecond, Attempt: 1},
		{Kind: engine.EventStepStarted, InstanceID: "i1", StepID: "s2", NodeKind: core.NodeKindIfCondition, Time: now.Add(5 * time.Millisecond), Attempt: 1},
		{Kind: engine.EventStepFailed, InstanceID: "i1", StepID: "s2", NodeKind: core.NodeKindIfCondition, Time: now.Add(6 * time.Millisecond), Elapsed: 1 * time.Millisecond, Attempt: 1, Payload: map[string]any{"error": "timeout"}},
		{Kind: engine.EventInstanceFailed, InstanceID: "i1", Time: now.Add(7 * time.Millisecond), Payload: map[string]any{"error": "timeout"}},
	}

	for _, e := range events {
		h.Handle(e)
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans (instance + 2 steps), got %d", len(spans))
	}

	names := map[string]bool{}
	for _, s := range spans {
		names[s.Name] = true
	}
	for _, expected := range []string{"instance:pipeline", "step:s1", "step:s2"} {
		if !names[expected] {
			t.Errorf("expected span %q not found", expected)
		}
	}

	traceID := spans[0].SpanContext.TraceID()
	for _, s := range spans {
		if s.SpanContext.TraceID() != traceID {
			t.Error("expected all spans to share the same trace ID")
		}
	}
}
