package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge-io/flowforge/engine"
)

// TracingHandler translates engine events into OpenTelemetry spans: a root
// span per instance with one child span per step attempt.
type TracingHandler struct {
	tracer trace.Tracer

	mu            sync.RWMutex
	instanceSpans map[string]trace.Span
	instanceCtxs  map[string]context.Context
	stepSpans     map[string]trace.Span // instanceID:stepID:attempt -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given
// tracer to create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:        tracer,
		instanceSpans: make(map[string]trace.Span),
		instanceCtxs:  make(map[string]context.Context),
		stepSpans:     make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans accordingly.
// It implements engine.EventHandler semantics.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventInstanceStarted:
		h.handleInstanceStarted(e)
	case engine.EventStepStarted:
		h.handleStepStarted(e)
	case engine.EventStepCompleted:
		h.endStepSpan(e, codes.Ok, "")
	case engine.EventStepFailed:
		h.endStepSpan(e, codes.Error, payloadString(e.Payload, "error", "step failed"))
	case engine.EventRetryScheduled, engine.EventJoinArrived, engine.EventStepCompensated:
		h.addInstanceEvent(e)
	case engine.EventInstanceCompleted, engine.EventInstanceFailed, engine.EventInstanceCancelled:
		h.handleInstanceFinished(e)
	}
}

func (h *TracingHandler) handleInstanceStarted(e engine.Event) {
	spanName := "instance:" + payloadString(e.Payload, "template_id", e.InstanceID)

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("flowforge.instance_id", e.InstanceID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.instanceSpans[e.InstanceID] = span
	h.instanceCtxs[e.InstanceID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleStepStarted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.instanceCtxs[e.InstanceID]
	h.mu.RUnlock()

	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "step:"+e.StepID,
		trace.WithAttributes(
			attribute.String("flowforge.instance_id", e.InstanceID),
			attribute.String("flowforge.step_id", e.StepID),
			attribute.String("flowforge.node_kind", string(e.NodeKind)),
			attribute.Int("flowforge.attempt", e.Attempt),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepSpanKey(e)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endStepSpan(e engine.Event, status codes.Code, message string) {
	key := stepSpanKey(e)

	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if status == codes.Error {
		span.SetStatus(codes.Error, message)
		span.RecordError(spanError(message), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("flowforge.duration", e.Elapsed.String()))
	span.End(trace.WithTimestamp(e.Time))
}

// addInstanceEvent attaches retry, join, and compensation events to the
// instance's root span.
func (h *TracingHandler) addInstanceEvent(e engine.Event) {
	h.mu.RLock()
	span, ok := h.instanceSpans[e.InstanceID]
	h.mu.RUnlock()

	if !ok {
		return
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("flowforge.step_id", e.StepID),
		attribute.Int("flowforge.attempt", e.Attempt),
	))
}

func (h *TracingHandler) handleInstanceFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.instanceSpans[e.InstanceID]
	if ok {
		delete(h.instanceSpans, e.InstanceID)
		delete(h.instanceCtxs, e.InstanceID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(attribute.String("flowforge.outcome", string(e.Kind)))
	if e.Kind == engine.EventInstanceCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, payloadString(e.Payload, "error", string(e.Kind)))
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveInstanceSpanContext returns the SpanContext for the active
// instance span. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveInstanceSpanContext(instanceID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.instanceSpans[instanceID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func stepSpanKey(e engine.Event) string {
	return fmt.Sprintf("%s:%s:%d", e.InstanceID, e.StepID, e.Attempt)
}

func payloadString(payload map[string]any, key, fallback string) string {
	if payload != nil {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
