// Package otel provides OpenTelemetry integration for engine events.
package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowforge-io/flowforge/engine"
)

// MetricsHandler translates engine events into OpenTelemetry metrics.
// It records counters for step executions, failures, compensations, and
// retries, plus duration histograms for steps and whole instances.
type MetricsHandler struct {
	stepExecutions    metric.Int64Counter
	stepFailures      metric.Int64Counter
	stepCompensations metric.Int64Counter
	stepRetries       metric.Int64Counter
	stepDuration      metric.Float64Histogram
	instanceDuration  metric.Float64Histogram

	mu             sync.Mutex
	instanceStarts map[string]time.Time
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepExec, err := meter.Int64Counter("flowforge.step.executions",
		metric.WithDescription("Number of step execution attempts"),
	)
	if err != nil {
		return nil, err
	}

	stepFail, err := meter.Int64Counter("flowforge.step.failures",
		metric.WithDescription("Number of failed step attempts"),
	)
	if err != nil {
		return nil, err
	}

	stepComp, err := meter.Int64Counter("flowforge.step.compensations",
		metric.WithDescription("Number of compensation actions executed"),
	)
	if err != nil {
		return nil, err
	}

	stepRetry, err := meter.Int64Counter("flowforge.step.retries",
		metric.WithDescription("Number of retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	stepDur, err := meter.Float64Histogram("flowforge.step.duration",
		metric.WithDescription("Duration of step execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	instDur, err := meter.Float64Histogram("flowforge.instance.duration",
		metric.WithDescription("Duration of workflow instance in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepExecutions:    stepExec,
		stepFailures:      stepFail,
		stepCompensations: stepComp,
		stepRetries:       stepRetry,
		stepDuration:      stepDur,
		instanceDuration:  instDur,
		instanceStarts:    make(map[string]time.Time),
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
// It implements engine.EventHandler semantics.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventInstanceStarted:
		h.markInstanceStart(e)
	case engine.EventStepCompleted:
		h.handleStepCompleted(e)
	case engine.EventStepFailed:
		h.handleStepFailed(e)
	case engine.EventStepCompensated:
		h.handleStepCompensated(e)
	case engine.EventRetryScheduled:
		h.handleRetryScheduled(e)
	case engine.EventInstanceCompleted, engine.EventInstanceFailed, engine.EventInstanceCancelled:
		h.handleInstanceFinished(e)
	}
}

func (h *MetricsHandler) markInstanceStart(e engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.instanceStarts[e.InstanceID] = e.Time
}

func (h *MetricsHandler) handleStepCompleted(e engine.Event) {
	ctx := context.Background()
	attrs := stepAttributes(e)
	h.stepExecutions.Add(ctx, 1, attrs)
	h.stepDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleStepFailed(e engine.Event) {
	ctx := context.Background()
	attrs := stepAttributes(e)
	h.stepExecutions.Add(ctx, 1, attrs)
	h.stepFailures.Add(ctx, 1, attrs)
}

func (h *MetricsHandler) handleStepCompensated(e engine.Event) {
	h.stepCompensations.Add(context.Background(), 1, stepAttributes(e))
}

func (h *MetricsHandler) handleRetryScheduled(e engine.Event) {
	h.stepRetries.Add(context.Background(), 1, stepAttributes(e))
}

func (h *MetricsHandler) handleInstanceFinished(e engine.Event) {
	h.mu.Lock()
	started, ok := h.instanceStarts[e.InstanceID]
	if ok {
		delete(h.instanceStarts, e.InstanceID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.instanceDuration.Record(context.Background(), e.Time.Sub(started).Seconds(),
		metric.WithAttributes(attribute.String("outcome", string(e.Kind))),
	)
}

func stepAttributes(e engine.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("node_kind", string(e.NodeKind)),
		attribute.String("step_id", e.StepID),
	)
}

// NewQueueDepthGauge registers an observable gauge that reports the queue
// depth via the given callback.
func NewQueueDepthGauge(meter metric.Meter, depth func() int) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("flowforge.queue.depth",
		metric.WithDescription("Number of steps waiting in the dispatch queue"),
	)
	if err != nil {
		return nil, err
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(depth()))
		return nil
	}, gauge)
}
