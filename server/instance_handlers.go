package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/engine"
	"github.com/flowforge-io/flowforge/graph"
	"github.com/flowforge-io/flowforge/store"
)

// StartInstanceRequest is the JSON body for POST /api/workflows/instances.
type StartInstanceRequest struct {
	TemplateID      string         `json:"template_id"`
	TemplateVersion string         `json:"template_version,omitempty"`
	ReferenceID     string         `json:"reference_id,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Priority        int            `json:"priority,omitempty"`
}

// handleStartInstance creates an instance and dispatches its entry steps.
func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req StartInstanceRequest
	if err := decodeJSONBody(r, &req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", "template_id is required")
		return
	}

	inst, err := s.runner.StartInstance(r.Context(), req.TemplateID, req.TemplateVersion, req.ReferenceID, req.Input, req.Priority)
	if err != nil {
		if errors.Is(err, core.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", req.TemplateID))
			return
		}
		writeError(w, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// handleListInstances returns a filtered, paginated instance listing.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{
		Status:      core.InstanceStatus(q.Get("status")),
		TemplateID:  q.Get("template_id"),
		ReferenceID: q.Get("reference_id"),
		Page:        queryInt(q.Get("page")),
		Limit:       queryInt(q.Get("limit")),
	}

	instances, pagination, err := s.store.ListInstances(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances":  instances,
		"pagination": pagination,
	})
}

// handleGetInstance returns a single instance by ID.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("instance %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleCancelInstance cancels an instance and its outstanding steps.
func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runner.CancelInstance(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, core.ErrInstanceNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("instance %q not found", id))
		case errors.Is(err, core.ErrInstanceTerminal):
			writeError(w, http.StatusConflict, "TERMINAL", "instance already finished")
		default:
			writeError(w, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteInstance force-dispatches the instance's ready steps,
// pulling delayed retries forward.
func (s *Server) handleExecuteInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dispatched, err := s.runner.ForceDispatch(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInstanceNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("instance %q not found", id))
		case errors.Is(err, core.ErrInstanceTerminal):
			writeError(w, http.StatusConflict, "TERMINAL", "instance already finished")
		default:
			writeError(w, http.StatusInternalServerError, "ENGINE_ERROR", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispatched": dispatched})
}

// handleRetryStep creates a fresh attempt for a failed step. The path
// accepts either a step execution row ID or a node ID, in which case the
// node's latest attempt within the instance is retried.
func (s *Server) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	stepID := r.PathValue("stepId")

	row, err := s.resolveStepRow(r, instanceID, stepID)
	if err != nil {
		if errors.Is(err, core.ErrStepNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("step %q not found in instance %q", stepID, instanceID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	retried, err := s.runner.RetryStep(r.Context(), row.ID)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInstanceTerminal):
			writeError(w, http.StatusConflict, "TERMINAL", "instance already finished")
		case errors.Is(err, core.ErrStepNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("step %q not found", stepID))
		default:
			writeError(w, http.StatusUnprocessableEntity, "RETRY_ERROR", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, retried)
}

func (s *Server) resolveStepRow(r *http.Request, instanceID, stepID string) (*core.StepExecution, error) {
	row, err := s.store.GetStep(r.Context(), stepID)
	if err == nil {
		if row.InstanceID != instanceID {
			return nil, core.ErrStepNotFound
		}
		return row, nil
	}
	if !errors.Is(err, core.ErrStepNotFound) {
		return nil, err
	}

	// Fall back to treating stepID as a node ID.
	attempt, err := s.store.LatestAttempt(r.Context(), instanceID, stepID)
	if err != nil {
		return nil, err
	}
	if attempt == 0 {
		return nil, core.ErrStepNotFound
	}
	return s.store.GetStepByKey(r.Context(), core.IdempotencyKey(instanceID, stepID, attempt))
}

// handleListExecutions returns every attempt row of an instance.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	steps, err := s.reporter.GetExecutions(r.Context(), id)
	if err != nil {
		writeReportError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": steps})
}

// handleTimeline returns one page of the instance timeline.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tl, err := s.reporter.GetTimeline(r.Context(), queryInt(q.Get("page")), queryInt(q.Get("limit")))
	if err != nil {
		writeReportError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// handleQueueMetrics returns the queue's cached metrics snapshot.
func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.reporter.GetQueueMetrics(r.Context())
	if err != nil {
		writeReportError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// TestExecuteRequest is the JSON body for the isolated node test endpoint.
type TestExecuteRequest struct {
	Kind   core.NodeKind  `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
}

// TestExecuteResponse reports the outcome of an isolated node run.
type TestExecuteResponse struct {
	NodeID     string         `json:"node_id"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// handleTestExecuteNode runs a single node against the supplied input
// without persisting anything.
func (s *Server) handleTestExecuteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeId")

	var req TestExecuteRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = core.NodeKindAction
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", fmt.Sprintf("unknown node kind %q", req.Kind))
		return
	}

	node := graph.NodeDef{ID: nodeID, Kind: req.Kind, Config: req.Config}
	output, elapsed, err := s.runner.TestExecute(r.Context(), node, req.Input)

	resp := TestExecuteResponse{NodeID: nodeID, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	resp.Output = output
	writeJSON(w, http.StatusOK, resp)
}

// handleInstanceEvents streams instance events over SSE: persisted history
// first, then live bus delivery until the instance reaches a terminal
// event or the client disconnects.
func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")

	if _, err := s.store.GetInstance(r.Context(), instanceID); err != nil {
		if errors.Is(err, core.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("instance %q not found", instanceID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_ERROR", "streaming not supported")
		return
	}

	// Subscribe before replaying so no event falls in the gap.
	var live <-chan engine.Event
	if s.bus != nil {
		sub := s.bus.Subscribe(instanceID)
		defer sub.Close()
		live = sub.Events()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	afterSeq := lastEventSeq(r)
	var replayed uint64
	if s.eventStore != nil {
		history, err := s.eventStore.List(r.Context(), instanceID, afterSeq, 0)
		if err != nil {
			s.logger.Error("event replay failed", "instance_id", instanceID, "error", err)
		}
		for _, evt := range history {
			writeSSEEvent(w, evt)
			if evt.Seq > replayed {
				replayed = evt.Seq
			}
		}
		flusher.Flush()
	}

	if live == nil {
		return
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case evt, ok := <-live:
			if !ok {
				return
			}
			if evt.Seq != 0 && evt.Seq <= replayed {
				continue
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
			if isTerminalEvent(evt.Kind) {
				return
			}
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt engine.Event) {
	data, _ := json.Marshal(evt)
	if evt.Seq != 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
}

func isTerminalEvent(kind engine.EventKind) bool {
	switch kind {
	case engine.EventInstanceCompleted, engine.EventInstanceFailed, engine.EventInstanceCancelled:
		return true
	}
	return false
}

// lastEventSeq reads the SSE resume position from the Last-Event-ID header
// or the after_seq query parameter.
func lastEventSeq(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after_seq")
	}
	seq, _ := strconv.ParseUint(raw, 10, 64)
	return seq
}

func writeReportError(w http.ResponseWriter, instanceID string, err error) {
	var unavailable *core.BackendUnavailableError
	switch {
	case errors.Is(err, core.ErrInstanceNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("instance %q not found", instanceID))
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", unavailable.Error())
	default:
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}

func queryInt(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
