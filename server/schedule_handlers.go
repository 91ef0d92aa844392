package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge-io/flowforge/core"
)

type scheduleRequest struct {
	TemplateID      string         `json:"template_id,omitempty"`
	TemplateVersion string         `json:"template_version,omitempty"`
	ReferenceID     string         `json:"reference_id,omitempty"`
	Cron            string         `json:"cron,omitempty"`
	Enabled         *bool          `json:"enabled,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "schedules are not configured")
		return
	}

	schedules, err := s.scheduleStore.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "schedules are not configured")
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", "template_id is required")
		return
	}
	if !s.templateExists(w, r, req.TemplateID) {
		return
	}

	now := time.Now().UTC()
	schedule := Schedule{
		ID:        uuid.NewString(),
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	updated, err := applyScheduleRequest(schedule, req, true, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}

	if err := s.scheduleStore.CreateSchedule(r.Context(), updated); err != nil {
		if errors.Is(err, ErrScheduleExists) {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("schedule %q already exists", updated.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, updated)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "schedules are not configured")
		return
	}

	scheduleID := r.PathValue("schedule_id")
	schedule, found, err := s.scheduleStore.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "schedules are not configured")
		return
	}

	scheduleID := r.PathValue("schedule_id")
	existing, found, err := s.scheduleStore.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
		return
	}

	var req scheduleRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.TemplateID != "" && !s.templateExists(w, r, req.TemplateID) {
		return
	}

	now := time.Now().UTC()
	next, err := applyScheduleRequest(existing, req, false, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_SCHEDULE", err.Error())
		return
	}
	next.UpdatedAt = now

	if err := s.scheduleStore.UpdateSchedule(r.Context(), next); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduleStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "schedules are not configured")
		return
	}

	scheduleID := r.PathValue("schedule_id")
	if err := s.scheduleStore.DeleteSchedule(r.Context(), scheduleID); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", scheduleID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) templateExists(w http.ResponseWriter, r *http.Request, templateID string) bool {
	_, err := s.store.GetTemplate(r.Context(), templateID, "")
	if err != nil {
		if errors.Is(err, core.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", templateID))
			return false
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return false
	}
	return true
}

func applyScheduleRequest(base Schedule, req scheduleRequest, creating bool, now time.Time) (Schedule, error) {
	currentCron := base.Cron
	wasEnabled := base.Enabled

	if templateID := strings.TrimSpace(req.TemplateID); templateID != "" {
		base.TemplateID = templateID
	}
	if req.TemplateVersion != "" {
		base.TemplateVersion = req.TemplateVersion
	}
	if req.ReferenceID != "" {
		base.ReferenceID = req.ReferenceID
	}
	if cleanCron := strings.TrimSpace(req.Cron); cleanCron != "" {
		base.Cron = cleanCron
	}
	if req.Enabled != nil {
		base.Enabled = *req.Enabled
	}
	if req.Input != nil {
		base.Input = req.Input
	}

	if strings.TrimSpace(base.Cron) == "" {
		return Schedule{}, fmt.Errorf("cron is required")
	}
	if _, err := parseCronExpressionUTC(base.Cron); err != nil {
		return Schedule{}, err
	}

	cronChanged := strings.TrimSpace(currentCron) != "" && currentCron != base.Cron
	if base.Enabled && (creating || cronChanged || (!wasEnabled && base.Enabled) || base.NextRunAt.IsZero()) {
		nextRunAt, err := nextCronRunUTC(base.Cron, now.UTC())
		if err != nil {
			return Schedule{}, err
		}
		base.NextRunAt = nextRunAt
	}

	return base, nil
}
