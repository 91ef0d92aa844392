package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/flowforge-io/flowforge/core"
	"github.com/flowforge-io/flowforge/graph"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createTemplateRequest wraps a template definition with its persistence
// options. Publish defaults to true: a posted template is immediately
// usable for new instances unless the caller asks for a draft.
type createTemplateRequest struct {
	Definition graph.TemplateDefinition `json:"definition"`
	Publish    *bool                    `json:"publish,omitempty"`
}

// handleCreateTemplate validates and stores a template definition.
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	td := req.Definition
	if td.ID == "" {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", "definition.id is required")
		return
	}
	if td.Version == "" {
		td.Version = "1.0"
	}

	diags := td.Validate()
	if graph.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"template validation failed", diagMessages(diags)...)
		return
	}

	publish := req.Publish == nil || *req.Publish
	if err := s.store.CreateTemplate(r.Context(), &td, publish); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	rec, err := s.store.GetTemplate(r.Context(), td.ID, td.Version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// handleListTemplates returns all stored template versions.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetTemplate returns a template by ID. The optional ?version= query
// selects a specific version; otherwise the latest is returned.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version := r.URL.Query().Get("version")

	rec, err := s.store.GetTemplate(r.Context(), id, version)
	if err != nil {
		if errors.Is(err, core.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUpdateTemplate replaces a draft template version.
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var td graph.TemplateDefinition
	if err := decodeJSONBody(r, &td); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if td.ID == "" {
		td.ID = id
	}
	if td.ID != id {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", "definition id does not match path")
		return
	}

	diags := td.Validate()
	if graph.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"template validation failed", diagMessages(diags)...)
		return
	}

	if err := s.store.UpdateTemplate(r.Context(), &td); err != nil {
		switch {
		case errors.Is(err, core.ErrTemplateNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", id))
		case errors.Is(err, core.ErrTemplatePublished):
			writeError(w, http.StatusConflict, "PUBLISHED", "published template versions are immutable")
		default:
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		}
		return
	}

	rec, err := s.store.GetTemplate(r.Context(), td.ID, td.Version)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePublishTemplate marks a template version as published.
func (s *Server) handlePublishTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version, ok := s.resolveVersion(w, r, id)
	if !ok {
		return
	}

	if err := s.store.PublishTemplate(r.Context(), id, version); err != nil {
		if errors.Is(err, core.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteTemplate removes a draft template version.
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version, ok := s.resolveVersion(w, r, id)
	if !ok {
		return
	}

	if err := s.store.DeleteTemplate(r.Context(), id, version); err != nil {
		switch {
		case errors.Is(err, core.ErrTemplateNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", id))
		case errors.Is(err, core.ErrTemplatePublished):
			writeError(w, http.StatusConflict, "PUBLISHED", "published template versions cannot be deleted")
		default:
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resolveVersion returns the requested version, falling back to the latest
// stored version when the query parameter is absent.
func (s *Server) resolveVersion(w http.ResponseWriter, r *http.Request, id string) (string, bool) {
	if version := r.URL.Query().Get("version"); version != "" {
		return version, true
	}
	rec, err := s.store.GetTemplate(r.Context(), id, "")
	if err != nil {
		if errors.Is(err, core.ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", id))
			return "", false
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return "", false
	}
	return rec.Definition.Version, true
}

// diagMessages extracts error messages from diagnostics.
func diagMessages(diags []graph.Diagnostic) []string {
	errs := graph.Errors(diags)
	msgs := make([]string, 0, len(errs))
	for _, d := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", d.Code, d.Message))
	}
	return msgs
}
