package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/FocuswithJustin/marginalia/core/codec"
	"github.com/FocuswithJustin/marginalia/core/component"
	"github.com/FocuswithJustin/marginalia/core/document"
	merrors "github.com/FocuswithJustin/marginalia/core/errors"
	"github.com/FocuswithJustin/marginalia/core/flags"
	"github.com/FocuswithJustin/marginalia/core/repository"
	"github.com/FocuswithJustin/marginalia/internal/logging"
	"github.com/FocuswithJustin/marginalia/internal/workspace"
)

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *APIMeta  `json:"meta,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIMeta contains response metadata.
type APIMeta struct {
	Total     int    `json:"total,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthInfo is the health check response.
type HealthInfo struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Documents int    `json:"documents"`
	Clients   int    `json:"clients"`
}

// CreateDocumentRequest is the body of POST /documents.
type CreateDocumentRequest struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Selector string `json:"selector,omitempty"`
}

// DocumentInfo is a document with its revision history.
type DocumentInfo struct {
	repository.Document
	Revisions []repository.Revision `json:"revisions"`
}

// ApplyRequest is the body of POST /documents/{id}/annotations.
type ApplyRequest struct {
	Component string `json:"component"`
	Address   string `json:"address"`
	Payload   string `json:"payload,omitempty"`
}

// UnannotateRequest is the body of DELETE /documents/{id}/annotations.
type UnannotateRequest struct {
	Address string   `json:"address"`
	Kinds   []string `json:"kinds"`
	Resplit bool     `json:"resplit,omitempty"`
}

// PayloadRequest is the body of PUT /documents/{id}/payloads/{pid}.
type PayloadRequest struct {
	Payload string `json:"payload"`
}

// Annotations is the body of GET /documents/{id}/annotations.
type Annotations struct {
	Runs     []document.Run      `json:"runs"`
	Payloads []workspace.Payload `json:"payloads"`
}

// ComponentInfo describes a toolbar component.
type ComponentInfo struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"name":    "marginalia",
		"version": s.cfg.Version,
		"endpoints": []string{
			"GET /health",
			"GET /components",
			"GET /documents",
			"POST /documents",
			"GET /documents/{id}",
			"DELETE /documents/{id}",
			"GET /documents/{id}/annotations",
			"POST /documents/{id}/annotations",
			"DELETE /documents/{id}/annotations",
			"PUT /documents/{id}/payloads/{pid}",
			"DELETE /documents/{id}/payloads/{pid}",
			"GET /documents/{id}/render",
			"GET /documents/{id}/state",
			"PUT /documents/{id}/state",
			"GET /documents/{id}/revisions",
			"WS /ws",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	docs, err := s.ws.Documents(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, HealthInfo{
		Status:    "healthy",
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Documents: len(docs),
		Clients:   s.hub.ClientCount(),
	})
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	var out []ComponentInfo
	for _, name := range component.Names() {
		c, _ := component.ByName(name)
		out = append(out, ComponentInfo{Name: c.Name(), Title: c.Title()})
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.ws.Documents(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if docs == nil {
		docs = []repository.Document{}
	}
	respondList(w, docs, len(docs))
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !s.decode(w, r, &req) {
		return
	}
	doc, err := s.ws.Import(r.Context(), req.Name, []byte(req.Source), req.Selector)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusCreated, doc)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.ws.Document(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	revs, err := s.ws.Revisions(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if revs == nil {
		revs = []repository.Revision{}
	}
	respond(w, http.StatusOK, DocumentInfo{Document: *doc, Revisions: revs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.Delete(r.Context(), r.PathValue("id")); err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}

func (s *Server) handleListAnnotations(w http.ResponseWriter, r *http.Request) {
	runs, payloads, err := s.ws.List(r.Context(), r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if runs == nil {
		runs = []document.Run{}
	}
	if payloads == nil {
		payloads = []workspace.Payload{}
	}
	respond(w, http.StatusOK, Annotations{Runs: runs, Payloads: payloads})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !s.decode(w, r, &req) {
		return
	}
	var payload []byte
	if req.Payload != "" {
		payload = []byte(req.Payload)
	}
	res, err := s.ws.Apply(r.Context(), r.PathValue("id"), req.Component, req.Address, payload)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, res)
}

func (s *Server) handleUnannotate(w http.ResponseWriter, r *http.Request) {
	var req UnannotateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ws.Unannotate(r.Context(), r.PathValue("id"), req.Address, req.Kinds, req.Resplit); err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"message": "Annotations removed"})
}

func (s *Server) handleUpdatePayload(w http.ResponseWriter, r *http.Request) {
	pid, ok := payloadID(w, r)
	if !ok {
		return
	}
	var req PayloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.ws.UpdatePayload(r.Context(), r.PathValue("id"), pid, []byte(req.Payload)); err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"id": pid})
}

func (s *Server) handleRemovePayload(w http.ResponseWriter, r *http.Request) {
	pid, ok := payloadID(w, r)
	if !ok {
		return
	}
	if err := s.ws.RemovePayload(r.Context(), r.PathValue("id"), pid); err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"message": "Payload removed"})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	out, err := s.ws.Render(r.Context(), r.PathValue("id"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xhtml+xml; charset=utf-8")
	io.WriteString(w, out)
}

// handleState returns the raw codec bytes, or the snapshot envelope with
// ?format=snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		data []byte
		err  error
	)
	switch r.URL.Query().Get("format") {
	case "", "raw":
		var state codec.SaveState
		if state, err = s.ws.State(r.Context(), id); err == nil {
			data, err = codec.Marshal(state)
		}
	case "snapshot":
		data, err = s.ws.Export(r.Context(), id)
	default:
		respondError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be raw or snapshot")
		return
	}
	if err != nil {
		respondErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleImportState(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body exceeds the size limit")
		return
	}
	rev, err := s.ws.ImportSnapshot(r.Context(), r.PathValue("id"), data)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, rev)
}

func (s *Server) handleRevisions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.ws.Document(r.Context(), id); err != nil {
		respondErr(w, r, err)
		return
	}
	revs, err := s.ws.Revisions(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if revs == nil {
		revs = []repository.Revision{}
	}
	respondList(w, revs, len(revs))
}

// decode reads a JSON body into v, answering 400 or 413 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body exceeds the size limit")
			return false
		}
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return false
	}
	return true
}

func payloadID(w http.ResponseWriter, r *http.Request) (flags.PayloadID, bool) {
	n, err := strconv.ParseUint(r.PathValue("pid"), 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "payload id must be a non-negative integer")
		return 0, false
	}
	return flags.PayloadID(n), true
}

// respondErr maps engine errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, merrors.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, merrors.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, merrors.ErrAlreadyExists):
		respondError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, merrors.ErrPolicy):
		respondError(w, http.StatusConflict, "POLICY_VIOLATION", err.Error())
	case errors.Is(err, merrors.ErrCorrupt):
		respondError(w, http.StatusUnprocessableEntity, "CORRUPT", err.Error())
	case errors.Is(err, merrors.ErrUnsupported):
		respondError(w, http.StatusUnprocessableEntity, "UNSUPPORTED", err.Error())
	default:
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func respond(w http.ResponseWriter, status int, data any) {
	write(w, status, APIResponse{
		Success: true,
		Data:    data,
		Meta:    &APIMeta{Timestamp: time.Now().UTC().Format(time.RFC3339)},
	})
}

func respondList(w http.ResponseWriter, data any, total int) {
	write(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
		Meta:    &APIMeta{Total: total, Timestamp: time.Now().UTC().Format(time.RFC3339)},
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	write(w, status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
		Meta:    &APIMeta{Timestamp: time.Now().UTC().Format(time.RFC3339)},
	})
}

func write(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
