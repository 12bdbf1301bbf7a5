// Package httpapi is the REST façade over the task service. It parses and
// shapes JSON; every domain decision lives in the service and the aggregate.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/taskhive/repository"
	"github.com/c360studio/taskhive/service"
	"github.com/c360studio/taskhive/task"
)

const maxRequestBodySize = 1 << 20 // 1MB

// API serves the task endpoints.
type API struct {
	svc    *service.TaskService
	logger *slog.Logger
}

// NewHandler builds the HTTP handler for the task surface.
func NewHandler(svc *service.TaskService, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", a.createTask)
	mux.HandleFunc("GET /tasks", a.listTasks)
	mux.HandleFunc("GET /tasks/{id}", a.getTask)
	mux.HandleFunc("PUT /tasks/{id}/status", a.updateStatus)
	mux.HandleFunc("PUT /tasks/{id}/assign", a.assignTask)
	mux.HandleFunc("PUT /tasks/{id}/complete", a.completeTask)
	mux.HandleFunc("PUT /tasks/{id}/cancel", a.cancelTask)
	return mux
}

type createTaskRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Priority        string   `json:"priority"`
	CreatedBy       string   `json:"created_by"`
	DueDate         string   `json:"due_date,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	ParentTaskID    string   `json:"parent_task_id,omitempty"`
	RequirementsIDs []string `json:"requirements_ids,omitempty"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !a.decode(w, r, &req) {
		return
	}

	params := task.CreateParams{
		Title:           req.Title,
		Description:     req.Description,
		Priority:        task.Priority(req.Priority),
		CreatedBy:       req.CreatedBy,
		Tags:            req.Tags,
		ParentTaskID:    req.ParentTaskID,
		RequirementsIDs: req.RequirementsIDs,
	}
	if req.DueDate != "" {
		due, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "due_date must be RFC 3339")
			return
		}
		params.DueDate = &due
	}

	created, err := a.svc.CreateTask(r.Context(), params)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeTask(w, http.StatusCreated, created)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeTask(w, http.StatusOK, t)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := repository.Criteria{
		Assignee: q.Get("assignee"),
	}
	if status := q.Get("status"); status != "" {
		parsed, err := task.ParseStatus(status)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
		criteria.Status = parsed
	}
	if tag := q.Get("tag"); tag != "" {
		criteria.Tags = []string{tag}
	}

	tasks, err := a.svc.ListTasks(r.Context(), criteria)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	docs := make([]task.Document, len(tasks))
	for i, t := range tasks {
		docs[i] = t.ToDocument()
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": docs,
		"count": len(docs),
	})
}

type updateStatusRequest struct {
	Status    string `json:"status"`
	ChangedBy string `json:"changed_by"`
	Reason    string `json:"reason,omitempty"`
}

func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !a.decode(w, r, &req) {
		return
	}
	next, err := task.ParseStatus(req.Status)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	t, err := a.svc.UpdateStatus(r.Context(), r.PathValue("id"), next, req.ChangedBy, req.Reason, nil)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeTask(w, http.StatusOK, t)
}

type assignRequest struct {
	Assignee   string `json:"assignee"`
	AssignedBy string `json:"assigned_by"`
	Reason     string `json:"reason,omitempty"`
}

func (a *API) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !a.decode(w, r, &req) {
		return
	}
	t, err := a.svc.AssignTask(r.Context(), r.PathValue("id"), req.Assignee, req.AssignedBy, req.Reason)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeTask(w, http.StatusOK, t)
}

type completeRequest struct {
	CompletedBy     string   `json:"completed_by"`
	ArtifactIDs     []string `json:"artifact_ids,omitempty"`
	CompletionNotes string   `json:"completion_notes,omitempty"`
}

func (a *API) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !a.decode(w, r, &req) {
		return
	}
	t, err := a.svc.CompleteTask(r.Context(), r.PathValue("id"), req.CompletedBy, req.CompletionNotes, req.ArtifactIDs, nil)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeTask(w, http.StatusOK, t)
}

type cancelRequest struct {
	CanceledBy string `json:"canceled_by"`
	Reason     string `json:"reason"`
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !a.decode(w, r, &req) {
		return
	}
	t, err := a.svc.CancelTask(r.Context(), r.PathValue("id"), req.CanceledBy, req.Reason)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.writeTask(w, http.StatusOK, t)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeDomainError maps domain failures onto status codes without leaking
// internal detail.
func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrValidation):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrInvalidOperation):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "task not found")
	default:
		a.logger.Error("Request failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) writeTask(w http.ResponseWriter, status int, t *task.Task) {
	a.writeJSON(w, status, t.ToDocument())
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("Failed to encode response", "error", err)
	}
}
