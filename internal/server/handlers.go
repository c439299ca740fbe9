// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noldarim/conductor/internal/analysis"
	"github.com/noldarim/conductor/internal/ide"
	"github.com/noldarim/conductor/internal/orchestrator"
	"github.com/noldarim/conductor/internal/orchestrator/models"
	"github.com/noldarim/conductor/internal/orchestrator/services"
	"github.com/noldarim/conductor/internal/queue"
	"github.com/noldarim/conductor/internal/workflow"
)

// Handlers holds the dependencies of the REST surface. IDE and chat
// are optional; their endpoints answer 503 when not wired.
type Handlers struct {
	orch *orchestrator.Service
	ide  *ide.Service
	chat *services.ChatService
}

// NewHandlers creates the handler set.
func NewHandlers(orch *orchestrator.Service, ideSvc *ide.Service, chat *services.ChatService) *Handlers {
	return &Handlers{orch: orch, ide: ideSvc, chat: chat}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
}

// errStatus maps domain errors onto HTTP statuses: not-found → 404,
// validation → 400, conflicts → 409, capacity → 429, missing
// collaborators → 503.
func errStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrPromptNotFound),
		errors.Is(err, queue.ErrItemNotFound),
		errors.Is(err, analysis.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, analysis.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrTaskFinished),
		errors.Is(err, queue.ErrItemNotQueued),
		errors.Is(err, queue.ErrItemNotPaused),
		errors.Is(err, queue.ErrItemNotRunning),
		errors.Is(err, analysis.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, services.ErrAssistantUnavailable):
		return http.StatusServiceUnavailable
	}
	var full *queue.QueueFullError
	if errors.As(err, &full) {
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// --- projects ---

// GetProjects handles GET /api/v1/projects.
func (h *Handlers) GetProjects(w http.ResponseWriter, r *http.Request) {
	repo := h.orch.Projects()
	if repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "project store not configured"})
		return
	}
	projects, err := repo.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// --- queue ---

// GetQueue handles GET /api/v1/projects/{id}/queue.
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Queue().Status(chi.URLParam(r, "id")))
}

// executeRequest is the JSON body for workflow execution.
type executeRequest struct {
	TaskMode        string         `json:"taskMode,omitempty"`
	WorkflowID      string         `json:"workflowId,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	CreateGitBranch bool           `json:"createGitBranch,omitempty"`
	BranchName      string         `json:"branchName,omitempty"`
	AutoExecute     bool           `json:"autoExecute,omitempty"`
	ProjectPath     string         `json:"projectPath,omitempty"`
	TimeoutSeconds  int            `json:"timeoutSeconds,omitempty"`
	MaxAttempts     int            `json:"maxAttempts,omitempty"`
	PromptName      string         `json:"promptName,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

func (req executeRequest) options(userID string) orchestrator.ExecuteOptions {
	return orchestrator.ExecuteOptions{
		UserID:          userID,
		TaskMode:        req.TaskMode,
		WorkflowID:      req.WorkflowID,
		Priority:        req.Priority,
		CreateGitBranch: req.CreateGitBranch,
		BranchName:      req.BranchName,
		AutoExecute:     req.AutoExecute,
		ProjectPath:     req.ProjectPath,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
		MaxAttempts:     req.MaxAttempts,
		PromptName:      req.PromptName,
		Extra:           req.Extra,
	}
}

// ExecuteTask handles POST /api/v1/projects/{id}/tasks/{taskId}/execute.
func (h *Handlers) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	sub, err := h.orch.ExecuteWorkflow(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "taskId"),
		body.options(r.URL.Query().Get("user_id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// ExecuteWorkflow handles POST /api/v1/projects/{id}/execute for runs
// without a pre-existing task (create-type workflows).
func (h *Handlers) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	sub, err := h.orch.ExecuteWorkflow(r.Context(),
		chi.URLParam(r, "id"), "",
		body.options(r.URL.Query().Get("user_id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// PauseQueueItem handles POST /api/v1/queue/items/{itemId}/pause.
func (h *Handlers) PauseQueueItem(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Queue().Pause(r.Context(), chi.URLParam(r, "itemId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeQueueItem handles POST /api/v1/queue/items/{itemId}/resume.
func (h *Handlers) ResumeQueueItem(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Queue().Resume(r.Context(), chi.URLParam(r, "itemId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// CancelQueueItem handles POST /api/v1/queue/items/{itemId}/cancel.
func (h *Handlers) CancelQueueItem(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Queue().Cancel(r.Context(), chi.URLParam(r, "itemId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// reorderRequest is the JSON body for queue reordering.
type reorderRequest struct {
	Position int `json:"position"`
}

// ReorderQueueItem handles POST /api/v1/queue/items/{itemId}/reorder.
func (h *Handlers) ReorderQueueItem(w http.ResponseWriter, r *http.Request) {
	var body reorderRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.orch.Queue().Reorder(r.Context(), chi.URLParam(r, "itemId"), body.Position); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "position": body.Position})
}

// bulkRequest is the JSON body for bulk queue operations.
type bulkRequest struct {
	Op       string   `json:"op"`
	IDs      []string `json:"ids"`
	Priority string   `json:"priority,omitempty"`
}

// BulkQueue handles POST /api/v1/queue/bulk.
func (h *Handlers) BulkQueue(w http.ResponseWriter, r *http.Request) {
	var body bulkRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ids is required"})
		return
	}
	priority, err := queue.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	outcomes := h.orch.Queue().Bulk(r.Context(), queue.BulkRequest{
		Op:       queue.BulkOp(body.Op),
		IDs:      body.IDs,
		Priority: priority,
	})
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

// --- tasks ---

// GetTasks handles GET /api/v1/projects/{id}/tasks.
func (h *Handlers) GetTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.orch.Tasks().ListTasks(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// createTaskRequest is the JSON body for task creation.
type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

// CreateTask handles POST /api/v1/projects/{id}/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if !decodeBody(w, r, &body) {
		return
	}
	body.Title = strings.TrimSpace(body.Title)
	if body.Title == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title is required"})
		return
	}

	id, err := h.orch.Tasks().CreateTask(r.Context(), chi.URLParam(r, "id"), body.Title, body.Description, body.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := h.orch.Tasks().GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// taskStatusRequest is the JSON body for task status updates.
type taskStatusRequest struct {
	Status string `json:"status"`
}

// UpdateTaskStatus handles PATCH /api/v1/projects/{id}/tasks/{taskId}/status.
func (h *Handlers) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var body taskStatusRequest
	if !decodeBody(w, r, &body) {
		return
	}
	status, err := models.ParseTaskStatus(body.Status)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.orch.Tasks().UpdateTaskStatus(r.Context(), chi.URLParam(r, "taskId"), status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

// DeleteTask handles DELETE /api/v1/projects/{id}/tasks/{taskId}.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Tasks().DeleteTask(r.Context(), chi.URLParam(r, "taskId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- analysis ---

// analysisRequest is the JSON body for analysis submission.
type analysisRequest struct {
	Types          []string `json:"types,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
	MemoryBudget   int64    `json:"memoryBudget,omitempty"`
	ProjectPath    string   `json:"projectPath,omitempty"`
}

// RunAnalysis handles POST /api/v1/projects/{id}/analysis.
func (h *Handlers) RunAnalysis(w http.ResponseWriter, r *http.Request) {
	var body analysisRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &body) {
		return
	}
	sub, err := h.orch.RunAnalysis(r.Context(), chi.URLParam(r, "id"), body.Types, orchestrator.AnalysisOptions{
		Priority:     body.Priority,
		Timeout:      time.Duration(body.TimeoutSeconds) * time.Second,
		MemoryBudget: body.MemoryBudget,
		ProjectPath:  body.ProjectPath,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// GetAnalysis handles GET /api/v1/projects/{id}/analysis.
func (h *Handlers) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Analysis().Status(chi.URLParam(r, "id")))
}

// GetAnalysisTypes handles GET /api/v1/analysis/types.
func (h *Handlers) GetAnalysisTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": h.orch.Analysis().Types()})
}

// CancelAnalysis handles POST /api/v1/analysis/jobs/{jobId}/cancel.
func (h *Handlers) CancelAnalysis(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.Analysis().Cancel(r.Context(), chi.URLParam(r, "jobId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- workflows ---

// GetWorkflows handles GET /api/v1/workflows.
func (h *Handlers) GetWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": h.orch.Workflows().WorkflowIDs()})
}

// GetWorkflow handles GET /api/v1/workflows/{workflowId}.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.orch.Workflows().Workflow(chi.URLParam(r, "workflowId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// --- IDE ---

// GetIDEs handles GET /api/v1/ide.
func (h *Handlers) GetIDEs(w http.ResponseWriter, r *http.Request) {
	if h.ide == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ide adapter not configured"})
		return
	}
	instances, err := h.ide.ListIDEs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances, "activePort": h.ide.ActivePort()})
}

// activeIDERequest is the JSON body for active-IDE selection.
type activeIDERequest struct {
	Port int `json:"port"`
}

// SetActiveIDE handles POST /api/v1/ide/active.
func (h *Handlers) SetActiveIDE(w http.ResponseWriter, r *http.Request) {
	if h.ide == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ide adapter not configured"})
		return
	}
	var body activeIDERequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Port <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "port is required"})
		return
	}
	if err := h.ide.SetActivePort(r.Context(), body.Port); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"activePort": body.Port})
}

// --- chat ---

// chatRequest is the JSON body for chat messages.
type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// PostChat handles POST /api/v1/chat.
func (h *Handlers) PostChat(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "chat relay not configured"})
		return
	}
	var body chatRequest
	if !decodeBody(w, r, &body) {
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	reply, err := h.chat.Send(r.Context(), userID, body.SessionID, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// GetChatHistory handles GET /api/v1/chat/{sessionId}.
func (h *Handlers) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "chat relay not configured"})
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	messages, err := h.chat.History(r.Context(), chi.URLParam(r, "sessionId"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// Healthz handles GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
