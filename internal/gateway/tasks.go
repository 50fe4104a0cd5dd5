package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/cmdcenter/internal/audit"
	"github.com/basket/cmdcenter/internal/policy"
	"github.com/basket/cmdcenter/internal/store"
)

type createTaskRequest struct {
	Project     string         `json:"project"`
	Description string         `json:"description"`
	Priority    string         `json:"priority"`
	Metadata    map[string]any `json:"metadata"`
}

type claimRequest struct {
	Agent string `json:"agent"`
}

type completeRequest struct {
	Result string `json:"result"`
}

type failRequest struct {
	Error string `json:"error"`
}

// handleTasks serves POST /api/tasks (enqueue) and GET /api/tasks (list).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, policy.PermTasksCreate) {
		return
	}
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}

	taskID, err := s.cfg.Store.Enqueue(r.Context(), req.Project, req.Description, store.Priority(req.Priority), req.Metadata)
	if err != nil {
		s.storeError(w, r, "enqueue task", err)
		return
	}
	if err := s.recordMutation(r, audit.ActionTaskCreated, "task", taskID, map[string]any{
		"project":  req.Project,
		"priority": req.Priority,
	}); err != nil {
		s.internalError(w, r, "audit task creation", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksEnqueued.Add(r.Context(), 1)
	}

	task, err := s.cfg.Store.Get(r.Context(), taskID)
	if err != nil {
		s.internalError(w, r, "load created task", err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, policy.PermTasksRead) {
		return
	}
	filter := store.TaskFilter{
		Project: r.URL.Query().Get("project"),
		Status:  store.TaskStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	tasks, err := s.cfg.Store.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleTaskSubpath routes /api/tasks/claim and /api/tasks/{id}[/op].
func (s *Server) handleTaskSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if rest == "claim" {
		s.claimTask(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		http.Error(w, `{"error":"task id required"}`, http.StatusBadRequest)
		return
	}
	if len(parts) == 1 {
		s.getTask(w, r, taskID)
		return
	}
	switch parts[1] {
	case "complete":
		s.completeTask(w, r, taskID)
	case "fail":
		s.failTask(w, r, taskID)
	case "cancel":
		s.cancelTask(w, r, taskID)
	default:
		http.Error(w, `{"error":"unknown task operation"}`, http.StatusNotFound)
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermTasksRead) {
		return
	}
	task, err := s.cfg.Store.Get(r.Context(), taskID)
	if err != nil {
		s.internalError(w, r, "get task", err)
		return
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// claimTask atomically hands the best pending task to the calling agent. An
// empty queue is a normal outcome and returns 204.
func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermTasksClaim) {
		return
	}
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}

	task, err := s.cfg.Store.Claim(r.Context(), req.Agent)
	if err != nil {
		s.storeError(w, r, "claim task", err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.recordMutation(r, audit.ActionTaskClaimed, "task", task.ID, map[string]any{
		"agent":    req.Agent,
		"priority": string(task.Priority),
	}); err != nil {
		s.internalError(w, r, "audit task claim", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksClaimed.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermTasksUpdate) {
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := s.cfg.Store.Complete(r.Context(), taskID, req.Result); err != nil {
		s.storeError(w, r, "complete task", err)
		return
	}
	if err := s.recordMutation(r, audit.ActionTaskCompleted, "task", taskID, nil); err != nil {
		s.internalError(w, r, "audit task completion", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TasksCompleted.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed"})
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermTasksUpdate) {
		return
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body: " + err.Error()})
		return
	}

	task, err := s.cfg.Store.Fail(r.Context(), taskID, req.Error)
	if err != nil {
		s.storeError(w, r, "fail task", err)
		return
	}
	if err := s.recordMutation(r, audit.ActionTaskFailed, "task", taskID, map[string]any{
		"error":       req.Error,
		"status":      string(task.Status),
		"retry_count": task.RetryCount,
	}); err != nil {
		s.internalError(w, r, "audit task failure", err)
		return
	}
	if s.cfg.Metrics != nil && task.Status == store.TaskStatusFailed {
		s.cfg.Metrics.TasksFailed.Add(r.Context(), 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      task.Status,
		"retry_count": task.RetryCount,
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.require(w, r, policy.PermTasksCancel) {
		return
	}
	if err := s.cfg.Store.Cancel(r.Context(), taskID); err != nil {
		s.storeError(w, r, "cancel task", err)
		return
	}
	if err := s.recordMutation(r, audit.ActionTaskCancelled, "task", taskID, nil); err != nil {
		s.internalError(w, r, "audit task cancellation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}
