package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/orchestrator"
	"github.com/basket/clawdeck/internal/persistence"
)

const defaultHistoryLimit = 50

// handleTasks serves GET (whole board) and POST (add to queue) on /api/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tenantID := s.tenantID(w, r)
	if tenantID == "" {
		return
	}

	switch r.Method {
	case http.MethodGet:
		board, err := s.cfg.Store.LoadBoard(r.Context(), tenantID)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, board)
	case http.MethodPost:
		var req struct {
			Title       string               `json:"title"`
			Description string               `json:"description"`
			Priority    persistence.Priority `json:"priority"`
			Tags        []string             `json:"tags"`
			Source      string               `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			http.Error(w, "title is required", http.StatusBadRequest)
			return
		}
		task, err := s.cfg.Store.AddToQueue(r.Context(), tenantID, persistence.Task{
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			Priority:    req.Priority,
			Tags:        req.Tags,
			Source:      req.Source,
		})
		if err != nil {
			storeError(w, err)
			return
		}
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicTaskQueued, bus.TaskEvent{
				TenantID: tenantID,
				TaskID:   task.ID,
				Title:    task.Title,
				Column:   string(persistence.ColumnQueue),
			})
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID routes /api/tasks/{id}, /api/tasks/{id}/execute, and
// /api/tasks/{id}/history.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tenantID := s.tenantID(w, r)
	if tenantID == "" {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	taskID, action, _ := strings.Cut(path, "/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		s.taskCRUD(w, r, tenantID, taskID)
	case "execute":
		s.executeTask(w, r, tenantID, taskID)
	case "history":
		s.taskHistory(w, r, tenantID, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) taskCRUD(w http.ResponseWriter, r *http.Request, tenantID, taskID string) {
	switch r.Method {
	case http.MethodGet:
		task, column, err := s.cfg.Store.GetTask(r.Context(), tenantID, taskID)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task": task, "column": column})
	case http.MethodDelete:
		if err := s.cfg.Store.DeleteTask(r.Context(), tenantID, taskID); err != nil {
			storeError(w, err)
			return
		}
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TenantID: tenantID, TaskID: taskID})
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch:
		s.patchTask(w, r, tenantID, taskID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// patchTask edits mutable task fields and optionally moves it between the
// operator-editable columns (queue, blocked).
func (s *Server) patchTask(w http.ResponseWriter, r *http.Request, tenantID, taskID string) {
	var req struct {
		Title       *string               `json:"title"`
		Description *string               `json:"description"`
		Priority    *persistence.Priority `json:"priority"`
		Tags        *[]string             `json:"tags"`
		Column      *persistence.Column   `json:"column"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	task, err := s.cfg.Store.UpdateTask(r.Context(), tenantID, taskID, func(t *persistence.Task) {
		if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
			t.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Priority != nil {
			t.Priority = *req.Priority
		}
		if req.Tags != nil {
			t.Tags = *req.Tags
		}
	})
	if err != nil {
		storeError(w, err)
		return
	}

	if req.Column != nil {
		task, err = s.cfg.Store.MoveTask(r.Context(), tenantID, taskID, *req.Column)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				storeError(w, err)
			} else {
				http.Error(w, err.Error(), http.StatusBadRequest)
			}
			return
		}
	}
	writeJSON(w, http.StatusOK, task)
}

// executeTask is fire-and-forget: a 202 means the task is in progress and
// the caller should poll the board for the outcome.
func (s *Server) executeTask(w http.ResponseWriter, r *http.Request, tenantID, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Executor == nil {
		http.Error(w, "execution disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.cfg.Executor.Execute(r.Context(), tenantID, taskID); err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrAlreadyExecuting):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, persistence.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"taskId": taskID, "status": "executing"})
}

// taskHistory proxies the gateway history of the task's sub-agent session,
// enabling follow-up interaction after completion.
func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request, tenantID, taskID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, _, err := s.cfg.Store.GetTask(r.Context(), tenantID, taskID)
	if err != nil {
		storeError(w, err)
		return
	}
	if task.ChildSessionKey == "" {
		http.Error(w, "task has no sub-agent session", http.StatusNotFound)
		return
	}
	gw, ok := s.cfg.Gateways[tenantID]
	if !ok {
		http.Error(w, "no gateway configured for tenant", http.StatusServiceUnavailable)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := gw.SessionHistory(r.Context(), task.ChildSessionKey, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionKey": task.ChildSessionKey,
		"messages":   messages,
	})
}
