// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/conductor/internal/ai"
	"github.com/noldarim/conductor/internal/analysis"
	"github.com/noldarim/conductor/internal/bus"
	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/fsys"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/orchestrator"
	"github.com/noldarim/conductor/internal/orchestrator/database"
	"github.com/noldarim/conductor/internal/orchestrator/models"
	"github.com/noldarim/conductor/internal/orchestrator/services"
	"github.com/noldarim/conductor/internal/project"
	"github.com/noldarim/conductor/internal/queue"
	"github.com/noldarim/conductor/internal/workflow"
)

const testWorkflowDefs = `{
  "workflows": {
    "default": {
      "name": "Default",
      "steps": [
        {"name": "Send prompt", "type": "ide.message", "category": "communication"}
      ]
    },
    "feature-workflow": {
      "name": "Feature",
      "extends": "default",
      "steps": [
        {"name": "Create branch", "type": "git.branch", "category": "repository"}
      ]
    }
  },
  "taskTypeMapping": {
    "feature": "feature-workflow",
    "default": "default"
  },
  "prompts": {
    "feature": "Implement {taskTitle}: {taskDescription}"
  }
}`

type stubAssistant struct {
	reply string
}

func (s *stubAssistant) Converse(context.Context, []ai.Message, ai.ChatOptions) (string, error) {
	return s.reply, nil
}

type apiFixture struct {
	srv      *httptest.Server
	tasks    *services.TaskService
	projects *database.ProjectRepository
	queue    *queue.Queue
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db, err := database.NewGormDB(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "conductor-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AutoMigrate())

	defsPath := filepath.Join(t.TempDir(), "workflows.json")
	require.NoError(t, os.WriteFile(defsPath, []byte(testWorkflowDefs), 0o644))
	loader := workflow.NewLoader(defsPath)
	require.NoError(t, loader.Load())

	metrics, registry := observability.NewMetrics()
	b := bus.New()

	taskRepo := database.NewTaskRepository(db)
	projRepo := database.NewProjectRepository(db)

	q := queue.New(config.QueueConfig{
		MaxSize:                 10,
		MaxConcurrentPerProject: 1,
		DefaultTimeout:          time.Minute,
		HistorySize:             10,
		ShutdownGrace:           time.Second,
	}, b, database.NewTaskGate(taskRepo), database.NewHistoryWriter(database.NewQueueHistoryRepository(db)), metrics)

	scanner := analysis.NewScanner(fsys.NewService(0), config.ScanConfig{})
	aq := analysis.New(config.AnalysisConfig{
		MaxMemoryPerAnalysis:    1 << 20,
		MaxMemoryPerProject:     1 << 22,
		Timeout:                 time.Minute,
		MaxConcurrentPerProject: 1,
		MemoryThreshold:         0.9,
		StreamingBatchSize:      16,
	}, b, database.NewAnalysisWriter(database.NewAnalysisRepository(db)), metrics, analysis.DefaultAnalyzers(scanner))
	t.Cleanup(func() { aq.Stop(time.Second) })

	tasks := services.NewTaskService(taskRepo)
	chat := services.NewChatService(&stubAssistant{reply: "done"}, database.NewChatRepository(db), b)

	orch, err := orchestrator.NewService(orchestrator.Deps{
		Queue:     q,
		Analysis:  aq,
		Workflows: loader,
		Resolver:  project.NewResolver(database.NewProjectCache(projRepo)),
		Projects:  projRepo,
		Tasks:     tasks,
	})
	require.NoError(t, err)

	s := New(&config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Orchestrator:   orch,
		Chat:           chat,
		Bus:            b,
		Metrics:        metrics,
		MetricsHandler: observability.Handler(registry),
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, tasks: tasks, projects: projRepo, queue: q}
}

func (f *apiFixture) seedProject(t *testing.T, id, workspacePath string) {
	t.Helper()
	require.NoError(t, f.projects.Create(context.Background(), &models.Project{
		ID:            id,
		Name:          id,
		WorkspacePath: workspacePath,
		Type:          "single_repo",
	}))
}

func (f *apiFixture) seedTask(t *testing.T, projectID, title, description, taskType string) string {
	t.Helper()
	id, err := f.tasks.CreateTask(context.Background(), projectID, title, description, taskType)
	require.NoError(t, err)
	return id
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "ok", decodeMap(t, resp)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "conductor_")
}

func TestGetProjects(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")

	resp := f.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeMap(t, resp)
	projects, ok := body["projects"].([]any)
	require.True(t, ok)
	require.Len(t, projects, 1)
}

func TestTaskLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks", map[string]string{
		"title":       "Add login",
		"description": "OAuth2 device flow",
		"type":        "feature",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeMap(t, resp)
	taskID, _ := created["id"].(string)
	require.NotEmpty(t, taskID)

	resp = f.do(t, http.MethodGet, "/api/v1/projects/p-1/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks, ok := decodeMap(t, resp)["tasks"].([]any)
	require.True(t, ok)
	assert.Len(t, tasks, 1)

	resp = f.do(t, http.MethodPatch, "/api/v1/projects/p-1/tasks/"+taskID+"/status", map[string]string{
		"status": "completed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/v1/projects/p-1/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/projects/p-1/tasks", nil)
	tasks, _ = decodeMap(t, resp)["tasks"].([]any)
	assert.Empty(t, tasks)
}

func TestCreateTask_RequiresTitle(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks", map[string]string{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateTaskStatus_UnknownValue(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")
	taskID := f.seedTask(t, "p-1", "Add login", "", "feature")

	resp := f.do(t, http.MethodPatch, "/api/v1/projects/p-1/tasks/"+taskID+"/status", map[string]string{
		"status": "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteTask(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")
	taskID := f.seedTask(t, "p-1", "Add login", "OAuth2 device flow", "feature")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/"+taskID+"/execute?user_id=alice", map[string]any{
		"priority": "high",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	sub := decodeMap(t, resp)
	itemID, _ := sub["queueItemId"].(string)
	require.NotEmpty(t, itemID)

	resp = f.do(t, http.MethodGet, "/api/v1/projects/p-1/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snapshot := decodeMap(t, resp)
	queued, ok := snapshot["queued"].([]any)
	require.True(t, ok)
	require.Len(t, queued, 1)
	item, ok := queued[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "feature-workflow", item["workflowId"])
	assert.Equal(t, "alice", item["userId"])
}

func TestExecuteTask_UnknownTask(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteTask_InvalidPriority(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")
	taskID := f.seedTask(t, "p-1", "Add login", "", "feature")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/"+taskID+"/execute", map[string]any{
		"priority": "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecuteWorkflow_WithoutTask(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/execute", map[string]any{
		"taskMode": "feature",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, decodeMap(t, resp)["queueItemId"])
}

func TestExecuteWorkflow_UnknownWorkflow(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/execute", map[string]any{
		"workflowId": "nonexistent",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueItemOperations(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")
	taskID := f.seedTask(t, "p-1", "Add login", "", "feature")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/"+taskID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	itemID := decodeMap(t, resp)["queueItemId"].(string)

	resp = f.do(t, http.MethodPost, "/api/v1/queue/items/"+itemID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", decodeMap(t, resp)["status"])

	resp = f.do(t, http.MethodPost, "/api/v1/queue/items/"+itemID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/queue/items/"+itemID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/queue/items/missing/pause", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueReorder(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")
	first := f.seedTask(t, "p-1", "First", "", "feature")
	second := f.seedTask(t, "p-1", "Second", "", "feature")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/"+first+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/"+second+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	secondItem := decodeMap(t, resp)["queueItemId"].(string)

	resp = f.do(t, http.MethodPost, "/api/v1/queue/items/"+secondItem+"/reorder", map[string]int{
		"position": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/projects/p-1/queue", nil)
	queued := decodeMap(t, resp)["queued"].([]any)
	require.Len(t, queued, 2)
	head := queued[0].(map[string]any)
	assert.Equal(t, secondItem, head["id"])
}

func TestQueueBulk(t *testing.T) {
	f := newAPIFixture(t)
	f.seedProject(t, "p-1", "/workspaces/api")
	first := f.seedTask(t, "p-1", "First", "", "feature")
	second := f.seedTask(t, "p-1", "Second", "", "feature")

	resp := f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/"+first+"/execute", nil)
	a := decodeMap(t, resp)["queueItemId"].(string)
	resp = f.do(t, http.MethodPost, "/api/v1/projects/p-1/tasks/"+second+"/execute", nil)
	b := decodeMap(t, resp)["queueItemId"].(string)

	resp = f.do(t, http.MethodPost, "/api/v1/queue/bulk", map[string]any{
		"op":  "pause",
		"ids": []string{a, b},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	outcomes := decodeMap(t, resp)["outcomes"].([]any)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, true, o.(map[string]any)["ok"])
	}

	resp = f.do(t, http.MethodPost, "/api/v1/queue/bulk", map[string]any{
		"op":  "pause",
		"ids": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalysisEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "main.go"), []byte("package main\n"), 0o644))
	f.seedProject(t, "p-1", workspace)

	resp := f.do(t, http.MethodGet, "/api/v1/analysis/types", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "security")

	resp = f.do(t, http.MethodPost, "/api/v1/projects/p-1/analysis", map[string]any{
		"types": []string{analysis.TypeSecurity},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := decodeMap(t, resp)["jobId"].(string)
	assert.NotEmpty(t, jobID)

	resp = f.do(t, http.MethodGet, "/api/v1/projects/p-1/analysis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/projects/p-1/analysis", map[string]any{
		"types": []string{"bogus"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkflowCatalog(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "feature-workflow")

	resp = f.do(t, http.MethodGet, "/api/v1/workflows/feature-workflow", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	def := decodeMap(t, resp)
	assert.Equal(t, "Feature", def["name"])
	// Extension flattening: the inherited ide.message step precedes the
	// workflow's own git.branch step.
	steps, ok := def["steps"].([]any)
	require.True(t, ok)
	require.Len(t, steps, 2)

	resp = f.do(t, http.MethodGet, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIDEEndpoints_Unconfigured(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/ide", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/ide/active", map[string]int{"port": 9222})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestChatEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/chat?user_id=alice", map[string]string{
		"sessionId": "s-1",
		"message":   "status?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", decodeMap(t, resp)["reply"])

	resp = f.do(t, http.MethodGet, "/api/v1/chat/s-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages, ok := decodeMap(t, resp)["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2) // user turn + assistant reply

	resp = f.do(t, http.MethodPost, "/api/v1/chat", map[string]string{
		"sessionId": "s-1",
		"message":   "anonymous",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/v1/projects", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestInvalidJSONBody(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/projects/p-1/tasks", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
