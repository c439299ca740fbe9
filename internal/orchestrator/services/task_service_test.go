// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/orchestrator/database"
	"github.com/noldarim/conductor/internal/orchestrator/models"
)

// newTestDB opens a throwaway SQLite database and runs migrations.
func newTestDB(t *testing.T) *database.GormDB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "conductor-test.db"),
	}

	db, err := database.NewGormDB(cfg)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.AutoMigrate(), "Failed to run migrations")
	return db
}

func newTestTaskService(t *testing.T) *TaskService {
	t.Helper()
	return NewTaskService(database.NewTaskRepository(newTestDB(t)))
}

func TestTaskService_CreateTask(t *testing.T) {
	svc := newTestTaskService(t)
	ctx := context.Background()

	id, err := svc.CreateTask(ctx, "proj-1", "Fix login bug", "users cannot log in", "bug")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", task.ProjectID)
	assert.Equal(t, "Fix login bug", task.Title)
	assert.Equal(t, "bug", task.Type)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, models.TaskPriorityNormal, task.Priority)
}

func TestTaskService_CreateTaskValidatesInput(t *testing.T) {
	svc := newTestTaskService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, "", "title", "", "feature")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project ID cannot be empty")

	_, err = svc.CreateTask(ctx, "proj-1", "", "", "feature")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title cannot be empty")
}

func TestTaskService_CreateTaskReusesOpenTask(t *testing.T) {
	svc := newTestTaskService(t)
	ctx := context.Background()

	first, err := svc.CreateTask(ctx, "proj-1", "Add dark mode", "", "feature")
	require.NoError(t, err)

	second, err := svc.CreateTask(ctx, "proj-1", "Add dark mode", "different description", "feature")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	tasks, err := svc.ListTasks(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestTaskService_CreateTaskRejectsFinishedTitle(t *testing.T) {
	svc := newTestTaskService(t)
	ctx := context.Background()

	id, err := svc.CreateTask(ctx, "proj-1", "Add dark mode", "", "feature")
	require.NoError(t, err)
	require.NoError(t, svc.UpdateTaskStatus(ctx, id, models.TaskStatusCompleted))

	_, err = svc.CreateTask(ctx, "proj-1", "Add dark mode", "", "feature")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskFinished)
}

func TestTaskService_GetTaskNotFound(t *testing.T) {
	svc := newTestTaskService(t)

	_, err := svc.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskService_UpdateTaskStatus(t *testing.T) {
	svc := newTestTaskService(t)
	ctx := context.Background()

	id, err := svc.CreateTask(ctx, "proj-1", "Refactor parser", "", "refactor")
	require.NoError(t, err)

	require.NoError(t, svc.UpdateTaskStatus(ctx, id, models.TaskStatusRunning))
	require.NoError(t, svc.UpdateTaskStatus(ctx, id, models.TaskStatusCompleted))

	task, err := svc.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)

	// Same-status transition is a no-op; leaving a finished state is
	// not allowed.
	assert.NoError(t, svc.UpdateTaskStatus(ctx, id, models.TaskStatusCompleted))
	err = svc.UpdateTaskStatus(ctx, id, models.TaskStatusRunning)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskFinished)
}

func TestTaskService_UpdateStatusMissingTask(t *testing.T) {
	svc := newTestTaskService(t)

	err := svc.UpdateTaskStatus(context.Background(), "missing", models.TaskStatusRunning)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskService_DeleteTask(t *testing.T) {
	svc := newTestTaskService(t)
	ctx := context.Background()

	id, err := svc.CreateTask(ctx, "proj-1", "Remove me", "", "chore")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTask(ctx, id))

	_, err = svc.GetTask(ctx, id)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskService_ListTasksScopedToProject(t *testing.T) {
	svc := newTestTaskService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, "proj-1", "One", "", "feature")
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "proj-1", "Two", "", "feature")
	require.NoError(t, err)
	_, err = svc.CreateTask(ctx, "proj-2", "Other", "", "feature")
	require.NoError(t, err)

	tasks, err := svc.ListTasks(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}
