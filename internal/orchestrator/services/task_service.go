// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/noldarim/conductor/internal/orchestrator/database"
	"github.com/noldarim/conductor/internal/orchestrator/models"
	"github.com/noldarim/conductor/internal/steps"
)

// Task service sentinel errors.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
)

// TaskService owns task rows: creation from workflow steps and API
// calls, lookups for queue admission and status transitions as
// execution progresses.
type TaskService struct {
	tasks *database.TaskRepository
}

var _ steps.TaskCreator = (*TaskService)(nil)

// NewTaskService creates a task service on the given repository.
func NewTaskService(tasks *database.TaskRepository) *TaskService {
	return &TaskService{tasks: tasks}
}

// CreateTask materializes a task row and returns its ID. Titles are
// unique per project: when a task with the same title already exists
// and is still open its ID is returned instead of a duplicate; a
// finished task with that title is an error.
func (ts *TaskService) CreateTask(ctx context.Context, projectID, title, description, taskType string) (string, error) {
	if projectID == "" {
		return "", fmt.Errorf("project ID cannot be empty")
	}
	if title == "" {
		return "", fmt.Errorf("task title cannot be empty")
	}

	existing, err := ts.tasks.FindByProjectAndTitle(ctx, projectID, title)
	if err != nil {
		return "", fmt.Errorf("task lookup: %w", err)
	}
	if existing != nil {
		if existing.Status.Terminal() {
			return "", fmt.Errorf("%w: task %q in project %s is %s", ErrTaskFinished, title, projectID, existing.Status)
		}
		getLog().Info().Str("task_id", existing.ID).Str("title", title).Msg("Reusing existing open task")
		return existing.ID, nil
	}

	task := &models.Task{
		ProjectID:   projectID,
		Title:       title,
		Description: description,
		Type:        taskType,
		Status:      models.TaskStatusPending,
		Priority:    models.TaskPriorityNormal,
	}
	if err := ts.tasks.Create(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	getLog().Info().Str("task_id", task.ID).Str("project_id", projectID).Str("title", title).Msg("Created task")
	return task.ID, nil
}

// GetTask returns the task or ErrTaskNotFound.
func (ts *TaskService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := ts.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, nil
}

// ListTasks returns all tasks of a project, newest first.
func (ts *TaskService) ListTasks(ctx context.Context, projectID string) ([]*models.Task, error) {
	return ts.tasks.ListByProject(ctx, projectID)
}

// UpdateTaskStatus transitions a task. Finished tasks are frozen;
// transitioning one is an error.
func (ts *TaskService) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	task, err := ts.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == status {
		return nil
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: cannot transition task %s from %s to %s", ErrTaskFinished, taskID, task.Status, status)
	}
	return ts.tasks.UpdateStatus(ctx, taskID, status)
}

// DeleteTask removes a task row.
func (ts *TaskService) DeleteTask(ctx context.Context, taskID string) error {
	return ts.tasks.Delete(ctx, taskID)
}
