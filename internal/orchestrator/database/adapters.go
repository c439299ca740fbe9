// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/noldarim/conductor/internal/analysis"
	"github.com/noldarim/conductor/internal/orchestrator/models"
	"github.com/noldarim/conductor/internal/project"
	"github.com/noldarim/conductor/internal/queue"
)

// TaskGate validates queue admissions against the task table.
type TaskGate struct {
	tasks *TaskRepository
}

var _ queue.TaskGate = (*TaskGate)(nil)

// NewTaskGate creates the admission gate.
func NewTaskGate(tasks *TaskRepository) *TaskGate {
	return &TaskGate{tasks: tasks}
}

// RunnableTask reports whether the task exists, belongs to the project
// and is not already terminal.
func (g *TaskGate) RunnableTask(ctx context.Context, projectID, taskID string) error {
	task, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("task lookup: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.ProjectID != projectID {
		return fmt.Errorf("task %s does not belong to project %s", taskID, projectID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("task %s is already %s", taskID, task.Status)
	}
	return nil
}

// HistoryWriter writes terminal queue items through to the audit table.
type HistoryWriter struct {
	history *QueueHistoryRepository
}

var _ queue.HistoryRecorder = (*HistoryWriter)(nil)

// NewHistoryWriter creates the write-through recorder.
func NewHistoryWriter(history *QueueHistoryRepository) *HistoryWriter {
	return &HistoryWriter{history: history}
}

// RecordCompletion maps a terminal item onto its audit row.
func (w *HistoryWriter) RecordCompletion(ctx context.Context, item queue.Item) error {
	return w.history.Record(ctx, &models.QueueHistoryRecord{
		ID:         item.ID,
		ProjectID:  item.ProjectID,
		UserID:     item.UserID,
		TaskID:     item.TaskID,
		TaskMode:   item.TaskMode,
		WorkflowID: item.WorkflowID,
		Priority:   item.Priority.String(),
		State:      string(item.State),
		Attempts:   item.Attempts,
		Reason:     item.Reason,
		EnqueuedAt: item.EnqueuedAt,
		StartedAt:  item.StartedAt,
		FinishedAt: item.FinishedAt,
	})
}

// AnalysisWriter records settled analysis jobs.
type AnalysisWriter struct {
	analyses *AnalysisRepository
}

var _ analysis.Recorder = (*AnalysisWriter)(nil)

// NewAnalysisWriter creates the analysis recorder.
func NewAnalysisWriter(analyses *AnalysisRepository) *AnalysisWriter {
	return &AnalysisWriter{analyses: analyses}
}

// RecordAnalysis maps a terminal job onto its audit row.
func (w *AnalysisWriter) RecordAnalysis(ctx context.Context, job analysis.Job) error {
	return w.analyses.Record(ctx, &models.AnalysisRecord{
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		Types:      models.StringList(job.Types),
		State:      string(job.State),
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Result:     models.JSONMap(job.Results),
		Partial:    job.State == analysis.StatePartial,
		Reason:     job.Reason,
	})
}

// metadataDetectedFrom is the metadata key recording the directory
// that first resolved to this root.
const metadataDetectedFrom = "detectedFrom"

// ProjectCache backs the project resolver with the projects table. One
// row per detected root; lookups for directories inside a monorepo
// fall through to live detection and converge on the root row.
type ProjectCache struct {
	projects *ProjectRepository
}

var _ project.Cache = (*ProjectCache)(nil)

// NewProjectCache creates the resolver cache.
func NewProjectCache(projects *ProjectRepository) *ProjectCache {
	return &ProjectCache{projects: projects}
}

// Lookup returns the cached resolution for a workspace path, or
// nil, nil when the path is not a known project root.
func (c *ProjectCache) Lookup(ctx context.Context, workspacePath string) (*project.Info, error) {
	row, err := c.projects.FindByWorkspacePath(ctx, workspacePath)
	if err != nil || row == nil {
		return nil, err
	}

	return &project.Info{
		ProjectID:     row.ID,
		ProjectPath:   row.WorkspacePath,
		WorkspacePath: workspacePath,
		Type:          project.Type(row.Type),
	}, nil
}

// Store writes a resolution back as a project row keyed by the
// detected root.
func (c *ProjectCache) Store(ctx context.Context, info *project.Info) error {
	row := &models.Project{
		ID:            info.ProjectID,
		Name:          filepath.Base(info.ProjectPath),
		WorkspacePath: info.ProjectPath,
		Type:          string(info.Type),
		Metadata:      models.JSONMap{metadataDetectedFrom: info.WorkspacePath},
	}
	_, err := c.projects.FindOrCreateByWorkspacePath(ctx, row)
	return err
}
