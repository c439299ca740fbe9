// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator is the public entry into workflow execution:
// it resolves project context, selects the workflow for a task,
// renders prompt templates and admits work into the task and analysis
// queues.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/noldarim/conductor/internal/analysis"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/orchestrator/database"
	"github.com/noldarim/conductor/internal/orchestrator/models"
	"github.com/noldarim/conductor/internal/orchestrator/services"
	"github.com/noldarim/conductor/internal/project"
	"github.com/noldarim/conductor/internal/queue"
	"github.com/noldarim/conductor/internal/workflow"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetOrchestratorLogger()
		log = &l
	})
	return log
}

// Service is the façade over the task queue and the analysis queue.
type Service struct {
	queue     *queue.Queue
	analysis  *analysis.Queue
	workflows *workflow.Loader
	resolver  *project.Resolver
	projects  *database.ProjectRepository
	tasks     *services.TaskService
}

// Deps carries the collaborators the service is built on. Queue,
// Analysis and Workflows are required; the rest may be nil, disabling
// the lookups they serve.
type Deps struct {
	Queue     *queue.Queue
	Analysis  *analysis.Queue
	Workflows *workflow.Loader
	Resolver  *project.Resolver
	Projects  *database.ProjectRepository
	Tasks     *services.TaskService
}

// NewService creates the orchestration façade.
func NewService(d Deps) (*Service, error) {
	if d.Queue == nil {
		return nil, errors.New("orchestrator: queue is required")
	}
	if d.Analysis == nil {
		return nil, errors.New("orchestrator: analysis queue is required")
	}
	if d.Workflows == nil {
		return nil, errors.New("orchestrator: workflow loader is required")
	}
	return &Service{
		queue:     d.Queue,
		analysis:  d.Analysis,
		workflows: d.Workflows,
		resolver:  d.Resolver,
		projects:  d.Projects,
		tasks:     d.Tasks,
	}, nil
}

// ExecuteOptions tune one ExecuteWorkflow call. The zero value selects
// the workflow by the task's type, normal priority and queue defaults.
type ExecuteOptions struct {
	UserID     string
	TaskMode   string
	WorkflowID string
	// Priority is parsed with queue.ParsePriority; empty means normal.
	Priority        string
	CreateGitBranch bool
	BranchName      string
	AutoExecute     bool
	// ProjectPath overrides project-path resolution.
	ProjectPath string
	Timeout     time.Duration
	MaxAttempts int
	// PromptName names the template rendered into the run's prompt
	// value. Empty falls back to the template named after the task's
	// type, if one exists.
	PromptName string
	// Extra is copied into the run's step values. A caller-supplied
	// "prompt" key wins over template rendering.
	Extra map[string]any
}

// ExecuteWorkflow admits a workflow run for the project into the task
// queue and reports the queue position. taskID may be empty for
// workflows whose first step creates the task.
func (s *Service) ExecuteWorkflow(ctx context.Context, projectID, taskID string, opts ExecuteOptions) (*queue.Submission, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}

	priority, err := queue.ParsePriority(opts.Priority)
	if err != nil {
		return nil, err
	}

	projectPath, err := s.resolveProjectPath(ctx, projectID, opts.ProjectPath)
	if err != nil {
		return nil, err
	}

	var task *models.Task
	if taskID != "" && s.tasks != nil {
		task, err = s.tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
	}

	taskMode := opts.TaskMode
	if taskMode == "" && task != nil {
		taskMode = task.Type
	}

	def, err := s.selectWorkflow(opts.WorkflowID, taskMode)
	if err != nil {
		return nil, err
	}

	values, err := s.runValues(projectID, projectPath, task, opts)
	if err != nil {
		return nil, err
	}

	submission, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		ProjectID:  projectID,
		UserID:     opts.UserID,
		TaskID:     taskID,
		TaskMode:   taskMode,
		WorkflowID: def.ID,
		Priority:   priority,
		Options: queue.Options{
			CreateGitBranch: opts.CreateGitBranch,
			BranchName:      opts.BranchName,
			AutoExecute:     opts.AutoExecute,
			ProjectPath:     projectPath,
			Timeout:         opts.Timeout,
			MaxAttempts:     opts.MaxAttempts,
			Extra:           values,
		},
	})
	if err != nil {
		return nil, err
	}

	getLog().Info().
		Str("project_id", projectID).
		Str("task_id", taskID).
		Str("workflow_id", def.ID).
		Str("queue_item_id", submission.QueueItemID).
		Int("position", submission.Position).
		Msg("Workflow execution queued")
	return submission, nil
}

// AnalysisOptions tune one RunAnalysis call.
type AnalysisOptions struct {
	// Priority is parsed with queue.ParsePriority; empty means normal.
	Priority string
	Timeout  time.Duration
	// MemoryBudget reserves heap in the project's resource cell; zero
	// means the configured per-analysis maximum.
	MemoryBudget int64
	// ProjectPath overrides project-path resolution.
	ProjectPath string
}

// RunAnalysis submits an analysis job for the project. Empty types
// means all registered analyzers.
func (s *Service) RunAnalysis(ctx context.Context, projectID string, types []string, opts AnalysisOptions) (*analysis.Submission, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}

	priority, err := queue.ParsePriority(opts.Priority)
	if err != nil {
		return nil, err
	}

	projectPath, err := s.resolveProjectPath(ctx, projectID, opts.ProjectPath)
	if err != nil {
		return nil, err
	}

	submission, err := s.analysis.Submit(ctx, projectID, types, analysis.Options{
		Priority:     priority,
		Timeout:      opts.Timeout,
		MemoryBudget: opts.MemoryBudget,
		ProjectPath:  projectPath,
	})
	if err != nil {
		return nil, err
	}

	getLog().Info().
		Str("project_id", projectID).
		Str("job_id", submission.JobID).
		Strs("types", types).
		Msg("Analysis queued")
	return submission, nil
}

// Queue exposes the task queue for status and item control.
func (s *Service) Queue() *queue.Queue {
	return s.queue
}

// Analysis exposes the analysis queue for status and cancellation.
func (s *Service) Analysis() *analysis.Queue {
	return s.analysis
}

// Workflows exposes the loaded workflow definitions.
func (s *Service) Workflows() *workflow.Loader {
	return s.workflows
}

// Tasks exposes the task service, when wired.
func (s *Service) Tasks() *services.TaskService {
	return s.tasks
}

// Projects exposes the project repository, when wired.
func (s *Service) Projects() *database.ProjectRepository {
	return s.projects
}

// resolveProjectPath picks the workspace path for a run: an explicit
// override, then the project row, then ambient detection from the
// working directory when it identifies the same project.
func (s *Service) resolveProjectPath(ctx context.Context, projectID, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if s.projects != nil {
		row, err := s.projects.Get(ctx, projectID)
		if err != nil {
			return "", fmt.Errorf("project lookup: %w", err)
		}
		if row != nil && row.WorkspacePath != "" {
			return row.WorkspacePath, nil
		}
	}

	if s.resolver != nil {
		cwd, err := os.Getwd()
		if err == nil {
			info, err := s.resolver.Resolve(ctx, cwd)
			if err == nil && info.ProjectID == projectID {
				return info.ProjectPath, nil
			}
		}
	}

	getLog().Warn().Str("project_id", projectID).Msg("No workspace path resolved for project")
	return "", nil
}

// selectWorkflow picks the definition: an explicit workflow ID wins,
// otherwise the task-type mapping decides (falling back to default).
func (s *Service) selectWorkflow(workflowID, taskMode string) (*workflow.Definition, error) {
	if workflowID != "" {
		return s.workflows.Workflow(workflowID)
	}
	return s.workflows.WorkflowForTaskType(taskMode)
}

// runValues builds the run-level step values: caller extras plus the
// rendered prompt. Steps that declare their own prompt option keep it;
// the merge in the step runner prefers per-step options.
func (s *Service) runValues(projectID, projectPath string, task *models.Task, opts ExecuteOptions) (map[string]any, error) {
	values := lo.Assign(map[string]any{}, opts.Extra)

	promptName := opts.PromptName
	implicit := false
	if promptName == "" && task != nil && task.Type != "" {
		promptName = task.Type
		implicit = true
	}
	if promptName == "" {
		return values, nil
	}
	if _, ok := values["prompt"]; ok {
		return values, nil
	}

	data := map[string]string{
		"projectId":   projectID,
		"projectPath": projectPath,
	}
	if task != nil {
		data["taskTitle"] = task.Title
		data["taskDescription"] = task.Description
	}

	prompt, err := s.workflows.FormatPrompt(promptName, data)
	if err != nil {
		// Task types without a template are fine; the workflow's
		// steps carry their own prompts then.
		if implicit && errors.Is(err, workflow.ErrPromptNotFound) {
			return values, nil
		}
		return nil, err
	}

	values["prompt"] = prompt
	return values, nil
}
