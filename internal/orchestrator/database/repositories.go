// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noldarim/conductor/internal/orchestrator/models"
)

// TaskRepository persists tasks.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a task repository.
func NewTaskRepository(db *GormDB) *TaskRepository {
	return &TaskRepository{db: db.db}
}

// Create persists a new task, assigning an ID when none is set.
func (r *TaskRepository) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// Get retrieves a task by ID. Returns nil, nil when not found.
func (r *TaskRepository) Get(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// FindByProjectAndTitle finds a task by project ID and title. Returns
// nil, nil when not found, which enqueue idempotency checks rely on.
func (r *TaskRepository) FindByProjectAndTitle(ctx context.Context, projectID, title string) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).Where("project_id = ? AND title = ?", projectID, title).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// ListByProject retrieves all tasks for a project, newest first.
func (r *TaskRepository) ListByProject(ctx context.Context, projectID string) ([]*models.Task, error) {
	var tasks []*models.Task
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Update saves task details.
func (r *TaskRepository) Update(ctx context.Context, task *models.Task) error {
	return r.db.WithContext(ctx).Save(task).Error
}

// UpdateStatus updates a task's status.
func (r *TaskRepository) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	result := r.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", taskID).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no task found with id: %s", taskID)
	}
	return nil
}

// Delete removes a task.
func (r *TaskRepository) Delete(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", taskID).Error
}

// ProjectRepository persists the project cache rows.
type ProjectRepository struct {
	db *gorm.DB
}

// NewProjectRepository creates a project repository.
func NewProjectRepository(db *GormDB) *ProjectRepository {
	return &ProjectRepository{db: db.db}
}

// Create persists a new project row.
func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	return r.db.WithContext(ctx).Create(project).Error
}

// Get retrieves a project by ID. Returns nil, nil when not found.
func (r *ProjectRepository) Get(ctx context.Context, projectID string) (*models.Project, error) {
	var project models.Project
	err := r.db.WithContext(ctx).First(&project, "id = ?", projectID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

// FindByWorkspacePath retrieves the project rooted at a workspace
// path. Returns nil, nil when not found.
func (r *ProjectRepository) FindByWorkspacePath(ctx context.Context, workspacePath string) (*models.Project, error) {
	var project models.Project
	err := r.db.WithContext(ctx).Where("workspace_path = ?", workspacePath).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

// FindOrCreateByWorkspacePath returns the project rooted at the given
// path, creating the row from the template when none exists. The
// workspace path uniqueness makes concurrent detection converge on one
// row.
func (r *ProjectRepository) FindOrCreateByWorkspacePath(ctx context.Context, project *models.Project) (*models.Project, error) {
	err := r.db.WithContext(ctx).
		Where("workspace_path = ?", project.WorkspacePath).
		FirstOrCreate(project).Error
	if err != nil {
		return nil, err
	}
	return project, nil
}

// List retrieves all projects, newest first.
func (r *ProjectRepository) List(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&projects).Error
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// Delete removes a project.
func (r *ProjectRepository) Delete(ctx context.Context, projectID string) error {
	return r.db.WithContext(ctx).Delete(&models.Project{}, "id = ?", projectID).Error
}

// QueueHistoryRepository persists terminal queue items.
type QueueHistoryRepository struct {
	db *gorm.DB
}

// NewQueueHistoryRepository creates a queue history repository.
func NewQueueHistoryRepository(db *GormDB) *QueueHistoryRepository {
	return &QueueHistoryRepository{db: db.db}
}

// Record upserts one terminal item row. A retried item settles more
// than once; the latest outcome wins.
func (r *QueueHistoryRepository) Record(ctx context.Context, record *models.QueueHistoryRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "attempts", "reason", "started_at", "finished_at",
			}),
		}).
		Create(record).Error
}

// ListByProject retrieves a project's terminal items, newest first.
// limit <= 0 returns all rows.
func (r *QueueHistoryRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]*models.QueueHistoryRecord, error) {
	query := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("finished_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*models.QueueHistoryRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// AnalysisRepository persists terminal analysis jobs.
type AnalysisRepository struct {
	db *gorm.DB
}

// NewAnalysisRepository creates an analysis repository.
func NewAnalysisRepository(db *GormDB) *AnalysisRepository {
	return &AnalysisRepository{db: db.db}
}

// Record upserts one analysis row by job ID.
func (r *AnalysisRepository) Record(ctx context.Context, record *models.AnalysisRecord) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "started_at", "finished_at", "result", "partial", "reason",
			}),
		}).
		Create(record).Error
}

// Get retrieves an analysis row by job ID. Returns nil, nil when not
// found.
func (r *AnalysisRepository) Get(ctx context.Context, jobID string) (*models.AnalysisRecord, error) {
	var record models.AnalysisRecord
	err := r.db.WithContext(ctx).First(&record, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListByProject retrieves a project's analysis rows, newest first.
// limit <= 0 returns all rows.
func (r *AnalysisRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]*models.AnalysisRecord, error) {
	query := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*models.AnalysisRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ClearStaleRunning marks rows still running or queued as failed.
// Called at startup: such rows were interrupted by a previous shutdown
// and their jobs no longer exist.
func (r *AnalysisRepository) ClearStaleRunning(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.AnalysisRecord{}).
		Where("state IN ?", []string{"running", "queued"}).
		Updates(map[string]any{
			"state":  "failed",
			"reason": "interrupted by restart",
		})
	return result.RowsAffected, result.Error
}

// UserSessionRepository persists per-user connection context.
type UserSessionRepository struct {
	db *gorm.DB
}

// NewUserSessionRepository creates a user session repository.
func NewUserSessionRepository(db *GormDB) *UserSessionRepository {
	return &UserSessionRepository{db: db.db}
}

// Upsert stores the user's session row, replacing the previous one.
func (r *UserSessionRepository) Upsert(ctx context.Context, session *models.UserSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"project_id", "active_ide_port", "connected_at", "last_seen_at",
			}),
		}).
		Create(session).Error
}

// FindByUserID retrieves a user's session. Returns nil, nil when not
// found.
func (r *UserSessionRepository) FindByUserID(ctx context.Context, userID string) (*models.UserSession, error) {
	var session models.UserSession
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// Touch refreshes the session's last-seen time. A user without a
// session row is not an error.
func (r *UserSessionRepository) Touch(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Model(&models.UserSession{}).
		Where("user_id = ?", userID).
		Update("last_seen_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
}

// Delete removes a user's session.
func (r *UserSessionRepository) Delete(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Delete(&models.UserSession{}, "user_id = ?", userID).Error
}

// ChatRepository persists chat exchanges.
type ChatRepository struct {
	db *gorm.DB
}

// NewChatRepository creates a chat repository.
func NewChatRepository(db *GormDB) *ChatRepository {
	return &ChatRepository{db: db.db}
}

// Save persists one chat message, assigning an ID when none is set.
func (r *ChatRepository) Save(ctx context.Context, message *models.ChatMessage) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	return r.db.WithContext(ctx).Create(message).Error
}

// ListBySession retrieves a session's messages oldest first, so they
// replay in conversation order. limit <= 0 returns all rows.
func (r *ChatRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	query := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var messages []*models.ChatMessage
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// ListByUser retrieves a user's messages newest first. limit <= 0
// returns all rows.
func (r *ChatRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.ChatMessage, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var messages []*models.ChatMessage
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}
