// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models holds the GORM-persisted entities: tasks, project
// cache rows, analysis records, queue history, chat messages and user
// sessions. Queue items and analysis jobs themselves live in memory;
// only their terminal audit rows land here.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus int

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusRunning
	TaskStatusCompleted
	TaskStatusFailed
	TaskStatusCancelled
)

// String returns the string representation of TaskStatus.
func (ts TaskStatus) String() string {
	switch ts {
	case TaskStatusPending:
		return "pending"
	case TaskStatusRunning:
		return "running"
	case TaskStatusCompleted:
		return "completed"
	case TaskStatusFailed:
		return "failed"
	case TaskStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (ts TaskStatus) Terminal() bool {
	switch ts {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ParseTaskStatus maps a status name to its TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch s {
	case "pending":
		return TaskStatusPending, nil
	case "running":
		return TaskStatusRunning, nil
	case "completed":
		return TaskStatusCompleted, nil
	case "failed":
		return TaskStatusFailed, nil
	case "cancelled":
		return TaskStatusCancelled, nil
	default:
		return TaskStatusPending, fmt.Errorf("unknown task status %q", s)
	}
}

// TaskPriority orders tasks when they reach the queue.
type TaskPriority int

const (
	TaskPriorityLow TaskPriority = iota
	TaskPriorityNormal
	TaskPriorityHigh
	TaskPriorityCritical
)

// String returns the string representation of TaskPriority.
func (tp TaskPriority) String() string {
	switch tp {
	case TaskPriorityLow:
		return "low"
	case TaskPriorityNormal:
		return "normal"
	case TaskPriorityHigh:
		return "high"
	case TaskPriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// JSONMap is a JSON object column.
type JSONMap map[string]any

// Scan implements the sql.Scanner interface.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan JSONMap from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface.
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// StringList is a JSON array column of strings.
type StringList []string

// Scan implements the sql.Scanner interface.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = []string{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("cannot scan StringList from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Project is the cached resolution of a workspace directory. The
// workspace path is the detection key; the row is written back the
// first time a directory resolves.
type Project struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	Name          string    `gorm:"not null;type:text" json:"name"`
	WorkspacePath string    `gorm:"not null;type:text;uniqueIndex" json:"workspace_path"`
	Type          string    `gorm:"type:text" json:"type"`
	Framework     string    `gorm:"type:text" json:"framework,omitempty"`
	Language      string    `gorm:"type:text" json:"language,omitempty"`
	Metadata      JSONMap   `gorm:"type:text" json:"metadata"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`

	// Relations
	Tasks []Task `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"tasks,omitempty"`
}

// TableName returns the table name for Project.
func (Project) TableName() string {
	return "projects"
}

// BeforeCreate is a GORM hook that runs before creating a record.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Metadata == nil {
		p.Metadata = JSONMap{}
	}
	return nil
}

// Task is a durable unit of work. Terminal statuses admit no further
// transitions; the task service enforces that on update.
type Task struct {
	ID          string       `gorm:"primaryKey;type:text" json:"id"`
	ProjectID   string       `gorm:"not null;type:text;index;uniqueIndex:idx_project_title" json:"project_id"`
	Title       string       `gorm:"not null;type:text;uniqueIndex:idx_project_title" json:"title"`
	Description string       `gorm:"type:text" json:"description"`
	Type        string       `gorm:"type:text;index" json:"type"`
	Status      TaskStatus   `gorm:"not null;default:0" json:"status"`
	Priority    TaskPriority `gorm:"not null;default:1" json:"priority"`
	CreatedAt   time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// BeforeCreate is a GORM hook that runs before creating a record.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	return nil
}

// BeforeUpdate is a GORM hook that runs before updating a record.
func (t *Task) BeforeUpdate(tx *gorm.DB) error {
	t.UpdatedAt = time.Now()
	return nil
}

// AnalysisRecord is the terminal audit row of one analysis job. The
// live job stays in memory; this row is written best-effort when it
// settles. Rows still marked running at startup were interrupted and
// get cleared.
type AnalysisRecord struct {
	JobID      string     `gorm:"primaryKey;type:text" json:"job_id"`
	ProjectID  string     `gorm:"not null;type:text;index" json:"project_id"`
	Types      StringList `gorm:"type:text" json:"types"`
	State      string     `gorm:"not null;type:text;index" json:"state"`
	StartedAt  *time.Time `gorm:"type:datetime" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"type:datetime" json:"finished_at,omitempty"`
	Result     JSONMap    `gorm:"type:text" json:"result,omitempty"`
	Partial    bool       `gorm:"not null;default:false" json:"partial"`
	Reason     string     `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for AnalysisRecord.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// QueueHistoryRecord is the write-through audit row of one terminal
// queue item. The in-memory history ring stays authoritative for
// snapshots; these rows survive restarts.
type QueueHistoryRecord struct {
	ID         string     `gorm:"primaryKey;type:text" json:"id"`
	ProjectID  string     `gorm:"not null;type:text;index" json:"project_id"`
	UserID     string     `gorm:"type:text;index" json:"user_id,omitempty"`
	TaskID     string     `gorm:"type:text;index" json:"task_id,omitempty"`
	TaskMode   string     `gorm:"type:text" json:"task_mode,omitempty"`
	WorkflowID string     `gorm:"type:text" json:"workflow_id,omitempty"`
	Priority   string     `gorm:"type:text" json:"priority"`
	State      string     `gorm:"not null;type:text" json:"state"`
	Attempts   int        `gorm:"type:integer" json:"attempts"`
	Reason     string     `gorm:"type:text" json:"reason,omitempty"`
	EnqueuedAt time.Time  `gorm:"type:datetime" json:"enqueued_at"`
	StartedAt  *time.Time `gorm:"type:datetime" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"type:datetime" json:"finished_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for QueueHistoryRecord.
func (QueueHistoryRecord) TableName() string {
	return "queue_history"
}

// ChatMessage is one side of a recorded chat exchange.
type ChatMessage struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"not null;type:text;index" json:"user_id"`
	SessionID string    `gorm:"not null;type:text;index" json:"session_id"`
	Sender    string    `gorm:"not null;type:text" json:"sender"`
	Content   string    `gorm:"not null;type:text" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for ChatMessage.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// UserSession tracks one user's connection context: the IDE they drive
// and the project they last touched. One row per user, refreshed on
// every websocket attach.
type UserSession struct {
	ID            string    `gorm:"primaryKey;type:text" json:"id"`
	UserID        string    `gorm:"not null;type:text;uniqueIndex" json:"user_id"`
	ProjectID     string    `gorm:"type:text;index" json:"project_id,omitempty"`
	ActiveIDEPort int       `gorm:"type:integer" json:"active_ide_port,omitempty"`
	ConnectedAt   time.Time `gorm:"type:datetime" json:"connected_at"`
	LastSeenAt    time.Time `gorm:"type:datetime" json:"last_seen_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for UserSession.
func (UserSession) TableName() string {
	return "user_sessions"
}

// BeforeCreate is a GORM hook that runs before creating a record.
func (s *UserSession) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = now
	}
	if s.LastSeenAt.IsZero() {
		s.LastSeenAt = now
	}
	return nil
}
