// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package database owns the GORM connection and the repositories over
// the persisted models. SQLite serves single-binary installs, Postgres
// the shared deployments; both run the same migrations.
package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/orchestrator/models"
)

// GormDB wraps the GORM database connection.
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection.
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations.
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.Project{},
		&models.Task{},
		&models.AnalysisRecord{},
		&models.QueueHistoryRecord{},
		&models.ChatMessage{},
		&models.UserSession{},
	)
}

// ValidateSchema checks if GORM models match the database schema.
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string

	tables := []struct {
		model any
		name  string
	}{
		{&models.Project{}, "projects"},
		{&models.Task{}, "tasks"},
		{&models.AnalysisRecord{}, "analysis_records"},
		{&models.QueueHistoryRecord{}, "queue_history"},
		{&models.ChatMessage{}, "chat_messages"},
		{&models.UserSession{}, "user_sessions"},
	}
	for _, t := range tables {
		if !db.db.Migrator().HasTable(t.model) {
			missingTables = append(missingTables, t.name)
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\n💡 Run 'make migrate' to create the required tables", missingTables)
	}

	columns := []struct {
		model any
		table string
		cols  []string
	}{
		{&models.Project{}, "projects", []string{"id", "name", "workspace_path", "type", "metadata", "created_at"}},
		{&models.Task{}, "tasks", []string{"id", "project_id", "title", "description", "type", "status", "priority", "created_at", "updated_at"}},
		{&models.AnalysisRecord{}, "analysis_records", []string{"job_id", "project_id", "types", "state", "started_at", "finished_at", "result", "partial", "reason"}},
		{&models.QueueHistoryRecord{}, "queue_history", []string{"id", "project_id", "task_id", "workflow_id", "priority", "state", "attempts", "enqueued_at", "finished_at"}},
		{&models.ChatMessage{}, "chat_messages", []string{"id", "user_id", "session_id", "sender", "content", "created_at"}},
		{&models.UserSession{}, "user_sessions", []string{"id", "user_id", "active_ide_port", "connected_at", "last_seen_at"}},
	}
	for _, c := range columns {
		for _, col := range c.cols {
			if !db.db.Migrator().HasColumn(c.model, col) {
				missingColumns = append(missingColumns, fmt.Sprintf("%s.%s", c.table, col))
			}
		}
	}

	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\n💡 Run 'make migrate' to add the required columns", missingColumns)
	}

	return nil
}

// Close closes the database connection.
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
