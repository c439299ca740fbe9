// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetOrchestratorLogger returns a logger for the orchestration service
func GetOrchestratorLogger() zerolog.Logger {
	return GetLogger("orchestrator")
}

// GetQueueLogger returns a logger for the task queue and processor
func GetQueueLogger() zerolog.Logger {
	return GetLogger("queue")
}

// GetAnalysisLogger returns a logger for the analysis queue
func GetAnalysisLogger() zerolog.Logger {
	return GetLogger("analysis")
}

// GetBusLogger returns a logger for the event bus
func GetBusLogger() zerolog.Logger {
	return GetLogger("bus")
}

// GetStepsLogger returns a logger for step registration and execution
func GetStepsLogger() zerolog.Logger {
	return GetLogger("steps")
}

// GetWorkflowLogger returns a logger for the workflow loader
func GetWorkflowLogger() zerolog.Logger {
	return GetLogger("workflow")
}

// GetProjectLogger returns a logger for project root detection
func GetProjectLogger() zerolog.Logger {
	return GetLogger("project")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetGitLogger returns a logger for git operations
func GetGitLogger() zerolog.Logger {
	return GetLogger("git")
}

// GetAILogger returns a logger for AI provider calls
func GetAILogger() zerolog.Logger {
	return GetLogger("ai")
}

// GetIDELogger returns a logger for IDE adapter operations
func GetIDELogger() zerolog.Logger {
	return GetLogger("ide")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
