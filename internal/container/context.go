// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package container

import "sync"

// ProjectContext is the per-process view of the active project. Any
// service may read it; writes funnel through SetProjectContext.
type ProjectContext struct {
	ProjectPath   string
	ProjectID     string
	WorkspacePath string
}

// ProjectContextPatch updates a subset of ProjectContext fields. Nil
// fields are left untouched.
type ProjectContextPatch struct {
	ProjectPath   *string
	ProjectID     *string
	WorkspacePath *string
}

type projectContextStore struct {
	mu  sync.RWMutex
	ctx ProjectContext
}

// ProjectContext returns a copy of the current project context.
func (c *Container) ProjectContext() ProjectContext {
	c.project.mu.RLock()
	defer c.project.mu.RUnlock()
	return c.project.ctx
}

// SetProjectContext applies a patch to the project context.
func (c *Container) SetProjectContext(patch ProjectContextPatch) {
	c.project.mu.Lock()
	defer c.project.mu.Unlock()

	if patch.ProjectPath != nil {
		c.project.ctx.ProjectPath = *patch.ProjectPath
	}
	if patch.ProjectID != nil {
		c.project.ctx.ProjectID = *patch.ProjectID
	}
	if patch.WorkspacePath != nil {
		c.project.ctx.WorkspacePath = *patch.WorkspacePath
	}

	getLog().Debug().
		Str("project_id", c.project.ctx.ProjectID).
		Str("project_path", c.project.ctx.ProjectPath).
		Msg("Project context updated")
}
