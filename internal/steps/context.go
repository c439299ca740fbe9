// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package steps is the step engine: a registry of typed executors keyed
// `category.name`, executed one at a time under per-step timeouts with
// lifecycle events on the bus. Framework plug-in directories add steps
// at the external boundary; everything else is a fixed Go executor.
package steps

import (
	"errors"
	"fmt"
	"sync"
)

// ErrArtifactExists guards artifact monotonicity: a workflow run never
// rewrites an artifact key.
var ErrArtifactExists = errors.New("artifact key already present")

// Context carries one workflow run's identity and its accumulated
// artifacts. The identity fields are fixed before execution starts;
// the task id may be bound mid-run by a task.create step. Artifacts
// are add-only; each step sees everything the previous steps produced.
type Context struct {
	ProjectID   string
	ProjectPath string
	UserID      string
	TaskMode    string
	WorkflowID  string

	mu        sync.RWMutex
	taskID    string
	artifacts map[string]any
}

// NewContext builds a run context for a project. The remaining identity
// fields are set by the caller before execution.
func NewContext(projectID, projectPath string) *Context {
	return &Context{
		ProjectID:   projectID,
		ProjectPath: projectPath,
		artifacts:   make(map[string]any),
	}
}

// PutArtifact records a step result. Re-using a key is an error so the
// artifact map only ever grows.
func (c *Context) PutArtifact(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.artifacts[key]; exists {
		return fmt.Errorf("%w: %q", ErrArtifactExists, key)
	}
	c.artifacts[key] = value
	return nil
}

// Artifact returns a previously stored artifact.
func (c *Context) Artifact(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.artifacts[key]
	return v, ok
}

// Artifacts returns a copy of the artifact map.
func (c *Context) Artifacts() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// SetTaskID binds a task id created mid-run (task.create steps).
func (c *Context) SetTaskID(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskID = taskID
}

// TaskID reads the bound task id; empty until a task is attached.
func (c *Context) TaskID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.taskID
}
