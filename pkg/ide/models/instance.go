// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// InstanceStatus represents the current state of an IDE instance
type InstanceStatus string

const (
	StatusCreated InstanceStatus = "created"
	StatusRunning InstanceStatus = "running"
	StatusStopped InstanceStatus = "stopped"
	StatusFailed  InstanceStatus = "failed"
)

// Kind identifies which IDE product runs inside an instance
type Kind string

const (
	KindCursor   Kind = "cursor"
	KindVSCode   Kind = "vscode"
	KindWindsurf Kind = "windsurf"
)

// KnownKind reports whether k names a supported IDE product.
func KnownKind(k Kind) bool {
	switch k {
	case KindCursor, KindVSCode, KindWindsurf:
		return true
	}
	return false
}

// Labels attached to every container managed by this package. Discovery
// filters on LabelManaged; the rest carry instance metadata through
// container restarts.
const (
	LabelManaged   = "conductor.ide"
	LabelKind      = "conductor.ide.kind"
	LabelWorkspace = "conductor.ide.workspace"
	LabelUser      = "conductor.ide.user"

	ManagedLabelValue = "true"
)

// CDPPort is the Chrome DevTools Protocol port inside the container.
// Instances expose it on a per-instance host port (DebugPort).
const CDPPort = 9222

// WorkspaceMount is where the project workspace is mounted inside the
// container.
const WorkspaceMount = "/workspace"

// Instance represents a containerized IDE with an exposed debug port
type Instance struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Kind          Kind              `json:"kind"`
	Image         string            `json:"image"`
	Status        InstanceStatus    `json:"status"`
	DebugPort     int               `json:"debug_port"`
	WorkspacePath string            `json:"workspace_path"`
	UserID        string            `json:"user_id,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// InstanceConfig holds configuration for launching an IDE instance
type InstanceConfig struct {
	Name          string            `json:"name"`
	Kind          Kind              `json:"kind"`
	Image         string            `json:"image"`
	DebugPort     int               `json:"debug_port"`
	WorkspacePath string            `json:"workspace_path"`
	UserID        string            `json:"user_id,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	MemoryMB      int64             `json:"memory_mb,omitempty"`
	CPUShares     int64             `json:"cpu_shares,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
}
