// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"time"

	"github.com/noldarim/conductor/pkg/ide/models"
)

// EventType defines the type of IDE instance event
type EventType string

const (
	InstanceLaunched      EventType = "instance.launched"
	InstanceStarted       EventType = "instance.started"
	InstanceStopped       EventType = "instance.stopped"
	InstanceRemoved       EventType = "instance.removed"
	InstanceFailed        EventType = "instance.failed"
	InstanceStatusChanged EventType = "instance.status_changed"
)

// Event represents an IDE instance lifecycle event. Payload holds the
// typed *Event struct matching Type.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// InstanceLaunchedEvent is published when an instance container is created
type InstanceLaunchedEvent struct {
	InstanceID    string      `json:"instance_id"`
	Name          string      `json:"name"`
	Kind          models.Kind `json:"kind"`
	Image         string      `json:"image"`
	DebugPort     int         `json:"debug_port"`
	WorkspacePath string      `json:"workspace_path"`
	UserID        string      `json:"user_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// InstanceStartedEvent is published when an instance starts
type InstanceStartedEvent struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	DebugPort  int       `json:"debug_port"`
	UserID     string    `json:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceStoppedEvent is published when an instance stops
type InstanceStoppedEvent struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	DebugPort  int       `json:"debug_port"`
	UserID     string    `json:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceRemovedEvent is published when an instance container is removed
type InstanceRemovedEvent struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name"`
	UserID     string    `json:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceFailedEvent is published when an instance operation fails
type InstanceFailedEvent struct {
	InstanceID string    `json:"instance_id,omitempty"`
	Name       string    `json:"name"`
	Operation  string    `json:"operation"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceStatusChangedEvent is published when instance status changes
type InstanceStatusChangedEvent struct {
	InstanceID string                `json:"instance_id"`
	Name       string                `json:"name"`
	OldStatus  models.InstanceStatus `json:"old_status"`
	NewStatus  models.InstanceStatus `json:"new_status"`
	DebugPort  int                   `json:"debug_port"`
	UserID     string                `json:"user_id,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Publisher defines the interface for publishing instance events
type Publisher interface {
	Publish(event Event) error
}
