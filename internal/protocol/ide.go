// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// IDEPayload describes one IDE instance or the instance list.
type IDEPayload struct {
	Port          int           `json:"port,omitempty"`
	Type          string        `json:"type,omitempty"` // cursor, vscode, windsurf
	WorkspacePath string        `json:"workspacePath,omitempty"`
	Status        string        `json:"status,omitempty"`
	Instances     []IDEInstance `json:"instances,omitempty"`
}

// IDEInstance is one discovered IDE debug endpoint.
type IDEInstance struct {
	Port          int    `json:"port"`
	Type          string `json:"type"`
	WorkspacePath string `json:"workspacePath,omitempty"`
	Active        bool   `json:"active"`
}

// NewIDEStartedEvent is user-scoped: only the owning user sees their
// IDE lifecycle.
func NewIDEStartedEvent(userID string, p IDEPayload) Event {
	return NewForUser(TopicIDEStarted, userID, p)
}

// NewIDEStoppedEvent is user-scoped.
func NewIDEStoppedEvent(userID string, p IDEPayload) Event {
	return NewForUser(TopicIDEStopped, userID, p)
}

// NewIDEActiveChangedEvent announces the active port switch, globally.
func NewIDEActiveChangedEvent(p IDEPayload) Event {
	return New(TopicIDEActiveChanged, p)
}

// NewIDEListUpdatedEvent carries the refreshed instance list, globally.
func NewIDEListUpdatedEvent(p IDEPayload) Event {
	return New(TopicIDEListUpdated, p)
}
