// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields carried by every event published on the
// bus and mirrored to WebSocket subscribers.
type Metadata struct {
	// EventID is a unique identifier assigned at publish time.
	EventID string `json:"event_id,omitempty"`

	// ProjectID scopes the event to a resolved project, when applicable.
	ProjectID string `json:"project_id,omitempty"`

	// UserID scopes the event to a user for per-user broadcast topics.
	UserID string `json:"user_id,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the wire protocol.
// This should be updated when making breaking changes to event payloads.
const CurrentProtocolVersion = "v1.0.0"
