// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the event envelope, topic names and typed
// payloads carried on the internal bus and mirrored to WebSocket clients.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/noldarim/conductor/internal/common"
)

// Re-export common types so callers only import protocol.
type Metadata = common.Metadata

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion

// Event is the envelope published on the bus. Topic is a flat string
// (see topics.go); Payload is one of the typed payload structs in this
// package. Middleware may replace the payload; the envelope identity
// (EventID) is assigned once at construction.
type Event struct {
	Metadata
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates an event for the given topic.
func New(topic string, payload any) Event {
	return Event{
		Metadata: Metadata{
			EventID: uuid.NewString(),
			Version: CurrentProtocolVersion,
		},
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewForProject creates an event scoped to a project.
func NewForProject(topic, projectID string, payload any) Event {
	e := New(topic, payload)
	e.ProjectID = projectID
	return e
}

// NewForUser creates an event scoped to a user. User-scoped events are
// only delivered to that user's WebSocket connections.
func NewForUser(topic, userID string, payload any) Event {
	e := New(topic, payload)
	e.UserID = userID
	return e
}
