// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "time"

// QueueItemPayload describes one queue item state change. It is the
// payload of every queue:item:* topic; Position and EstimatedStart are
// only meaningful while the item is queued.
type QueueItemPayload struct {
	QueueItemID    string     `json:"queueItemId"`
	ProjectID      string     `json:"projectId"`
	UserID         string     `json:"userId,omitempty"`
	TaskID         string     `json:"taskId,omitempty"`
	TaskMode       string     `json:"taskMode,omitempty"`
	WorkflowID     string     `json:"workflowId,omitempty"`
	State          string     `json:"state"`
	Priority       string     `json:"priority"`
	Position       int        `json:"position"`
	Attempts       int        `json:"attempts"`
	Reason         string     `json:"reason,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
	EstimatedStart *time.Time `json:"estimatedStart,omitempty"`
}

// NewQueueItemAddedEvent announces a fresh admission.
func NewQueueItemAddedEvent(p QueueItemPayload) Event {
	return NewForProject(TopicQueueItemAdded, p.ProjectID, p)
}

// NewQueueItemUpdatedEvent announces a non-terminal state transition.
func NewQueueItemUpdatedEvent(p QueueItemPayload) Event {
	return NewForProject(TopicQueueItemUpdated, p.ProjectID, p)
}

// NewQueueItemCompletedEvent announces the terminal outcome. State is
// one of completed, failed or cancelled; emitted exactly once per item.
func NewQueueItemCompletedEvent(p QueueItemPayload) Event {
	return NewForProject(TopicQueueItemCompleted, p.ProjectID, p)
}
