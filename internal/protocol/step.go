// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "time"

// StepPayload describes one workflow step execution. Artifact is set on
// completed events, Error and Reason on failed events, Progress on
// progress events.
type StepPayload struct {
	ProjectID  string        `json:"projectId"`
	TaskID     string        `json:"taskId,omitempty"`
	WorkflowID string        `json:"workflowId,omitempty"`
	StepKey    string        `json:"stepKey"`
	StepIndex  int           `json:"stepIndex"`
	Artifact   any           `json:"artifact,omitempty"`
	Error      string        `json:"error,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Progress   float64       `json:"progress,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// StepFailureReasonTimeout marks a step cancelled by its deadline;
// StepFailureReasonCancelled marks one cancelled by its caller.
const (
	StepFailureReasonTimeout   = "timeout"
	StepFailureReasonCancelled = "cancelled"
)

// NewStepStartedEvent announces that a step began executing.
func NewStepStartedEvent(p StepPayload) Event {
	return NewForProject(TopicStepStarted, p.ProjectID, p)
}

// NewStepProgressEvent carries incremental progress for a running step.
func NewStepProgressEvent(p StepPayload) Event {
	return NewForProject(TopicStepProgress, p.ProjectID, p)
}

// NewStepCompletedEvent carries the step's artifact.
func NewStepCompletedEvent(p StepPayload) Event {
	return NewForProject(TopicStepCompleted, p.ProjectID, p)
}

// NewStepFailedEvent carries the failure; Reason is "timeout" when the
// per-step deadline cancelled the executor.
func NewStepFailedEvent(p StepPayload) Event {
	return NewForProject(TopicStepFailed, p.ProjectID, p)
}
