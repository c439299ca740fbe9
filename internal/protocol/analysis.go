// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// AnalysisPayload describes one analysis job state change. Progress maps
// analysis type → fraction complete. On completed events Partial marks a
// degraded outcome and Reason explains it (timeout, memory, cancelled).
type AnalysisPayload struct {
	JobID     string             `json:"jobId"`
	ProjectID string             `json:"projectId"`
	Types     []string           `json:"types"`
	State     string             `json:"state"`
	Position  int                `json:"position,omitempty"`
	Progress  map[string]float64 `json:"progress,omitempty"`
	Partial   bool               `json:"partial,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Results   map[string]any     `json:"results,omitempty"`
}

// NewAnalysisQueuedEvent announces a job waiting behind an active one.
func NewAnalysisQueuedEvent(p AnalysisPayload) Event {
	return NewForProject(TopicAnalysisQueued, p.ProjectID, p)
}

// NewAnalysisStartedEvent announces a job entering execution.
func NewAnalysisStartedEvent(p AnalysisPayload) Event {
	return NewForProject(TopicAnalysisStarted, p.ProjectID, p)
}

// NewAnalysisProgressEvent carries streamed per-type progress.
func NewAnalysisProgressEvent(p AnalysisPayload) Event {
	return NewForProject(TopicAnalysisProgress, p.ProjectID, p)
}

// NewAnalysisCompletedEvent announces the terminal job outcome.
func NewAnalysisCompletedEvent(p AnalysisPayload) Event {
	return NewForProject(TopicAnalysisCompleted, p.ProjectID, p)
}
