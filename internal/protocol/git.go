// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GitStatus is a condensed porcelain status snapshot.
type GitStatus struct {
	Branch    string   `json:"branch"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Modified  []string `json:"modified,omitempty"`
	Staged    []string `json:"staged,omitempty"`
	Untracked []string `json:"untracked,omitempty"`
	Clean     bool     `json:"clean"`
}

// GitPayload is the payload for git:<op>:completed topics.
type GitPayload struct {
	ProjectPath string     `json:"projectPath"`
	Branch      string     `json:"branch,omitempty"`
	Status      *GitStatus `json:"status,omitempty"`
}

// NewGitOperationCompletedEvent builds the event for a finished git
// operation; topic must be one of the TopicGit* constants.
func NewGitOperationCompletedEvent(topic string, p GitPayload) Event {
	return New(topic, p)
}
