// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// Queue lifecycle topics. Per item the order is added → updated
// (state transitions) → completed; completed carries the terminal state.
const (
	TopicQueueItemAdded     = "queue:item:added"
	TopicQueueItemUpdated   = "queue:item:updated"
	TopicQueueItemCompleted = "queue:item:completed"
)

// Workflow step topics. A step emits started, then exactly one of
// completed or failed. Progress is optional and may repeat.
const (
	TopicStepStarted   = "workflow:step:started"
	TopicStepProgress  = "workflow:step:progress"
	TopicStepCompleted = "workflow:step:completed"
	TopicStepFailed    = "workflow:step:failed"
)

// Analysis topics.
const (
	TopicAnalysisQueued    = "analysis:queued"
	TopicAnalysisStarted   = "analysis:started"
	TopicAnalysisProgress  = "analysis:progress"
	TopicAnalysisCompleted = "analysis:completed"
)

// Git adapter topics, one per completed operation.
const (
	TopicGitCheckoutCompleted = "git:checkout:completed"
	TopicGitPullCompleted     = "git:pull:completed"
	TopicGitMergeCompleted    = "git:merge:completed"
	TopicGitBranchCreated     = "git:branch:created"
	TopicGitStatusCompleted   = "git:status:completed"
)

// IDE lifecycle topics. Started/stopped are user-scoped; list and
// active-port changes are global.
const (
	TopicIDEStarted       = "ide:started"
	TopicIDEStopped       = "ide:stopped"
	TopicIDEActiveChanged = "ide:active:changed"
	TopicIDEListUpdated   = "ide:list:updated"
)

// Chat relay topic, user-scoped.
const (
	TopicChatMessage = "chat:message"
)
