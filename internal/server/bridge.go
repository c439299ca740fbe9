// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the REST + WebSocket surface. Handlers call
// the orchestrator for mutations; the bridge mirrors bus events to
// connected WebSocket clients, renaming the topics the IDE frontends
// expect.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/conductor/internal/bus"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// Wire topic names as the IDE frontends consume them. Queue, workflow
// and analysis topics pass through under their internal names.
const (
	wireGitBranchChanged = "git-branch-changed"
	wireGitStatusUpdated = "git-status-updated"
	wireIDEStarted       = "ide-started"
	wireIDEStopped       = "ide-stopped"
	wireActiveIDEChanged = "activeIDEChanged"
	wireIDEListUpdated   = "ideListUpdated"
	wireChatMessage      = "chat-message"
)

// branchChangedPayload is the wire shape of git-branch-changed.
type branchChangedPayload struct {
	WorkspacePath string `json:"workspacePath"`
	NewBranch     string `json:"newBranch"`
}

// statusUpdatedPayload is the wire shape of git-status-updated.
type statusUpdatedPayload struct {
	WorkspacePath string              `json:"workspacePath"`
	GitStatus     *protocol.GitStatus `json:"gitStatus,omitempty"`
}

// Bridge subscribes to the bus once and rebroadcasts events to the
// client registry, applying the internal-to-wire topic translation.
type Bridge struct {
	bus      *bus.Bus
	registry *ClientRegistry
	subs     []*bus.Subscription
}

// NewBridge wires the bridge to the bus and the client registry.
// Attach must be called before events flow.
func NewBridge(b *bus.Bus, registry *ClientRegistry) *Bridge {
	return &Bridge{bus: b, registry: registry}
}

// Attach subscribes the translation handlers. Call once; Detach undoes
// it on shutdown.
func (br *Bridge) Attach() {
	passthrough := []string{
		protocol.TopicQueueItemAdded,
		protocol.TopicQueueItemUpdated,
		protocol.TopicQueueItemCompleted,
		protocol.TopicStepStarted,
		protocol.TopicStepProgress,
		protocol.TopicStepCompleted,
		protocol.TopicStepFailed,
		protocol.TopicAnalysisQueued,
		protocol.TopicAnalysisStarted,
		protocol.TopicAnalysisProgress,
		protocol.TopicAnalysisCompleted,
	}
	for _, topic := range passthrough {
		br.subs = append(br.subs, br.bus.Subscribe(topic, br.forwardAll))
	}

	br.subs = append(br.subs,
		br.bus.Subscribe(protocol.TopicGitCheckoutCompleted, br.forwardBranchChanged),
		br.bus.Subscribe(protocol.TopicGitPullCompleted, br.forwardStatusUpdated),
		br.bus.Subscribe(protocol.TopicGitMergeCompleted, br.forwardStatusUpdated),
		br.bus.Subscribe(protocol.TopicGitBranchCreated, br.forwardStatusUpdated),
		br.bus.Subscribe(protocol.TopicIDEStarted, br.forwardScoped(wireIDEStarted)),
		br.bus.Subscribe(protocol.TopicIDEStopped, br.forwardScoped(wireIDEStopped)),
		br.bus.Subscribe(protocol.TopicIDEActiveChanged, br.forwardRenamed(wireActiveIDEChanged)),
		br.bus.Subscribe(protocol.TopicIDEListUpdated, br.forwardRenamed(wireIDEListUpdated)),
		br.bus.Subscribe(protocol.TopicChatMessage, br.forwardScoped(wireChatMessage)),
	)

	getLog().Debug().Int("subscriptions", len(br.subs)).Msg("WebSocket bridge attached")
}

// Detach removes the bridge's bus subscriptions.
func (br *Bridge) Detach() {
	for _, sub := range br.subs {
		br.bus.Unsubscribe(sub)
	}
	br.subs = nil
}

// forwardAll mirrors the event to every client under its internal
// topic name.
func (br *Bridge) forwardAll(_ context.Context, evt protocol.Event) error {
	br.registry.BroadcastToAll(evt.Topic, evt.Payload)
	return nil
}

// forwardRenamed mirrors the event to every client under a wire topic.
func (br *Bridge) forwardRenamed(wireTopic string) bus.Handler {
	return func(_ context.Context, evt protocol.Event) error {
		br.registry.BroadcastToAll(wireTopic, evt.Payload)
		return nil
	}
}

// forwardScoped delivers user-scoped events only to that user's
// connections; events without a user fall back to a global broadcast.
func (br *Bridge) forwardScoped(wireTopic string) bus.Handler {
	return func(_ context.Context, evt protocol.Event) error {
		if evt.UserID == "" {
			br.registry.BroadcastToAll(wireTopic, evt.Payload)
			return nil
		}
		br.registry.BroadcastToUser(evt.UserID, wireTopic, evt.Payload)
		return nil
	}
}

func (br *Bridge) forwardBranchChanged(_ context.Context, evt protocol.Event) error {
	p, ok := evt.Payload.(protocol.GitPayload)
	if !ok {
		getLog().Warn().Str("topic", evt.Topic).Msg("Unexpected payload type on git topic")
		return nil
	}
	br.registry.BroadcastToAll(wireGitBranchChanged, branchChangedPayload{
		WorkspacePath: p.ProjectPath,
		NewBranch:     p.Branch,
	})
	return nil
}

func (br *Bridge) forwardStatusUpdated(_ context.Context, evt protocol.Event) error {
	p, ok := evt.Payload.(protocol.GitPayload)
	if !ok {
		getLog().Warn().Str("topic", evt.Topic).Msg("Unexpected payload type on git topic")
		return nil
	}
	br.registry.BroadcastToAll(wireGitStatusUpdated, statusUpdatedPayload{
		WorkspacePath: p.ProjectPath,
		GitStatus:     p.Status,
	})
	return nil
}
