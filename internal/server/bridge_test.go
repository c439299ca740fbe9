// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/conductor/internal/bus"
	"github.com/noldarim/conductor/internal/protocol"
)

type bridgeFixture struct {
	bus      *bus.Bus
	bridge   *Bridge
	registry *ClientRegistry
	srv      *httptest.Server
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	registry := NewClientRegistry(nil)
	b := bus.New()
	bridge := NewBridge(b, registry)
	bridge.Attach()
	t.Cleanup(bridge.Detach)

	srv := httptest.NewServer(HandleWebSocket(registry, nil))
	t.Cleanup(srv.Close)

	return &bridgeFixture{bus: b, bridge: bridge, registry: registry, srv: srv}
}

func TestBridge_QueueTopicPassesThrough(t *testing.T) {
	f := newBridgeFixture(t)
	conn := dialWS(t, f.srv, "")
	waitForClients(t, f.registry, 1)

	f.bus.Publish(context.Background(), protocol.NewQueueItemAddedEvent(protocol.QueueItemPayload{
		QueueItemID: "q-1",
		ProjectID:   "p-1",
		State:       "queued",
		Priority:    "normal",
		Position:    1,
	}))

	msg := readWire(t, conn)
	assert.Equal(t, protocol.TopicQueueItemAdded, msg.Topic)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "q-1", payload["queueItemId"])
	assert.Equal(t, "queued", payload["state"])
}

func TestBridge_CheckoutBecomesBranchChanged(t *testing.T) {
	f := newBridgeFixture(t)
	conn := dialWS(t, f.srv, "")
	waitForClients(t, f.registry, 1)

	f.bus.Publish(context.Background(), protocol.NewGitOperationCompletedEvent(
		protocol.TopicGitCheckoutCompleted,
		protocol.GitPayload{ProjectPath: "/workspaces/api", Branch: "feature/login"},
	))

	msg := readWire(t, conn)
	assert.Equal(t, "git-branch-changed", msg.Topic)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/workspaces/api", payload["workspacePath"])
	assert.Equal(t, "feature/login", payload["newBranch"])
}

func TestBridge_PullBecomesStatusUpdated(t *testing.T) {
	f := newBridgeFixture(t)
	conn := dialWS(t, f.srv, "")
	waitForClients(t, f.registry, 1)

	f.bus.Publish(context.Background(), protocol.NewGitOperationCompletedEvent(
		protocol.TopicGitPullCompleted,
		protocol.GitPayload{
			ProjectPath: "/workspaces/api",
			Status: &protocol.GitStatus{
				Branch:   "main",
				Ahead:    2,
				Modified: []string{"main.go"},
			},
		},
	))

	msg := readWire(t, conn)
	assert.Equal(t, "git-status-updated", msg.Topic)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/workspaces/api", payload["workspacePath"])
	status, ok := payload["gitStatus"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "main", status["branch"])
	assert.Equal(t, float64(2), status["ahead"])
}

func TestBridge_ChatScopedToUser(t *testing.T) {
	f := newBridgeFixture(t)
	alice := dialWS(t, f.srv, "alice")
	bob := dialWS(t, f.srv, "bob")
	waitForClients(t, f.registry, 2)

	f.bus.Publish(context.Background(), protocol.NewChatMessageEvent("alice", protocol.ChatPayload{
		SessionID: "s-1",
		Message:   "build finished",
		Sender:    "assistant",
	}))

	msg := readWire(t, alice)
	assert.Equal(t, "chat-message", msg.Topic)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "build finished", payload["message"])

	f.registry.BroadcastToAll("sentinel", nil)
	msg = readWire(t, bob)
	assert.Equal(t, "sentinel", msg.Topic)
}

func TestBridge_UnscopedIDEEventGoesToAll(t *testing.T) {
	f := newBridgeFixture(t)
	alice := dialWS(t, f.srv, "alice")
	bob := dialWS(t, f.srv, "bob")
	waitForClients(t, f.registry, 2)

	f.bus.Publish(context.Background(), protocol.NewIDEStartedEvent("", protocol.IDEPayload{
		Port:   9222,
		Type:   "cursor",
		Status: "running",
	}))

	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := readWire(t, conn)
		assert.Equal(t, "ide-started", msg.Topic)
	}
}

func TestBridge_ActiveIDETopicRenamed(t *testing.T) {
	f := newBridgeFixture(t)
	conn := dialWS(t, f.srv, "")
	waitForClients(t, f.registry, 1)

	f.bus.Publish(context.Background(), protocol.NewIDEActiveChangedEvent(protocol.IDEPayload{Port: 9223}))

	msg := readWire(t, conn)
	assert.Equal(t, "activeIDEChanged", msg.Topic)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(9223), payload["port"])
}

func TestBridge_DetachStopsForwarding(t *testing.T) {
	f := newBridgeFixture(t)
	conn := dialWS(t, f.srv, "")
	waitForClients(t, f.registry, 1)

	f.bridge.Detach()

	f.bus.Publish(context.Background(), protocol.NewQueueItemAddedEvent(protocol.QueueItemPayload{
		QueueItemID: "q-1",
		ProjectID:   "p-1",
		State:       "queued",
		Priority:    "normal",
	}))

	f.registry.BroadcastToAll("sentinel", nil)
	msg := readWire(t, conn)
	assert.Equal(t, "sentinel", msg.Topic)
}
