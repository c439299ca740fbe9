// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// ChatPayload carries one chat message relayed from an IDE session.
type ChatPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Sender    string `json:"sender,omitempty"`
}

// NewChatMessageEvent is user-scoped: chat traffic is private to the
// user who owns the session.
func NewChatMessageEvent(userID string, p ChatPayload) Event {
	return NewForUser(TopicChatMessage, userID, p)
}
