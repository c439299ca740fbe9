// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/noldarim/conductor/internal/ai"
	"github.com/noldarim/conductor/internal/orchestrator/database"
	"github.com/noldarim/conductor/internal/orchestrator/models"
	"github.com/noldarim/conductor/internal/protocol"
)

// ErrAssistantUnavailable is returned when no AI provider is
// configured for the chat relay.
var ErrAssistantUnavailable = errors.New("no assistant configured")

// historyWindow caps the turns replayed to the assistant per exchange.
const historyWindow = 20

// Assistant answers a turn history. Owned here so the relay can run
// against any provider; *ai.Anthropic satisfies it.
type Assistant interface {
	Converse(ctx context.Context, turns []ai.Message, opts ai.ChatOptions) (string, error)
}

// ChatService relays prompts between a user session and the assistant,
// recording both sides of the exchange and publishing each message as
// a user-scoped chat:message event.
type ChatService struct {
	assistant Assistant
	messages  *database.ChatRepository
	bus       Publisher
}

// NewChatService creates a chat relay. assistant may be nil; Send then
// fails with ErrAssistantUnavailable. bus may be nil; events are then
// dropped.
func NewChatService(assistant Assistant, messages *database.ChatRepository, bus Publisher) *ChatService {
	return &ChatService{assistant: assistant, messages: messages, bus: bus}
}

// Send records the user's prompt, asks the assistant with the recent
// session history and records and returns the reply.
func (cs *ChatService) Send(ctx context.Context, userID, sessionID, text string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user ID cannot be empty")
	}
	if sessionID == "" {
		return "", fmt.Errorf("session ID cannot be empty")
	}
	if text == "" {
		return "", fmt.Errorf("message cannot be empty")
	}
	if cs.assistant == nil {
		return "", ErrAssistantUnavailable
	}

	if err := cs.record(ctx, userID, sessionID, ai.RoleUser, text); err != nil {
		return "", err
	}

	turns, err := cs.sessionTurns(ctx, sessionID)
	if err != nil {
		return "", err
	}

	reply, err := cs.assistant.Converse(ctx, turns, ai.ChatOptions{})
	if err != nil {
		return "", fmt.Errorf("assistant: %w", err)
	}

	if err := cs.record(ctx, userID, sessionID, ai.RoleAssistant, reply); err != nil {
		return "", err
	}

	getLog().Debug().Str("session_id", sessionID).Int("prompt_len", len(text)).Int("reply_len", len(reply)).Msg("Chat exchange completed")
	return reply, nil
}

// History returns the session's messages in send order, capped at
// limit when limit > 0.
func (cs *ChatService) History(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	return cs.messages.ListBySession(ctx, sessionID, limit)
}

// record persists one side of the exchange and publishes it.
func (cs *ChatService) record(ctx context.Context, userID, sessionID, sender, content string) error {
	message := &models.ChatMessage{
		UserID:    userID,
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
	}
	if err := cs.messages.Save(ctx, message); err != nil {
		return fmt.Errorf("failed to record chat message: %w", err)
	}

	if cs.bus != nil {
		cs.bus.Publish(ctx, protocol.NewChatMessageEvent(userID, protocol.ChatPayload{
			SessionID: sessionID,
			Message:   content,
			Sender:    sender,
		}))
	}
	return nil
}

// sessionTurns loads the tail of the session history as assistant
// turns. The prompt just recorded is the final turn.
func (cs *ChatService) sessionTurns(ctx context.Context, sessionID string) ([]ai.Message, error) {
	history, err := cs.messages.ListBySession(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	turns := make([]ai.Message, 0, len(history))
	for _, message := range history {
		role := ai.RoleAssistant
		if message.Sender == ai.RoleUser {
			role = ai.RoleUser
		}
		turns = append(turns, ai.Message{Role: role, Text: message.Content})
	}
	return turns, nil
}
