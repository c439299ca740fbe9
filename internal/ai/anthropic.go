// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ai hosts the model provider behind the ai.chat capability
// and the chat relay. The Anthropic provider is the default; callers
// only see the Chat surface, never the SDK.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/retry"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAILogger()
		log = &l
	})
	return log
}

var (
	// ErrNotConfigured is returned when the provider is built without
	// an API key.
	ErrNotConfigured = errors.New("ai provider is not configured")

	// ErrEmptyPrompt rejects exchanges with nothing to send.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrEmptyReply is returned when the model answers with no text
	// content, for example a pure tool-use turn.
	ErrEmptyReply = errors.New("model returned no text content")
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
)

// Roles in a conversation turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation handed to Converse.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ChatOptions tune a single exchange. Zero values fall back to the
// provider's configured defaults.
type ChatOptions struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature float64
}

// MessagesClient is the slice of the Anthropic SDK the provider
// calls. *sdk.MessageService satisfies it; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Anthropic answers prompts through the Claude Messages API.
type Anthropic struct {
	msg       MessagesClient
	model     string
	maxTokens int64
	policy    retry.Policy
	tracer    trace.Tracer
}

// NewAnthropic builds the provider from configuration. The API key is
// required; model and token cap fall back to the house defaults.
func NewAnthropic(cfg config.AIConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrNotConfigured)
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return NewAnthropicWithClient(&client.Messages, cfg), nil
}

// NewAnthropicWithClient builds the provider on a caller-supplied
// messages client, bypassing API-key handling.
func NewAnthropicWithClient(msg MessagesClient, cfg config.AIConfig) *Anthropic {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	policy := retry.Default()
	policy.Retryable = retryableCall

	return &Anthropic{
		msg:       msg,
		model:     model,
		maxTokens: int64(maxTokens),
		policy:    policy,
		tracer:    observability.Tracer("conductor.ai"),
	}
}

// Chat answers a single prompt with the configured defaults. It is
// the surface the ai.chat capability binds to.
func (a *Anthropic) Chat(ctx context.Context, prompt string) (string, error) {
	return a.ChatWith(ctx, prompt, ChatOptions{})
}

// ChatWith answers a single prompt with per-call overrides.
func (a *Anthropic) ChatWith(ctx context.Context, prompt string, opts ChatOptions) (string, error) {
	return a.Converse(ctx, []Message{{Role: RoleUser, Text: prompt}}, opts)
}

// Converse sends a full turn history. System turns and opts.System
// both land in the system blocks; the history must contain at least
// one non-empty user or assistant turn.
func (a *Anthropic) Converse(ctx context.Context, turns []Message, opts ChatOptions) (string, error) {
	msgs, system, err := encodeTurns(turns)
	if err != nil {
		return "", err
	}
	if opts.System != "" {
		system = append([]sdk.TextBlockParam{{Text: opts.System}}, system...)
	}

	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}
	maxTokens := a.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if opts.Temperature > 0 {
		params.Temperature = sdk.Float(opts.Temperature)
	}

	ctx, span := a.tracer.Start(ctx, "ai.converse", trace.WithAttributes(
		attribute.String("ai.model", model),
		attribute.Int64("ai.max_tokens", maxTokens),
		attribute.Int("ai.turns", len(msgs)),
	))
	defer span.End()

	return a.complete(ctx, params)
}

func (a *Anthropic) complete(ctx context.Context, params sdk.MessageNewParams) (string, error) {
	var msg *sdk.Message
	err := a.policy.Do(ctx, func() error {
		var callErr error
		msg, callErr = a.msg.New(ctx, params)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	reply := strings.TrimSpace(b.String())
	if reply == "" {
		return "", ErrEmptyReply
	}

	getLog().Debug().
		Str("model", string(msg.Model)).
		Str("stop_reason", string(msg.StopReason)).
		Int64("input_tokens", msg.Usage.InputTokens).
		Int64("output_tokens", msg.Usage.OutputTokens).
		Msg("Model replied")
	return reply, nil
}

func encodeTurns(turns []Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	msgs := make([]sdk.MessageParam, 0, len(turns))
	var system []sdk.TextBlockParam

	for _, m := range turns {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: text})
		case RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(text)))
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		default:
			return nil, nil, fmt.Errorf("unsupported chat role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, nil, ErrEmptyPrompt
	}
	return msgs, system, nil
}

// retryableCall classifies transport failures worth a second attempt:
// rate limits, upstream 5xx and network timeouts. Everything else,
// such as bad requests and auth failures, fails fast.
func retryableCall(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
