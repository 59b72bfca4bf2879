// Copyright 2025 James Ross
package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flyingrobots/lifestream/internal/config"
	"github.com/flyingrobots/lifestream/internal/pipeline"
)

// AnthropicModel implements pipeline.LanguageModel on the Anthropic Messages
// API. Rate limits surface as *pipeline.RateLimitError so the executor's
// retry loop can honor the provider's advised interval.
type AnthropicModel struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropicModel(cfg config.LLM) *AnthropicModel {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return &AnthropicModel{
		// The executor owns retry policy; disable the SDK's own retries so
		// rate limits surface immediately.
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: maxTokens,
	}
}

func (m *AnthropicModel) Summarize(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msg, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) && (apierr.StatusCode == 429 || apierr.StatusCode == 529) {
			return "", &pipeline.RateLimitError{
				Message:    err.Error(),
				RetryAfter: retryAfterOf(apierr),
			}
		}
		return "", fmt.Errorf("language model call: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("language model returned no text content")
	}
	return b.String(), nil
}

func retryAfterOf(apierr *anthropic.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	raw := apierr.Response.Header.Get("retry-after")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
