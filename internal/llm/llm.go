// Package llm wraps the chat completions API used to synthesize
// reference answers and to read text out of scanned script pages.
package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/adithyarao/scriptgrader/internal/ratelimit"
)

// Completer generates one completion for a system/user prompt pair at
// a given sampling temperature.
type Completer interface {
	Complete(ctx context.Context, system, user string, temperature float32) (string, error)
}

// Client is the OpenAI-compatible chat client. It works against any
// endpoint that speaks the chat completions protocol.
type Client struct {
	api   *openai.Client
	model string
}

// NewClient creates a chat client for the given endpoint and model.
// baseURL may be empty for the default OpenAI endpoint.
func NewClient(apiKey, baseURL, model string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), model: model}
}

// Limited paces a completer through a shared rate limiter.
type Limited struct {
	Completer Completer
	Limiter   *ratelimit.Limiter
}

// Complete waits for a limiter slot and delegates.
func (l Limited) Complete(ctx context.Context, system, user string, temperature float32) (string, error) {
	if err := l.Limiter.Acquire(ctx); err != nil {
		return "", err
	}
	return l.Completer.Complete(ctx, system, user, temperature)
}

// Complete sends one chat completion request and returns the first
// choice's content.
func (c *Client) Complete(ctx context.Context, system, user string, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteVision sends a chat completion whose user turn carries an
// image, and returns the first choice's content. imageURL is either an
// https URL or a data URI with base64 page content.
func (c *Client) CompleteVision(ctx context.Context, prompt, imageURL string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
