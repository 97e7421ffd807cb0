package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/apperr"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
)

const defaultMaxTokens = 2000

// OpenAIProvider talks to the OpenAI chat completions API, or to any server
// exposing the same API (Ollama, LM Studio, proxies).
type OpenAIProvider struct {
	name        string
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAI creates an OpenAIProvider from cfg.
func NewOpenAI(cfg config.AIConfig) (*OpenAIProvider, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid AI base URL: %w", err)
		}
		if u.Scheme != "https" && u.Scheme != "http" {
			return nil, fmt.Errorf("invalid AI base URL scheme %q", u.Scheme)
		}
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	name := cfg.Provider
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:        name,
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (o *OpenAIProvider) Name() string     { return o.name }
func (o *OpenAIProvider) Configured() bool { return true }

// Model returns the model identifier sent with every request.
func (o *OpenAIProvider) Model() string { return o.model }

// Complete sends req as a chat completion. Every failure, including an
// empty reply, is an apperr.ExternalService error.
func (o *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	// Reasoning models reject max_tokens and a non-default temperature.
	if isReasoningModel(o.model) {
		chatReq.MaxCompletionTokens = o.maxTokens
		chatReq.Temperature = 0
	} else {
		chatReq.MaxTokens = o.maxTokens
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", apperr.E(apperr.ExternalService, o.name,
				fmt.Errorf("chat completion failed (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message))
		}
		return "", apperr.E(apperr.ExternalService, o.name, fmt.Errorf("chat completion failed: %w", err))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", apperr.Errorf(apperr.ExternalService, "%s: empty response from model %s", o.name, o.model)
	}

	slog.Debug("AI completion",
		"provider", o.name,
		"model", o.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return resp.Choices[0].Message.Content, nil
}

func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
