// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/chatrelay/services/orchestrator/datatypes"
	"github.com/sashabaranov/go-openai"
)

const (
	// DefaultBaseURL is the OpenRouter OpenAI-compatible endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultModel is the model requested when none is configured.
	DefaultModel = "google/gemini-flash-1.5"

	defaultSecretPath = "/run/secrets/openrouter_api_key"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey is the provider credential. When empty the key is read from
	// SecretPath if that file exists.
	APIKey string

	// SecretPath is a file holding the key, e.g. a container secret.
	SecretPath string

	// BaseURL of the OpenAI-compatible API. Defaults to DefaultBaseURL.
	BaseURL string

	// Model requested for every completion. Defaults to DefaultModel.
	Model string

	// Timeout bounds one whole streamed completion. Zero means no bound
	// beyond the request context.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// OpenAIClient streams completions from any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIClient creates a client for the configured provider.
//
// # Description
//
// Resolves the API key from the config or the secret file. A missing key is
// not fatal: the relay still starts and provider calls fail with an
// authentication error, which the chat handler reports as a server error.
//
// # Inputs
//
//   - cfg: Provider configuration. Empty fields take the defaults.
//
// # Outputs
//
//   - *OpenAIClient: Ready for concurrent use.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	apiKey := cfg.APIKey
	if apiKey == "" {
		secretPath := cfg.SecretPath
		if secretPath == "" {
			secretPath = defaultSecretPath
		}
		if keyBytes, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(keyBytes))
			slog.Info("Read the provider API key from secret file", "path", secretPath)
		} else {
			slog.Warn("Provider API key not set; completions will fail until it is configured")
		}
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = strings.TrimRight(baseURL, "/")
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	slog.Info("Initializing completion provider client", "base_url", clientConfig.BaseURL, "model", model)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: cfg.Timeout,
	}
}

// Model returns the configured model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// ChatStream implements ChatStreamer.
//
// # Description
//
// Opens a streamed chat completion with usage reporting enabled. Once the
// provider accepts the request the callback receives StreamEventOpen, then
// one StreamEventToken per non-empty content delta. Deltas are concatenated
// into Completion.Text.
//
// # Inputs
//
//   - ctx: Cancelling it abandons the provider call.
//   - messages: Normalized conversation, sent in full.
//   - params: Sampling overrides.
//   - callback: Receives stream events. Must not be nil.
//
// # Outputs
//
//   - *Completion: Final text, finish reason and usage.
//   - error: Provider, transport or callback error.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) (*Completion, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyConversation
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	req := o.buildRequest(messages, params)

	slog.Debug("Opening completion stream", "model", o.model, "messages", len(messages))
	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	if err := callback(StreamEvent{Type: StreamEventOpen}); err != nil {
		return nil, err
	}

	var text strings.Builder
	completion := &Completion{FinishReason: string(openai.FinishReasonStop)}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("receive completion chunk: %w", err)
		}

		if chunk.Usage != nil {
			completion.Usage = &datatypes.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				completion.FinishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}
	}

	completion.Text = text.String()
	slog.Debug("Completion stream finished",
		"model", o.model,
		"finish_reason", completion.FinishReason,
		"chars", len(completion.Text),
	)
	return completion, nil
}

func (o *OpenAIClient) buildRequest(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:         o.model,
		Messages:      toOpenAIMessages(messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case datatypes.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case datatypes.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

var _ ChatStreamer = (*OpenAIClient)(nil)
