// Package openai provides the OpenAI-compatible language model app. Any
// provider exposing the OpenAI wire format (OpenAI itself, ollama,
// siliconflow, ...) works through the base URL override.
package openai

import (
	"context"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/butler/plugin/apps"
	"github.com/hrygo/butler/store"
)

const (
	defaultModel          = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// Manifest describes the app for the registry.
func Manifest() apps.Manifest {
	return apps.Manifest{
		ID:          "openai",
		Name:        "OpenAI",
		Category:    store.CategoryAI,
		Version:     "1.0.0",
		Description: "Completions and embeddings through the OpenAI API or any compatible endpoint.",
		ConfigSchema: []apps.ConfigField{
			{Key: "apiKey", Label: "API key", Type: apps.FieldPassword, Required: true},
			{Key: "model", Label: "Model", Type: apps.FieldText, Default: defaultModel},
			{Key: "embeddingModel", Label: "Embedding model", Type: apps.FieldText, Default: defaultEmbeddingModel},
			{Key: "baseUrl", Label: "Base URL", Type: apps.FieldText, Placeholder: "https://api.openai.com/v1"},
		},
		Capabilities: []string{apps.CapCompletion, apps.CapEmbedding, apps.CapStreaming},
	}
}

// Register wires the factory into a registry.
func Register(registry *apps.Registry) {
	registry.Register(apps.Registration{
		Manifest: Manifest(),
		Factory: func(config map[string]any) (apps.Provider, error) {
			return NewProvider(config)
		},
	})
}

// Provider implements apps.LanguageModelProvider on the OpenAI API.
type Provider struct {
	client         *openai.Client
	model          string
	embeddingModel string
}

func NewProvider(config map[string]any) (*Provider, error) {
	apiKey, _ := config["apiKey"].(string)
	if apiKey == "" {
		return nil, errors.New("apiKey is required")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL, _ := config["baseUrl"].(string); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	p := &Provider{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          defaultModel,
		embeddingModel: defaultEmbeddingModel,
	}
	if model, _ := config["model"].(string); model != "" {
		p.model = model
	}
	if model, _ := config["embeddingModel"].(string); model != "" {
		p.embeddingModel = model
	}
	return p, nil
}

func (p *Provider) Complete(ctx context.Context, req *apps.CompletionRequest) (*apps.CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.StopSequences,
	})
	if err != nil {
		return nil, errors.Wrap(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty completion response")
	}

	return &apps.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage: apps.CompletionUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		StopReason: string(resp.Choices[0].FinishReason),
	}, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create embeddings failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("empty embedding response")
	}

	embedding := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		embedding[i] = float64(v)
	}
	return embedding, nil
}

// TestConnection lists models, the cheapest call that proves the key works.
func (p *Provider) TestConnection(ctx context.Context) *apps.ConnectionTestResult {
	start := time.Now()
	if _, err := p.client.ListModels(ctx); err != nil {
		return &apps.ConnectionTestResult{
			Success:   false,
			Message:   err.Error(),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return &apps.ConnectionTestResult{
		Success:   true,
		Message:   "connected",
		Details:   map[string]any{"model": p.model, "embeddingModel": p.embeddingModel},
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (p *Provider) Close() error {
	return nil
}
