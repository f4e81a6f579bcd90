package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
	"gwi.com/doc-chat/internal/config"
)

const (
	defaultOpenAIChatModel      = "gpt-4o-mini"
	defaultOpenAIEmbeddingModel = string(openai.SmallEmbedding3)
)

// OpenAIProvider talks to the OpenAI API or any endpoint that speaks it.
type OpenAIProvider struct {
	client   *openai.Client
	settings Settings
}

func NewOpenAIProvider(_ context.Context, cfg config.Config) (Provider, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
	}
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.OpenAIBaseURL, "/")
	}

	settings := SettingsFromConfig(cfg)
	if settings.ChatModel == "" {
		settings.ChatModel = defaultOpenAIChatModel
	}
	if settings.EmbeddingModel == "" {
		settings.EmbeddingModel = defaultOpenAIEmbeddingModel
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg), settings: settings}, nil
}

func (p *OpenAIProvider) Name() string { return config.ProviderOpenAI }

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := p.settings.withTimeout(ctx)
	defer cancel()

	resp, err := p.client.CreateEmbeddings(callCtx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(p.settings.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("no embedding data received from openai for input %d", i)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, systemInstruction, passages, question string) (string, error) {
	callCtx, cancel := p.settings.withTimeout(ctx)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: p.settings.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: userTurn(passages, question)},
		},
		Temperature: p.settings.Temperature,
		MaxTokens:   int(p.settings.MaxOutputTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("openai returned no completion text")
	}
	return resp.Choices[0].Message.Content, nil
}
