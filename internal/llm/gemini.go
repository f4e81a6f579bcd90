package llm

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"gwi.com/doc-chat/internal/config"
)

const (
	defaultGeminiChatModel      = "gemini-1.5-pro"
	defaultGeminiEmbeddingModel = "text-embedding-004"

	geminiEmbedBatchSize = 100
)

type GeminiProvider struct {
	client   *genai.Client
	settings Settings
}

func NewGeminiProvider(ctx context.Context, cfg config.Config) (Provider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	settings := SettingsFromConfig(cfg)
	if settings.ChatModel == "" {
		settings.ChatModel = defaultGeminiChatModel
	}
	if settings.EmbeddingModel == "" {
		settings.EmbeddingModel = defaultGeminiEmbeddingModel
	}
	return &GeminiProvider{client: client, settings: settings}, nil
}

func (p *GeminiProvider) Name() string { return config.ProviderGemini }

func (p *GeminiProvider) Close() error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close GenAI client: %w", err)
	}
	log.Println("GenAI client closed.")
	return nil
}

func (p *GeminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	em := p.client.EmbeddingModel(p.settings.EmbeddingModel)
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += geminiEmbedBatchSize {
		end := min(start+geminiEmbedBatchSize, len(texts))

		batch := em.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}

		callCtx, cancel := p.settings.withTimeout(ctx)
		res, err := em.BatchEmbedContents(callCtx, batch)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("gemini embedding request failed: %w", err)
		}
		if res == nil || len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned an unexpected number of embeddings")
		}
		for i, e := range res.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return nil, fmt.Errorf("no embedding data received from gemini for text %d", start+i)
			}
			out = append(out, e.Values)
		}
	}
	return out, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, systemInstruction, passages, question string) (string, error) {
	model := p.client.GenerativeModel(p.settings.ChatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemInstruction)},
	}

	temp := p.settings.Temperature
	maxTokens := p.settings.MaxOutputTokens
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	callCtx, cancel := p.settings.withTimeout(ctx)
	defer cancel()
	resp, err := model.GenerateContent(callCtx, genai.Text(userTurn(passages, question)))
	if err != nil {
		return "", fmt.Errorf("gemini completion request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini response was empty or had no valid candidates")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}
	if strings.TrimSpace(responseText.String()) == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	return responseText.String(), nil
}
