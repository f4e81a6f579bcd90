// Package llm adapts hosted model APIs to the two services the chat core
// consumes: text embedding and grounded completion.
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gwi.com/doc-chat/internal/config"
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Completer interface {
	Complete(ctx context.Context, systemInstruction, passages, question string) (string, error)
}

type Provider interface {
	Embedder
	Completer
	Name() string
	Close() error
}

// Settings are the model parameters shared by every provider.
type Settings struct {
	ChatModel       string
	EmbeddingModel  string
	Temperature     float32
	MaxOutputTokens int32
	Timeout         time.Duration
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		ChatModel:       cfg.ChatModel,
		EmbeddingModel:  cfg.EmbeddingModel,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: int32(cfg.MaxOutputTokens),
		Timeout:         cfg.RequestTimeout,
	}
}

// withTimeout bounds one external call. Zero means no bound.
func (s Settings) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Timeout)
}

func userTurn(passages, question string) string {
	return fmt.Sprintf("Context: %s\n\nQuestion: %s", passages, question)
}

type Factory func(ctx context.Context, cfg config.Config) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry knows every built-in provider.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(config.ProviderGemini, NewGeminiProvider)
	r.Register(config.ProviderOpenAI, NewOpenAIProvider)
	return r
}

// New builds the provider named by cfg.Provider.
func New(ctx context.Context, cfg config.Config) (Provider, error) {
	return NewFromRegistry(ctx, DefaultRegistry(), cfg)
}

func NewFromRegistry(ctx context.Context, r *Registry, cfg config.Config) (Provider, error) {
	f, ok := r.Get(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q (known: %v)", cfg.Provider, r.Names())
	}
	return f(ctx, cfg)
}
