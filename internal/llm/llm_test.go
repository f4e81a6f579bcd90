package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gwi.com/doc-chat/internal/config"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) config.Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return config.Config{
		Provider:        config.ProviderOpenAI,
		OpenAIAPIKey:    "sk-test",
		OpenAIBaseURL:   srv.URL + "/v1",
		Temperature:     0.3,
		MaxOutputTokens: 500,
		RequestTimeout:  5 * time.Second,
	}
}

func TestOpenAIEmbedOrdersByIndex(t *testing.T) {
	cfg := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s, want /v1/embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 || req.Model != defaultOpenAIEmbeddingModel {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		// Deliberately out of order.
		w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}]}`))
	})

	p, err := NewFromRegistry(context.Background(), DefaultRegistry(), cfg)
	if err != nil {
		t.Fatalf("NewFromRegistry() error = %v", err)
	}
	defer p.Close()
	if p.Name() != config.ProviderOpenAI {
		t.Errorf("Name() = %q", p.Name())
	}

	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("Embed() = %v, want [[1 0] [0 1]]", vecs)
	}
}

func TestOpenAICompleteSendsInstructionAndContext(t *testing.T) {
	cfg := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			MaxTokens int `json:"max_tokens"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 {
			t.Fatalf("messages = %d, want 2", len(req.Messages))
		}
		if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
			t.Errorf("system message = %+v", req.Messages[0])
		}
		if req.Messages[1].Content != "Context: the sky is blue\n\nQuestion: what colour is the sky?" {
			t.Errorf("user message = %q", req.Messages[1].Content)
		}
		if req.MaxTokens != 500 {
			t.Errorf("max_tokens = %d, want 500", req.MaxTokens)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Blue."},"finish_reason":"stop"}]}`))
	})

	p, err := NewOpenAIProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	got, err := p.Complete(context.Background(), "be brief", "the sky is blue", "what colour is the sky?")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "Blue." {
		t.Errorf("Complete() = %q, want %q", got, "Blue.")
	}
}

func TestOpenAIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		embed   bool
		wantSub string
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"quota exceeded","type":"insufficient_quota"}}`, false, "completion request failed"},
		{"empty choices", http.StatusOK, `{"id":"c","object":"chat.completion","choices":[]}`, false, "no completion text"},
		{"short embeddings", http.StatusOK, `{"object":"list","data":[]}`, true, "0 embeddings for 1 inputs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			p, err := NewOpenAIProvider(context.Background(), cfg)
			if err != nil {
				t.Fatalf("NewOpenAIProvider() error = %v", err)
			}
			if tt.embed {
				_, err = p.Embed(context.Background(), []string{"x"})
			} else {
				_, err = p.Complete(context.Background(), "i", "c", "q")
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error = %v, want containing %q", err, tt.wantSub)
			}
		})
	}
}

func TestOpenAITimeout(t *testing.T) {
	release := make(chan struct{})
	cfg := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	cfg.RequestTimeout = 50 * time.Millisecond

	p, err := NewOpenAIProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	start := time.Now()
	if _, err := p.Complete(context.Background(), "i", "c", "q"); err == nil {
		t.Fatalf("Complete() error = nil, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Complete() took %s, timeout not applied", elapsed)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	_, err := NewFromRegistry(context.Background(), DefaultRegistry(), config.Config{Provider: "bogus"})
	if err == nil || !strings.Contains(err.Error(), "gemini") {
		t.Errorf("error = %v, want unknown provider listing known names", err)
	}
	if names := DefaultRegistry().Names(); len(names) != 2 {
		t.Errorf("Names() = %v, want 2 providers", names)
	}
}
