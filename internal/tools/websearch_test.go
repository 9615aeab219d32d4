package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ddgServer(t *testing.T, calls *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			*calls++
		}
		if q := r.URL.Query().Get("q"); q == "" {
			t.Error("query parameter is missing")
		}
		response := map[string]any{
			"Heading":      "Go",
			"AbstractText": "Go is a programming language.",
			"AbstractURL":  "https://go.dev",
			"RelatedTopics": []map[string]any{
				{"FirstURL": "https://go.dev/doc", "Text": "Go documentation"},
				{"FirstURL": "https://go.dev/blog", "Text": "The Go blog"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
}

func TestWebSearchTool_DuckDuckGo(t *testing.T) {
	server := ddgServer(t, nil)
	defer server.Close()

	tool := NewWebSearchTool(WebSearchConfig{DuckDuckGoURL: server.URL})
	out := tool.Handler(context.Background(), ExecContext{}, map[string]any{"query": "golang"}, nil)
	if out.Status != StatusCompleted {
		t.Fatalf("status = %v, want %v (error: %s)", out.Status, StatusCompleted, out.Error)
	}

	response, ok := out.Result.(*SearchResponse)
	if !ok {
		t.Fatalf("result type = %T, want *SearchResponse", out.Result)
	}
	if response.Backend != BackendDuckDuckGo {
		t.Errorf("Backend = %v, want %v", response.Backend, BackendDuckDuckGo)
	}
	if len(response.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(response.Results))
	}
	if response.Results[0].URL != "https://go.dev" {
		t.Errorf("Results[0].URL = %q, want https://go.dev", response.Results[0].URL)
	}
	if response.Results[1].Title != "Go documentation" {
		t.Errorf("Results[1].Title = %q, want Go documentation", response.Results[1].Title)
	}
}

func TestWebSearchTool_Brave(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		response := map[string]any{
			"web": map[string]any{
				"results": []map[string]any{
					{"title": "Result 1", "url": "https://example.com/1", "description": "first", "age": "2d"},
					{"title": "Result 2", "url": "https://example.com/2", "description": "second"},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	tool := NewWebSearchTool(WebSearchConfig{
		BraveAPIKey: "test-key",
		BraveURL:    server.URL,
	})
	out := tool.Handler(context.Background(), ExecContext{}, map[string]any{"query": "anything"}, nil)
	if out.Status != StatusCompleted {
		t.Fatalf("status = %v, want %v (error: %s)", out.Status, StatusCompleted, out.Error)
	}

	response := out.Result.(*SearchResponse)
	if response.Backend != BackendBrave {
		t.Errorf("Backend = %v, want %v", response.Backend, BackendBrave)
	}
	if len(response.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(response.Results))
	}
	if response.Results[0].PublishedAt != "2d" {
		t.Errorf("Results[0].PublishedAt = %q, want 2d", response.Results[0].PublishedAt)
	}
}

func TestWebSearchTool_BraveFallsBackToDuckDuckGo(t *testing.T) {
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer brave.Close()
	ddg := ddgServer(t, nil)
	defer ddg.Close()

	tool := NewWebSearchTool(WebSearchConfig{
		BraveAPIKey:   "test-key",
		BraveURL:      brave.URL,
		DuckDuckGoURL: ddg.URL,
	})
	out := tool.Handler(context.Background(), ExecContext{}, map[string]any{"query": "golang"}, nil)
	if out.Status != StatusCompleted {
		t.Fatalf("status = %v, want %v (error: %s)", out.Status, StatusCompleted, out.Error)
	}
	response := out.Result.(*SearchResponse)
	if response.Backend != BackendDuckDuckGo {
		t.Errorf("Backend = %v, want fallback to %v", response.Backend, BackendDuckDuckGo)
	}
}

func TestWebSearchTool_Caching(t *testing.T) {
	calls := 0
	server := ddgServer(t, &calls)
	defer server.Close()

	tool := NewWebSearchTool(WebSearchConfig{DuckDuckGoURL: server.URL, CacheTTL: 60})
	args := map[string]any{"query": "golang"}

	for i := 0; i < 3; i++ {
		out := tool.Handler(context.Background(), ExecContext{}, args, nil)
		if out.Status != StatusCompleted {
			t.Fatalf("call %d status = %v, want %v (error: %s)", i, out.Status, StatusCompleted, out.Error)
		}
	}
	if calls != 1 {
		t.Errorf("backend calls = %d, want 1 (cache miss only on first call)", calls)
	}

	out := tool.Handler(context.Background(), ExecContext{}, map[string]any{"query": "different"}, nil)
	if out.Status != StatusCompleted {
		t.Fatalf("status = %v, want %v", out.Status, StatusCompleted)
	}
	if calls != 2 {
		t.Errorf("backend calls = %d, want 2 after new query", calls)
	}
}

func TestWebSearchTool_MissingQuery(t *testing.T) {
	tool := NewWebSearchTool(WebSearchConfig{})
	tests := []struct {
		name string
		args map[string]any
	}{
		{"empty args", map[string]any{}},
		{"blank query", map[string]any{"query": "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := tool.Handler(context.Background(), ExecContext{}, tt.args, nil)
			if out.Status != StatusFailed {
				t.Errorf("status = %v, want %v", out.Status, StatusFailed)
			}
		})
	}
}

func TestWebSearchTool_UnknownBackend(t *testing.T) {
	tool := NewWebSearchTool(WebSearchConfig{})
	out := tool.Handler(context.Background(), ExecContext{},
		map[string]any{"query": "x", "backend": "altavista"}, nil)
	if out.Status != StatusFailed {
		t.Errorf("status = %v, want %v", out.Status, StatusFailed)
	}
}
