package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// SearchBackend selects which web search API serves a query.
type SearchBackend string

const (
	BackendDuckDuckGo SearchBackend = "duckduckgo"
	BackendBrave      SearchBackend = "brave"
)

const (
	searchCacheMax = 1000

	defaultDuckDuckGoURL = "https://api.duckduckgo.com"
	defaultBraveURL      = "https://api.search.brave.com/res/v1/web/search"
)

// WebSearchConfig configures the websearch builtin.
type WebSearchConfig struct {
	// BraveAPIKey enables the Brave backend when set.
	BraveAPIKey string `json:"brave_api_key,omitempty"`
	// DefaultBackend falls back to DuckDuckGo when empty.
	DefaultBackend SearchBackend `json:"default_backend,omitempty"`
	// DefaultResultCount defaults to 5.
	DefaultResultCount int `json:"default_result_count,omitempty"`
	// CacheTTL is in seconds; defaults to 300.
	CacheTTL int `json:"cache_ttl,omitempty"`
	// DuckDuckGoURL and BraveURL override the API base URLs, mainly for
	// tests.
	DuckDuckGoURL string `json:"duckduckgo_url,omitempty"`
	BraveURL      string `json:"brave_url,omitempty"`
}

// SearchResult is one hit returned to the model.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet"`
	PublishedAt string `json:"published_at,omitempty"`
}

// SearchResponse is the completed payload of a websearch invocation.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Backend SearchBackend  `json:"backend"`
}

type searchCacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

type webSearcher struct {
	config WebSearchConfig
	client *http.Client

	cacheMu sync.RWMutex
	cache   map[string]*searchCacheEntry
}

// NewWebSearchTool builds the websearch builtin. Identical queries are
// served from a TTL cache; a failing Brave call falls back to DuckDuckGo.
func NewWebSearchTool(config WebSearchConfig) Tool {
	if config.DefaultResultCount == 0 {
		config.DefaultResultCount = 5
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 300
	}
	if config.DefaultBackend == "" {
		if config.BraveAPIKey != "" {
			config.DefaultBackend = BackendBrave
		} else {
			config.DefaultBackend = BackendDuckDuckGo
		}
	}
	if config.DuckDuckGoURL == "" {
		config.DuckDuckGoURL = defaultDuckDuckGoURL
	}
	if config.BraveURL == "" {
		config.BraveURL = defaultBraveURL
	}
	s := &webSearcher{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  make(map[string]*searchCacheEntry),
	}
	return Tool{
		Name:        "websearch",
		Description: "Search the web and return result titles, URLs and snippets.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query."},
				"result_count": {"type": "integer", "minimum": 1, "maximum": 20},
				"backend": {"type": "string", "enum": ["duckduckgo", "brave"]}
			},
			"required": ["query"]
		}`),
		Handler: s.handle,
	}
}

func (s *webSearcher) handle(ctx context.Context, ec ExecContext, args map[string]any, next Next) Outcome {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return Failed("query is required")
	}
	count := s.config.DefaultResultCount
	if n, ok := argNumber(args, "result_count"); ok && n > 0 {
		count = int(n)
	}
	if count > 20 {
		count = 20
	}
	backend := s.config.DefaultBackend
	if b, _ := args["backend"].(string); b != "" {
		backend = SearchBackend(b)
	}

	key := fmt.Sprintf("%s:%d:%s", backend, count, query)
	if cached := s.fromCache(key); cached != nil {
		return Completed(cached)
	}

	var response *SearchResponse
	var err error
	switch backend {
	case BackendBrave:
		response, err = s.searchBrave(ctx, query, count)
		if err != nil {
			response, err = s.searchDuckDuckGo(ctx, query, count)
		}
	case BackendDuckDuckGo:
		response, err = s.searchDuckDuckGo(ctx, query, count)
	default:
		return Failed("unknown backend: %s", backend)
	}
	if err != nil {
		if ctx.Err() != nil {
			return Aborted()
		}
		return Failed("search failed: %v", err)
	}

	s.putCache(key, response)
	return Completed(response)
}

func (s *webSearcher) fromCache(key string) *SearchResponse {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	entry, ok := s.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (s *webSearcher) putCache(key string, response *SearchResponse) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := time.Now()
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
		}
	}
	// Still full after dropping expired entries: evict whatever expires
	// soonest.
	for len(s.cache) >= searchCacheMax {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range s.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey, oldestTime = k, v.expiresAt
			}
		}
		delete(s.cache, oldestKey)
	}
	s.cache[key] = &searchCacheEntry{
		response:  response,
		expiresAt: now.Add(time.Duration(s.config.CacheTTL) * time.Second),
	}
}

func (s *webSearcher) searchDuckDuckGo(ctx context.Context, query string, count int) (*SearchResponse, error) {
	endpoint := s.config.DuckDuckGoURL + "/?q=" + url.QueryEscape(query) + "&format=json&no_html=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; HeroBot/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var ddg struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &ddg); err != nil {
		return nil, fmt.Errorf("parse duckduckgo response: %w", err)
	}

	results := make([]SearchResult, 0, count)
	if ddg.AbstractText != "" && ddg.AbstractURL != "" {
		results = append(results, SearchResult{
			Title:   ddg.Heading,
			URL:     ddg.AbstractURL,
			Snippet: ddg.AbstractText,
		})
	}
	for _, topic := range ddg.RelatedTopics {
		if len(results) >= count {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, SearchResult{
			Title:   title,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	return &SearchResponse{Query: query, Results: results, Backend: BackendDuckDuckGo}, nil
}

func (s *webSearcher) searchBrave(ctx context.Context, query string, count int) (*SearchResponse, error) {
	if s.config.BraveAPIKey == "" {
		return nil, fmt.Errorf("brave api key not configured")
	}
	endpoint, err := url.Parse(s.config.BraveURL)
	if err != nil {
		return nil, err
	}
	q := endpoint.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.config.BraveAPIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var brave struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &brave); err != nil {
		return nil, fmt.Errorf("parse brave response: %w", err)
	}

	results := make([]SearchResult, 0, count)
	for _, r := range brave.Web.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Description,
			PublishedAt: r.Age,
		})
	}
	return &SearchResponse{Query: query, Results: results, Backend: BackendBrave}, nil
}

// argNumber reads a numeric argument that may arrive as json float64 or a
// Go int.
func argNumber(args map[string]any, key string) (float64, bool) {
	switch n := args[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
