// Package websearch implements the web_search tool. It scrapes the
// DuckDuckGo HTML endpoint, which needs no API key, and formats the top
// results as numbered plain text for the model.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/fixerlabs/fixer/internal/agent"
)

const (
	defaultEndpoint  = "https://html.duckduckgo.com/html/"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	// maxCacheSize bounds cached responses so repeated queries cannot grow
	// memory without limit.
	maxCacheSize = 1000
)

// Config holds configuration for the web search tool.
type Config struct {
	// Endpoint overrides the search URL (used in tests).
	Endpoint string `yaml:"endpoint"`

	// MaxResults caps how many results are returned (default: 5).
	MaxResults int `yaml:"max_results"`

	// CacheTTL in seconds for repeated queries (default: 300).
	CacheTTL int `yaml:"cache_ttl"`

	// Timeout for the outbound HTTP request (default: 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// Result is a single parsed search result.
type Result struct {
	Title   string
	Snippet string
	URL     string
}

type cacheEntry struct {
	content   string
	expiresAt time.Time
}

// Tool implements agent.Tool for web searching. Safe for concurrent use.
type Tool struct {
	config     Config
	httpClient *http.Client
	cache      map[string]*cacheEntry
	cacheMu    sync.RWMutex
}

// New creates a web search tool with defaults applied.
func New(config Config) *Tool {
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 5
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 300
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Tool{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cache: make(map[string]*cacheEntry),
	}
}

// Name returns the tool name for registration with the agent runtime.
func (t *Tool) Name() string {
	return "web_search"
}

// Description returns the tool description surfaced to the model.
func (t *Tool) Description() string {
	return "Search the web for current information. Use this tool whenever you need up-to-date information, facts, news, statistics, or data about any topic."
}

// Schema returns the JSON schema for tool parameters.
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query to look up on the web"
			}
		},
		"required": ["query"]
	}`)
}

type searchParams struct {
	Query string `json:"query"`
}

// Execute runs the search. Failures come back as tool results with IsError
// set rather than Go errors, so the agent loop keeps going and the model
// sees what went wrong.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p searchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Invalid parameters: %v", err),
			IsError: true,
		}, nil
	}

	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return &agent.ToolResult{
			Content: "Query parameter is required",
			IsError: true,
		}, nil
	}

	if cached := t.getFromCache(p.Query); cached != "" {
		return &agent.ToolResult{Content: cached}, nil
	}

	results, err := t.search(ctx, p.Query)
	if err != nil {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Search failed: %v", err),
			IsError: true,
		}, nil
	}

	content := FormatResults(p.Query, results)
	t.putInCache(p.Query, content)

	return &agent.ToolResult{Content: content}, nil
}

// search fetches and parses the result page.
func (t *Tool) search(ctx context.Context, query string) ([]Result, error) {
	endpoint := fmt.Sprintf("%s?q=%s", t.config.Endpoint, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request failed with status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return t.parseResults(doc), nil
}

// parseResults extracts result blocks from the DuckDuckGo HTML page.
func (t *Tool) parseResults(doc *goquery.Document) []Result {
	results := make([]Result, 0, t.config.MaxResults)

	doc.Find("div.result.results_links").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title := strings.TrimSpace(s.Find("a.result__a").Text())
		if title == "" {
			return true
		}

		snippet := strings.TrimSpace(s.Find(".result__snippet").Text())
		link := strings.TrimSpace(s.Find("a.result__url").AttrOr("href", ""))

		results = append(results, Result{
			Title:   title,
			Snippet: snippet,
			URL:     link,
		})
		return len(results) < t.config.MaxResults
	})

	return results
}

// FormatResults renders results as the numbered list the model receives.
func FormatResults(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No search results found for %q.", query)
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "\n   %s", r.Snippet)
		}
		if r.URL != "" {
			fmt.Fprintf(&b, "\n   Source: %s", r.URL)
		}
	}
	return b.String()
}

func (t *Tool) getFromCache(query string) string {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()

	entry, ok := t.cache[query]
	if !ok || time.Now().After(entry.expiresAt) {
		return ""
	}
	return entry.content
}

func (t *Tool) putInCache(query, content string) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()

	now := time.Now()

	for k, v := range t.cache {
		if now.After(v.expiresAt) {
			delete(t.cache, k)
		}
	}

	// Still at capacity after the sweep: evict whichever entry expires first.
	for len(t.cache) >= maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		if oldestKey == "" {
			break
		}
		delete(t.cache, oldestKey)
	}

	t.cache[query] = &cacheEntry{
		content:   content,
		expiresAt: now.Add(time.Duration(t.config.CacheTTL) * time.Second),
	}
}
