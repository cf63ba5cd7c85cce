package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// WebSearchTool queries the Tavily search API.
type WebSearchTool struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	maxResults int
}

// NewWebSearchTool creates the web_search tool. apiKey comes from
// TAVILY_API_KEY.
func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{
		apiKey:     apiKey,
		endpoint:   tavilyEndpoint,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		maxResults: 5,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets"
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"},
			"max_results": {"type": "integer", "description": "Number of results (default 5)"}
		},
		"required": ["query"]
	}`)
}

type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	if t.apiKey == "" {
		return &Result{Content: "Web search is not configured (missing TAVILY_API_KEY)", IsError: true}, nil
	}
	var p struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	maxResults := p.MaxResults
	if maxResults <= 0 || maxResults > 20 {
		maxResults = t.maxResults
	}

	body, err := json.Marshal(tavilyRequest{
		APIKey:     t.apiKey,
		Query:      p.Query,
		MaxResults: maxResults,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return &Result{Content: fmt.Sprintf("Search failed: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Result{
			Content: fmt.Sprintf("Search failed: status %d: %s", resp.StatusCode, string(payload)),
			IsError: true,
		}, nil
	}

	var sr tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return &Result{Content: fmt.Sprintf("Search failed: %v", err), IsError: true}, nil
	}

	var sb strings.Builder
	if sr.Answer != "" {
		sb.WriteString(sr.Answer)
		sb.WriteString("\n\n")
	}
	for i, r := range sr.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Content)
		}
	}
	if sb.Len() == 0 {
		return &Result{Content: "No results."}, nil
	}
	return &Result{Content: sb.String()}, nil
}
