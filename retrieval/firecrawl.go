/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PivotLLM/Surveyor/global"
)

// Source is one search hit used as evidence
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// Searcher runs a web search and returns up to limit sources
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Source, error)
}

// Firecrawl is a client for the Firecrawl search endpoint
type Firecrawl struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

// NewFirecrawl creates a Firecrawl client
func NewFirecrawl(apiKey, baseURL string, hc *http.Client) *Firecrawl {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Firecrawl{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      hc,
	}
}

type firecrawlScrapeOptions struct {
	Formats []string `json:"formats"`
}

type firecrawlSearchRequest struct {
	Query         string                 `json:"query"`
	Limit         int                    `json:"limit"`
	ScrapeOptions firecrawlScrapeOptions `json:"scrapeOptions"`
}

type firecrawlSearchResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    []struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Markdown    string `json:"markdown"`
	} `json:"data"`
}

// Search posts the query to /v1/search with markdown scraping
func (f *Firecrawl) Search(ctx context.Context, query string, limit int) ([]Source, error) {
	body, err := json.Marshal(firecrawlSearchRequest{
		Query:         query,
		Limit:         limit,
		ScrapeOptions: firecrawlScrapeOptions{Formats: []string{"markdown"}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.apiKey)

	resp, err := f.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("firecrawl search failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read firecrawl response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		msg := global.Truncate(strings.TrimSpace(string(data)), 512)
		return nil, fmt.Errorf("firecrawl search returned status %d: %s", resp.StatusCode, msg)
	}

	var parsed firecrawlSearchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode firecrawl response: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("firecrawl search unsuccessful: %s", parsed.Error)
	}

	sources := make([]Source, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		content := d.Markdown
		if strings.TrimSpace(content) == "" {
			content = d.Description
		}
		sources = append(sources, Source{URL: d.URL, Title: d.Title, Content: content})
	}
	return sources, nil
}
