/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package retrieval augments prompts with web evidence according to the
// batch's retrieval mode.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/PivotLLM/Surveyor/config"
	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/logging"
	"github.com/PivotLLM/Surveyor/telemetry"
)

// ErrNotConfigured is returned when evidence is required but no search provider is configured
var ErrNotConfigured = errors.New("retrieval provider is not configured")

// BlockedError means the task must not call the model. Code is the error
// code recorded on the task result.
type BlockedError struct {
	Code string
	Err  error
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *BlockedError) Unwrap() error {
	return e.Err
}

// Evidence is the formatted evidence for one task
type Evidence struct {
	Block   string // empty when no evidence is appended
	Sources int
}

// Augmenter applies retrieval modes
type Augmenter struct {
	searcher   Searcher
	logger     *logging.Logger
	maxResults int
	maxChars   int
	timeout    time.Duration
	suffix     string
}

// Option is a functional option for Augmenter
type Option func(*Augmenter)

// WithSearcher replaces the search provider; nil means not configured
func WithSearcher(s Searcher) Option {
	return func(a *Augmenter) {
		a.searcher = s
	}
}

// New creates an Augmenter. A Firecrawl searcher is configured when the API
// key resolves to a non-empty value; hc may be nil.
func New(cfg config.Retrieval, logger *logging.Logger, hc *http.Client, opts ...Option) *Augmenter {
	a := &Augmenter{
		logger:     logger,
		maxResults: cfg.MaxResults,
		maxChars:   cfg.MaxContentChars,
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		suffix:     cfg.QuerySuffix,
	}
	if a.maxResults <= 0 {
		a.maxResults = global.DefaultRetrievalMaxResults
	}
	if a.maxChars <= 0 {
		a.maxChars = global.DefaultRetrievalMaxChars
	}
	if a.timeout <= 0 {
		a.timeout = time.Duration(global.DefaultRetrievalTimeout) * time.Second
	}

	if key := global.ResolveSecret(cfg.FirecrawlAPIKey); key != "" {
		baseURL := cfg.FirecrawlBaseURL
		if baseURL == "" {
			baseURL = global.DefaultFirecrawlBaseURL
		}
		a.searcher = NewFirecrawl(key, baseURL, hc)
	}

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Configured reports whether a search provider is available
func (a *Augmenter) Configured() bool {
	return a.searcher != nil
}

// Query builds the search query for a task
func (a *Augmenter) Query(economy *global.Economy, question *global.Question) string {
	var parts []string
	if economy != nil && economy.Name != "" {
		parts = append(parts, economy.Name)
	}
	if question != nil && question.Text != "" {
		parts = append(parts, question.Text)
	}
	if a.suffix != "" {
		parts = append(parts, a.suffix)
	}
	return strings.Join(parts, " ")
}

// Augment returns the evidence for a task under mode. In firecrawl_only mode a
// missing provider or failed search returns *BlockedError. In
// firecrawl_preferred mode failures are logged and the task proceeds
// without evidence. Other modes never search.
func (a *Augmenter) Augment(ctx context.Context, mode string, economy *global.Economy, question *global.Question) (Evidence, error) {
	switch mode {
	case global.RetrievalFirecrawlPreferred, global.RetrievalFirecrawlOnly:
	default:
		return Evidence{}, nil
	}
	required := mode == global.RetrievalFirecrawlOnly

	if a.searcher == nil {
		if required {
			return Evidence{}, &BlockedError{Code: global.ErrCodeMissingConfig, Err: ErrNotConfigured}
		}
		a.logger.Debugf("Retrieval mode %s without a configured provider; continuing without evidence", mode)
		return Evidence{}, nil
	}

	sources, err := a.search(ctx, a.Query(economy, question))
	if err == nil && len(sources) == 0 {
		err = errors.New("search returned no results")
	}
	if err != nil {
		if required {
			return Evidence{}, &BlockedError{Code: global.ErrCodeRetrievalError, Err: err}
		}
		a.logger.Warnf("Evidence search failed, continuing without evidence: %v", err)
		return Evidence{}, nil
	}

	return Evidence{Block: a.Format(sources), Sources: len(sources)}, nil
}

// search runs the query with the retrieval timeout inside a span
func (a *Augmenter) search(ctx context.Context, query string) ([]Source, error) {
	ctx, span := telemetry.Tracer(telemetry.ScopeRetrieval).Start(ctx, "retrieval.search")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.limit", a.maxResults))

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	a.logger.Debugf("Searching evidence (limit %d): %s", a.maxResults, query)
	sources, err := a.searcher.Search(ctx, query, a.maxResults)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(sources) > a.maxResults {
		sources = sources[:a.maxResults]
	}
	span.SetAttributes(attribute.Int("retrieval.sources", len(sources)))
	span.SetStatus(codes.Ok, "")
	return sources, nil
}

// Format renders sources as the delimited evidence block
func (a *Augmenter) Format(sources []Source) string {
	var sb strings.Builder
	sb.WriteString("=== WEB EVIDENCE ===\n\n")
	sb.WriteString("The following search results may help. Prefer official legal sources and cite the URL you rely on.\n\n")
	for i, src := range sources {
		content := strings.TrimSpace(src.Content)
		if len(content) > a.maxChars {
			content = global.Truncate(content, a.maxChars) + "..."
		}
		sb.WriteString(fmt.Sprintf("[Source %d]\n", i+1))
		sb.WriteString(fmt.Sprintf("URL: %s\n", src.URL))
		if src.Title != "" {
			sb.WriteString(fmt.Sprintf("Title: %s\n", src.Title))
		}
		sb.WriteString(fmt.Sprintf("Content: %s\n\n", content))
	}
	sb.WriteString("=== END WEB EVIDENCE ===")
	return sb.String()
}
