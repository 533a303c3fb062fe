/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package llm

import (
	"context"
	"net/http"

	"github.com/PivotLLM/Surveyor/global"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type anthropicAdapter struct {
	cred Credential
	hc   *http.Client
}

func newAnthropic(cred Credential, hc *http.Client) Adapter {
	return &anthropicAdapter{cred: cred, hc: hc}
}

func (a *anthropicAdapter) Vendor() string { return global.VendorAnthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

// anthropicExtractors cover a list of content blocks, a single block object,
// plain string content and the legacy completion field
var anthropicExtractors = []extractor{
	func(doc map[string]any) string { return joinBlocks(doc["content"], "text") },
	func(doc map[string]any) string { return str(dig(doc, "content", "text")) },
	func(doc map[string]any) string { return str(doc["content"]) },
	func(doc map[string]any) string { return str(doc["completion"]) },
}

// Invoke posts to the Messages API. Native search is not requested.
func (a *anthropicAdapter) Invoke(ctx context.Context, model, prompt string, opts InvokeOptions) (*Result, error) {
	x := &exchange{
		vendor: global.VendorAnthropic,
		url:    a.cred.baseURL(anthropicBaseURL) + "/messages",
		headers: map[string]string{
			"x-api-key":         a.cred.APIKey,
			"anthropic-version": anthropicVersion,
		},
		payload: anthropicRequest{
			Model:     model,
			MaxTokens: opts.MaxOutputTokens,
			Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
		},
		extractors: anthropicExtractors,
		usageKey:   "usage",
	}
	return x.do(ctx, a.hc)
}
