/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package llm

import (
	"context"
	"net/http"
	"net/url"

	"github.com/PivotLLM/Surveyor/global"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiAdapter struct {
	cred Credential
	hc   *http.Client
}

func newGemini(cred Credential, hc *http.Client) Adapter {
	return &geminiAdapter{cred: cred, hc: hc}
}

func (a *geminiAdapter) Vendor() string { return global.VendorGemini }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools            []geminiTool            `json:"tools,omitempty"`
}

// geminiExtractors cover candidate parts, a candidate-level text field,
// and a top-level text field
var geminiExtractors = []extractor{
	func(doc map[string]any) string { return joinBlocks(dig(doc, "candidates", 0, "content", "parts")) },
	func(doc map[string]any) string { return str(dig(doc, "candidates", 0, "content", "text")) },
	func(doc map[string]any) string { return str(dig(doc, "candidates", 0, "output")) },
	func(doc map[string]any) string { return str(doc["text"]) },
}

// Invoke posts to generateContent. The google_search tool is attached only
// when native search is requested.
func (a *geminiAdapter) Invoke(ctx context.Context, model, prompt string, opts InvokeOptions) (*Result, error) {
	payload := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &geminiGenerationConfig{MaxOutputTokens: opts.MaxOutputTokens},
	}
	if opts.NativeSearch {
		payload.Tools = []geminiTool{{GoogleSearch: &struct{}{}}}
	}

	x := &exchange{
		vendor:     global.VendorGemini,
		url:        a.cred.baseURL(geminiBaseURL) + "/models/" + url.PathEscape(model) + ":generateContent",
		headers:    map[string]string{"x-goog-api-key": a.cred.APIKey},
		payload:    payload,
		extractors: geminiExtractors,
		usageKey:   "usageMetadata",
	}
	return x.do(ctx, a.hc)
}
