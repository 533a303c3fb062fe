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

const openAIBaseURL = "https://api.openai.com/v1"

type openAIAdapter struct {
	cred Credential
	hc   *http.Client
}

func newOpenAI(cred Credential, hc *http.Client) Adapter {
	return &openAIAdapter{cred: cred, hc: hc}
}

func (a *openAIAdapter) Vendor() string { return global.VendorOpenAI }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
}

// openAIExtractors cover the Responses convenience field and output blocks,
// chat message content as a string or a list of parts, and legacy completions
var openAIExtractors = []extractor{
	func(doc map[string]any) string { return str(doc["output_text"]) },
	func(doc map[string]any) string {
		list, ok := doc["output"].([]any)
		if !ok {
			return ""
		}
		var text string
		for _, item := range list {
			text += joinBlocks(dig(item, "content"), "output_text", "text")
		}
		return text
	},
	func(doc map[string]any) string { return str(dig(doc, "choices", 0, "message", "content")) },
	func(doc map[string]any) string { return joinBlocks(dig(doc, "choices", 0, "message", "content"), "text", "output_text") },
	func(doc map[string]any) string { return str(dig(doc, "choices", 0, "text")) },
}

// Invoke posts a chat completion. Native search is not requested.
func (a *openAIAdapter) Invoke(ctx context.Context, model, prompt string, opts InvokeOptions) (*Result, error) {
	x := &exchange{
		vendor:  global.VendorOpenAI,
		url:     a.cred.baseURL(openAIBaseURL) + "/chat/completions",
		headers: map[string]string{"Authorization": "Bearer " + a.cred.APIKey},
		payload: openAIRequest{
			Model:               model,
			Messages:            []openAIMessage{{Role: "user", Content: prompt}},
			MaxCompletionTokens: opts.MaxOutputTokens,
		},
		extractors: openAIExtractors,
		usageKey:   "usage",
	}
	return x.do(ctx, a.hc)
}
