/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package llm adapts the supported model vendors to one invocation contract.
// Each vendor adapter builds its own request shape and extracts text and
// usage from its response through an ordered list of extractors.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PivotLLM/Surveyor/cost"
)

var (
	// ErrUnsupportedVendor is returned for a provider vendor with no adapter
	ErrUnsupportedVendor = errors.New("unsupported provider vendor")

	// ErrMissingCredential is returned when a provider's API key resolves to empty
	ErrMissingCredential = errors.New("provider credential is missing")
)

// Adapter invokes one vendor's generation API
type Adapter interface {
	Vendor() string
	Invoke(ctx context.Context, model, prompt string, opts InvokeOptions) (*Result, error)
}

// InvokeOptions holds per-call options
type InvokeOptions struct {
	MaxOutputTokens int           // vendor-specific field name; default global.DefaultMaxOutputTokens
	Timeout         time.Duration // wall-clock bound for the call
	NativeSearch    bool          // let the model search the web itself (vendors that support it)
}

// Result is the normalized outcome of a successful HTTP exchange
type Result struct {
	RawText       string         `json:"raw_text"`
	Usage         map[string]any `json:"usage,omitempty"` // vendor usage object as returned
	Tokens        cost.Tokens    `json:"tokens"`
	Body          []byte         `json:"-"`
	FormatInvalid bool           `json:"format_invalid,omitempty"` // no text path matched; RawText holds the body
	Latency       time.Duration  `json:"latency"`
}

// APIError is a vendor error: a non-2xx status or an error payload in the body
type APIError struct {
	Vendor         string `json:"vendor"`
	StatusCode     int    `json:"status_code"`
	Message        string `json:"message,omitempty"`
	Body           string `json:"body,omitempty"`
	QuotaExhausted bool   `json:"quota_exhausted"`
}

// Error includes the vendor payload after the message so it reaches the
// persisted error text
func (e *APIError) Error() string {
	msg := e.Message
	switch {
	case msg == "" && e.Body == "":
		msg = "no error detail"
	case msg == "":
		msg = e.Body
	case e.Body != "" && e.Body != msg:
		msg += " (body: " + e.Body + ")"
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Vendor, e.StatusCode, msg)
}

// IsQuotaExhausted reports whether err carries a quota-exhausted vendor error
func IsQuotaExhausted(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.QuotaExhausted
}

// quotaMarkers are matched case-insensitively against vendor error payloads
var quotaMarkers = []string{
	"resource_exhausted",
	"resource exhausted",
	"quota exceeded",
	"exceeded your current quota",
	"insufficient_quota",
	"limit: 0",
	"free_tier",
	"free tier",
}

// MatchesQuota reports whether text contains a known quota marker or one of
// the extra configured patterns
func MatchesQuota(text string, extra []string) bool {
	lower := strings.ToLower(text)
	for _, marker := range quotaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, pattern := range extra {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
