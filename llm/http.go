/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PivotLLM/Surveyor/cost"
	"github.com/PivotLLM/Surveyor/global"
)

const (
	maxResponseBytes = 16 << 20
	maxErrorBytes    = 4 << 10
)

// exchange is one JSON POST to a vendor endpoint
type exchange struct {
	vendor     string
	url        string
	headers    map[string]string
	payload    any
	extractors []extractor
	usageKey   string
}

// do sends the request and normalizes the response. Non-2xx statuses and
// error payloads become *APIError. A 2xx body that yields no text is returned
// verbatim with FormatInvalid set.
func (x *exchange) do(ctx context.Context, hc *http.Client) (*Result, error) {
	body, err := json.Marshal(x.payload)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode request: %w", x.vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", x.vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range x.headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: request aborted: %w", x.vendor, ctx.Err())
		}
		return nil, fmt.Errorf("%s: request failed: %w", x.vendor, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", x.vendor, err)
	}

	var doc map[string]any
	decodeErr := json.Unmarshal(respBody, &doc)

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{
			Vendor:     x.vendor,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(respBody)), maxErrorBytes),
		}
		if decodeErr == nil {
			apiErr.Message, _ = vendorErrorMessage(doc)
		}
		return nil, apiErr
	}

	if decodeErr == nil {
		if msg, isErr := vendorErrorMessage(doc); isErr {
			return nil, &APIError{
				Vendor:     x.vendor,
				StatusCode: resp.StatusCode,
				Message:    msg,
				Body:       truncate(strings.TrimSpace(string(respBody)), maxErrorBytes),
			}
		}
	}

	result := &Result{Body: respBody}
	if decodeErr != nil {
		// Not a JSON document; keep whatever came back
		result.RawText = strings.TrimSpace(string(respBody))
		result.FormatInvalid = true
		return result, nil
	}

	result.Usage = usageMap(doc, x.usageKey)
	result.Tokens = cost.NormalizeUsage(result.Usage)
	result.RawText = firstText(doc, x.extractors)
	if result.RawText == "" {
		result.RawText = strings.TrimSpace(string(respBody))
		result.FormatInvalid = true
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return global.Truncate(s, n) + "..."
}
