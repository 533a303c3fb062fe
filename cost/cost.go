/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package cost normalizes vendor token-usage shapes and prices them.
package cost

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Tokens is the normalized usage pair
type Tokens struct {
	In  int `json:"tokens_in"`
	Out int `json:"tokens_out"`
}

// usagePairs lists (input, output) key names in priority order
var usagePairs = [][2]string{
	{"prompt_tokens", "completion_tokens"},
	{"promptTokenCount", "candidatesTokenCount"},
	{"input_tokens", "output_tokens"},
	{"inputTokens", "outputTokens"},
}

// totalKeys are combined counts, charged entirely as input
var totalKeys = []string{"total_tokens", "totalTokenCount", "totalTokens"}

// NormalizeUsage maps a vendor usage object to (in, out). The first naming
// scheme with any key present wins; a lone total counts as input; otherwise 0/0.
func NormalizeUsage(usage map[string]any) Tokens {
	if len(usage) == 0 {
		return Tokens{}
	}

	for _, pair := range usagePairs {
		in, okIn := intValue(usage[pair[0]])
		out, okOut := intValue(usage[pair[1]])
		if okIn || okOut {
			return Tokens{In: in, Out: out}
		}
	}

	for _, key := range totalKeys {
		if total, ok := intValue(usage[key]); ok {
			return Tokens{In: total}
		}
	}

	return Tokens{}
}

// Estimate returns the monetary cost of a call given per-million-token prices.
// Unset (zero or negative) prices contribute nothing.
func Estimate(t Tokens, priceIn, priceOut float64) float64 {
	c := 0.0
	if priceIn > 0 && t.In > 0 {
		c += float64(t.In) * priceIn / 1e6
	}
	if priceOut > 0 && t.Out > 0 {
		c += float64(t.Out) * priceOut / 1e6
	}
	// Trim float noise; costs are reported to the micro-cent.
	return math.Round(c*1e10) / 1e10
}

// intValue converts a decoded JSON number into a non-negative int
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return clamp(int64(n)), true
	case int:
		return clamp(int64(n)), true
	case int64:
		return clamp(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			i = int64(f)
		}
		return clamp(i), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return clamp(i), true
	}
	return 0, false
}

func clamp(i int64) int {
	if i < 0 {
		return 0
	}
	return int(i)
}
