/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package llm

import (
	"strings"
)

// extractor pulls answer text from a decoded response body, or returns ""
type extractor func(doc map[string]any) string

// firstText runs extractors in order and returns the first non-empty result
func firstText(doc map[string]any, extractors []extractor) string {
	for _, extract := range extractors {
		if text := strings.TrimSpace(extract(doc)); text != "" {
			return text
		}
	}
	return ""
}

// dig walks a decoded JSON document by map keys (string) and list indexes (int)
func dig(v any, path ...any) any {
	for _, step := range path {
		switch key := step.(type) {
		case string:
			m, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			v = m[key]
		case int:
			list, ok := v.([]any)
			if !ok || key < 0 || key >= len(list) {
				return nil
			}
			v = list[key]
		default:
			return nil
		}
	}
	return v
}

// str returns v if it is a string
func str(v any) string {
	s, _ := v.(string)
	return s
}

// joinBlocks concatenates the text of a list of content blocks. Blocks with a
// type other than the accepted ones are skipped; blocks without a type count.
func joinBlocks(v any, accepted ...string) string {
	list, ok := v.([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range list {
		block, ok := item.(map[string]any)
		if !ok {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
			continue
		}
		if t := str(block["type"]); t != "" && len(accepted) > 0 && !contains(accepted, t) {
			continue
		}
		if text := str(block["text"]); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "")
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// usageMap returns the usage object at key, or nil
func usageMap(doc map[string]any, key string) map[string]any {
	m, _ := doc[key].(map[string]any)
	return m
}

// vendorErrorMessage returns the error message carried by an error payload,
// or "" if the document is not an error
func vendorErrorMessage(doc map[string]any) (string, bool) {
	if e, ok := doc["error"]; ok && e != nil {
		switch v := e.(type) {
		case string:
			return v, true
		case map[string]any:
			if msg := str(v["message"]); msg != "" {
				return msg, true
			}
			if status := str(v["status"]); status != "" {
				return status, true
			}
			return "error", true
		}
		return "error", true
	}
	if str(doc["type"]) == "error" {
		return "error", true
	}
	return "", false
}
