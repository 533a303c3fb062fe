/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package templates

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/PivotLLM/Surveyor/global"
)

// Recovery strategy names recorded on results
const (
	StrategyObject  = "object"
	StrategyLabeled = "labeled"
)

// fieldAliases maps each canonical key to the labels models use for it
var fieldAliases = map[string][]string{
	global.FieldAnswer:            {"answer"},
	global.FieldLegalBasis:        {"legal basis", "legal citation", "citation"},
	global.FieldURL:               {"url", "link", "source url", "source"},
	global.FieldReforms:           {"reforms", "recent reforms"},
	global.FieldDateOfEnactment:   {"date of enactment", "enactment date"},
	global.FieldDateOfEnforcement: {"date of enforcement", "enforcement date"},
	global.FieldComments:          {"comments", "comment", "notes", "context"},
	global.FieldFlag:              {"flag", "issue"},
}

// aliasIndex maps a squashed label (letters and digits only) to its canonical key
var aliasIndex = func() map[string]string {
	idx := make(map[string]string)
	for key, aliases := range fieldAliases {
		idx[squash(key)] = key
		for _, a := range aliases {
			idx[squash(a)] = key
		}
	}
	return idx
}()

// labelLine matches "- **Legal basis**: value" style lines. A dash separator
// needs whitespace on both sides so "Source-country ..." stays a plain line.
var labelLine = func() *regexp.Regexp {
	var labels []string
	for _, aliases := range fieldAliases {
		labels = append(labels, aliases...)
	}
	// Longest first so "legal citation" wins over "citation"
	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) > len(labels[j])
		}
		return labels[i] < labels[j]
	})
	alts := make([]string, len(labels))
	for i, l := range labels {
		alts[i] = strings.ReplaceAll(regexp.QuoteMeta(l), " ", `[\s_]+`)
	}
	return regexp.MustCompile(`(?i)^\s*(?:[-*•+]\s+|\d+[.)]\s+)?(?:\*\*|__)?\s*(` +
		strings.Join(alts, "|") + `)\s*(?:\*\*|__)?(?:\s*[:=]|\s+[-–—](?:\s|$))\s*(?:\*\*|__)?\s*(.*?)\s*$`)
}()

// squash lower-cases s and drops everything but letters and digits
func squash(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalKey maps a field label to its canonical key, or "" if unknown
func CanonicalKey(label string) string {
	return aliasIndex[squash(label)]
}

// Recover extracts a field map from raw model text, trying object recovery
// and then labeled-template recovery. Returns nil and "" when both fail.
func Recover(raw string) (map[string]any, string) {
	if fields := RecoverObject(raw); fields != nil {
		return fields, StrategyObject
	}
	if fields := RecoverLabeled(raw); fields != nil {
		return fields, StrategyLabeled
	}
	return nil, ""
}

// RecoverObject parses raw text as a single JSON object, or failing that the
// first balanced {...} span. Code fences are stripped first. Smart quotes and
// trailing commas are repaired only when the text does not parse as is, so
// curly quotes inside valid string values survive. Known keys are canonicalized.
func RecoverObject(raw string) map[string]any {
	text := stripCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return nil
	}
	obj := parseObjectOrSpan(text)
	if obj == nil {
		obj = parseObjectOrSpan(cleanJSONText(text))
	}
	if obj == nil {
		return nil
	}
	return canonicalizeKeys(unwrapTextWrapper(obj))
}

// parseObjectOrSpan parses s whole, then its first balanced object span
func parseObjectOrSpan(s string) map[string]any {
	if obj := parseObject(s); obj != nil {
		return obj
	}
	if span := firstBalancedObject(s); span != "" && span != s {
		return parseObject(span)
	}
	return nil
}

// cleanJSONText applies the smart-quote and trailing-comma repairs
func cleanJSONText(s string) string {
	return removeTrailingCommas(normalizeQuotes(s))
}

func parseObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil
	}
	return obj
}

// unwrapTextWrapper unwraps {"text": "<object>"} envelopes
func unwrapTextWrapper(obj map[string]any) map[string]any {
	if len(obj) != 1 {
		return obj
	}
	inner, ok := obj["text"].(string)
	if !ok {
		return obj
	}
	inner = stripCodeFence(strings.TrimSpace(inner))
	if nested := parseObject(inner); nested != nil {
		return nested
	}
	if nested := parseObject(cleanJSONText(inner)); nested != nil {
		return nested
	}
	return obj
}

func canonicalizeKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if ck := CanonicalKey(k); ck != "" {
			// An exact canonical key beats an alias for the same field
			if _, exists := out[ck]; exists && k != ck {
				continue
			}
			out[ck] = v
			continue
		}
		out[k] = v
	}
	return out
}

// stripCodeFence returns the body of the first ``` fenced block, or s unchanged
func stripCodeFence(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return s
	}
	body := s[start+3:]
	// Drop the info string (e.g. json) on the opening line
	if nl := strings.IndexByte(body, '\n'); nl != -1 {
		body = body[nl+1:]
	} else {
		return s
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
	"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'",
)

func normalizeQuotes(s string) string {
	return quoteReplacer.Replace(s)
}

// removeTrailingCommas drops commas that directly precede } or ], outside strings
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// firstBalancedObject returns the first balanced {...} span, honouring string
// and escape state, or "" if none closes
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// RecoverLabeled scans line-oriented "Label: value" text. The result always
// carries every canonical key; nil is returned when no label was found.
func RecoverLabeled(raw string) map[string]any {
	values := make(map[string][]string)
	current := ""
	captured := false

	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "```") {
			continue
		}

		if m := labelLine.FindStringSubmatch(line); m != nil {
			if key := CanonicalKey(m[1]); key != "" {
				// A repeated label continues the field rather than replacing it
				current = key
				captured = true
				if v := trimEmphasis(m[2]); v != "" {
					values[key] = append(values[key], v)
				}
				continue
			}
		}

		if current != "" {
			values[current] = append(values[current], trimmed)
		}
	}

	if !captured {
		return nil
	}

	fields := make(map[string]any, len(global.CanonicalFields))
	for _, key := range global.CanonicalFields {
		fields[key] = strings.Join(values[key], "\n")
	}
	return fields
}

// trimEmphasis removes markdown bold markers wrapping a whole value
func trimEmphasis(v string) string {
	v = strings.TrimSpace(v)
	for _, marker := range []string{"**", "__"} {
		if len(v) > 2*len(marker) && strings.HasPrefix(v, marker) && strings.HasSuffix(v, marker) {
			v = strings.TrimSpace(v[len(marker) : len(v)-len(marker)])
		}
	}
	return v
}
