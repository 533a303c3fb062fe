/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package templates

import (
	"regexp"
	"strings"

	"github.com/PivotLLM/Surveyor/global"
)

var (
	yesValues = map[string]bool{"yes": true, "y": true, "true": true}
	noValues  = map[string]bool{"no": true, "n": true, "false": true}
	naValues  = map[string]bool{
		"n/a": true, "na": true, "n.a.": true, "n.a": true, "not applicable": true,
	}
	unknownValues = map[string]bool{
		"unknown": true, "n/a": true, "na": true, "n.a.": true, "none": true, "not applicable": true,
		"unclear": true, "not known": true, "-": true, "not available": true,
	}
	noFlagValues = map[string]bool{
		"": true, "none": true, "n/a": true, "na": true, "no issues": true, "no issue": true, "no flag": true,
	}

	dateTimePrefix = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[T ]`)

	// flagIndex maps a squashed vocabulary entry to its canonical spelling
	flagIndex = func() map[string]string {
		idx := make(map[string]string, len(global.FlagVocabulary))
		for _, f := range global.FlagVocabulary {
			idx[squash(f)] = f
		}
		return idx
	}()
)

// foldKey lower-cases and trims a value for vocabulary lookups, ignoring a trailing period
func foldKey(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// Normalize returns a copy of fields with canonical values. Unknown keys are
// copied unchanged. Normalizing an already-normalized map is a no-op.
func Normalize(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	for _, key := range global.CanonicalFields {
		v, present := out[key]
		if !present {
			continue
		}
		if v == nil {
			v = ""
		}
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}

		switch key {
		case global.FieldAnswer:
			v = normalizeAnswer(v)
		case global.FieldReforms:
			v = normalizeReforms(v)
		case global.FieldDateOfEnactment, global.FieldDateOfEnforcement:
			v = normalizeDate(v)
		case global.FieldFlag:
			v = normalizeFlag(v)
		}
		out[key] = v
	}
	return out
}

func normalizeAnswer(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return global.AnswerYes
		}
		return global.AnswerNo
	case string:
		k := foldKey(t)
		switch {
		case yesValues[k]:
			return global.AnswerYes
		case noValues[k]:
			return global.AnswerNo
		case naValues[k]:
			return global.AnswerNA
		}
		return t
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			if s, ok := item.(string); ok {
				items[i] = strings.TrimSpace(s)
			} else {
				items[i] = item
			}
		}
		return items
	}
	return v
}

func normalizeReforms(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return global.AnswerYes
		}
		return global.AnswerNo
	case string:
		k := foldKey(t)
		switch {
		case yesValues[k]:
			return global.AnswerYes
		case noValues[k]:
			return global.AnswerNo
		case unknownValues[k]:
			return ""
		}
		return t
	}
	return v
}

func normalizeDate(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if m := dateTimePrefix.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if unknownValues[foldKey(s)] {
		return ""
	}
	return s
}

func normalizeFlag(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if noFlagValues[foldKey(s)] {
		return global.FlagNone
	}
	if canonical, ok := flagIndex[squash(s)]; ok {
		return canonical
	}
	return s
}
