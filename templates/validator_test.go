/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package templates

import (
	"strings"
	"sync"
	"testing"

	"github.com/PivotLLM/Surveyor/global"
)

// validFields returns a normalized field map that passes every contract
func validFields(answer any) map[string]any {
	return map[string]any{
		global.FieldAnswer:            answer,
		global.FieldLegalBasis:        "Act 1",
		global.FieldURL:               "https://example.org",
		global.FieldReforms:           "",
		global.FieldDateOfEnactment:   "2019-11-08",
		global.FieldDateOfEnforcement: "",
		global.FieldComments:          "",
		global.FieldFlag:              global.FlagNone,
	}
}

func TestValidateFieldsAnswerTypes(t *testing.T) {
	v := New(nil)

	tests := []struct {
		name       string
		answerType string
		answer     any
		valid      bool
	}{
		{"yesno Yes", global.AnswerTypeBooleanYesNo, "Yes", true},
		{"yesno N/A", global.AnswerTypeBooleanYesNo, "N/A", true},
		{"yesno maybe", global.AnswerTypeBooleanYesNo, "maybe", false},
		{"yesno lower", global.AnswerTypeBooleanYesNo, "yes", false},
		{"integer number", global.AnswerTypeInteger, float64(30), true},
		{"integer digit string", global.AnswerTypeInteger, "+30", true},
		{"integer negative string", global.AnswerTypeInteger, "-2", true},
		{"integer N/A", global.AnswerTypeInteger, "N/A", true},
		{"integer words", global.AnswerTypeInteger, "thirty", false},
		{"integer decimal string", global.AnswerTypeInteger, "3.5", false},
		{"text string", global.AnswerTypeText, "anything", true},
		{"text list", global.AnswerTypeText, []any{"a"}, false},
		{"single_select string", global.AnswerTypeSingleSelect, "Option A", true},
		{"multi_select string", global.AnswerTypeMultiSelect, "A; B", true},
		{"multi_select list", global.AnswerTypeMultiSelect, []any{"A", "B"}, true},
		{"multi_select number", global.AnswerTypeMultiSelect, float64(1), false},
		{"unknown type treated as text", "likert", "Strongly agree", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.ValidateFields(validFields(tt.answer), tt.answerType)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v (errors: %v)", result.Valid, tt.valid, result.Errors)
			}
			if !tt.valid && result.Summary() == "" {
				t.Error("invalid result without an error message")
			}
		})
	}
}

func TestValidateFieldsCommonRules(t *testing.T) {
	v := New(nil)

	tests := []struct {
		name    string
		mutate  func(map[string]any)
		valid   bool
		wantMsg string
	}{
		{"baseline", func(map[string]any) {}, true, ""},
		{"missing flag", func(f map[string]any) { delete(f, global.FieldFlag) }, false, "Missing required field: flag"},
		{"missing comments", func(f map[string]any) { delete(f, global.FieldComments) }, false, "Missing required field: comments"},
		{"bad date", func(f map[string]any) { f[global.FieldDateOfEnactment] = "08/11/2019" }, false, "date_of_enactment"},
		{"date with time", func(f map[string]any) { f[global.FieldDateOfEnforcement] = "2019-11-08T00:00:00Z" }, false, "date_of_enforcement"},
		{"reforms yes", func(f map[string]any) { f[global.FieldReforms] = "Yes" }, true, ""},
		{"reforms other", func(f map[string]any) { f[global.FieldReforms] = "pending" }, false, "reforms"},
		{"flag vocabulary", func(f map[string]any) { f[global.FieldFlag] = global.FlagAmbiguousLaw }, true, ""},
		{"flag outside vocabulary", func(f map[string]any) { f[global.FieldFlag] = "Urgent" }, false, "flag"},
		{"extra keys allowed", func(f map[string]any) { f["confidence"] = "high" }, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validFields(global.AnswerYes)
			tt.mutate(fields)
			result, err := v.ValidateFields(fields, global.AnswerTypeBooleanYesNo)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Valid != tt.valid {
				t.Fatalf("Valid = %v, want %v (errors: %v)", result.Valid, tt.valid, result.Errors)
			}
			if tt.wantMsg != "" && !strings.Contains(result.Summary(), tt.wantMsg) {
				t.Errorf("Summary() = %q, want it to contain %q", result.Summary(), tt.wantMsg)
			}
		})
	}
}

func TestValidateFieldsConcurrentCache(t *testing.T) {
	v := New(nil)
	types := []string{global.AnswerTypeBooleanYesNo, global.AnswerTypeInteger, global.AnswerTypeText, global.AnswerTypeMultiSelect}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := v.ValidateFields(validFields("N/A"), types[i%len(types)]); err != nil {
				t.Errorf("ValidateFields: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(v.schemaCache) != len(types) {
		t.Errorf("schema cache size = %d, want %d", len(v.schemaCache), len(types))
	}
}

func TestFormatValidationError(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"(root): flag is required", "Missing required field: flag"},
		{`answer: answer must be one of the following: "Yes", "No", "N/A"`, `Field 'answer': must be one of the following: "Yes", "No", "N/A"`},
		{"date_of_enactment: Does not match pattern '^(\\d{4}-\\d{2}-\\d{2})?$'", "Field 'date_of_enactment': expected a YYYY-MM-DD date or empty"},
		{"answer: Must validate at least one schema (anyOf)", "Field 'answer': value does not match the question's answer type"},
		{"answer: Invalid type. Expected: string, given: array", "Field 'answer': expected string, got array"},
		{"(root): something else", "something else"},
	}
	for _, tt := range tests {
		if got := formatValidationError(tt.raw); got != tt.want {
			t.Errorf("formatValidationError(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestContractSchemaRequiresAllFields(t *testing.T) {
	schema := ContractSchema(global.AnswerTypeText)
	for _, key := range global.CanonicalFields {
		if !strings.Contains(schema, `"`+key+`"`) {
			t.Errorf("schema does not mention %q", key)
		}
	}
}
