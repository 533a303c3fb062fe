/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package templates recovers structured answer fields from model output,
// normalizes them and validates them against the question's answer-type contract.
package templates

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/PivotLLM/Surveyor/global"
	"github.com/PivotLLM/Surveyor/logging"
)

// Validator validates field maps against per-answer-type JSON schemas
type Validator struct {
	logger      *logging.Logger
	mu          sync.Mutex
	schemaCache map[string]*gojsonschema.Schema
}

// ValidationResult represents the result of a validation
type ValidationResult struct {
	Valid     bool     `json:"valid"`
	Errors    []string `json:"errors,omitempty"`     // User-friendly error messages
	RawErrors []string `json:"raw_errors,omitempty"` // Original error messages from validator
}

// Summary joins the user-friendly errors into one line
func (r *ValidationResult) Summary() string {
	if r == nil || len(r.Errors) == 0 {
		return ""
	}
	return strings.Join(r.Errors, "; ")
}

// New creates a new Validator
func New(logger *logging.Logger) *Validator {
	return &Validator{
		logger:      logger,
		schemaCache: make(map[string]*gojsonschema.Schema),
	}
}

// contractAnswerType maps unknown answer types to text
func contractAnswerType(answerType string) string {
	switch answerType {
	case global.AnswerTypeBooleanYesNo, global.AnswerTypeInteger, global.AnswerTypeText,
		global.AnswerTypeSingleSelect, global.AnswerTypeMultiSelect:
		return answerType
	}
	return global.AnswerTypeText
}

// answerSchema returns the JSON schema fragment constraining the answer field
func answerSchema(answerType string) map[string]any {
	switch answerType {
	case global.AnswerTypeBooleanYesNo:
		return map[string]any{
			"type": "string",
			"enum": []string{global.AnswerYes, global.AnswerNo, global.AnswerNA},
		}
	case global.AnswerTypeInteger:
		return map[string]any{
			"anyOf": []any{
				map[string]any{"type": "number"},
				map[string]any{"type": "string", "pattern": `^[+-]?\d+$`},
				map[string]any{"type": "string", "enum": []string{global.AnswerNA}},
			},
		}
	case global.AnswerTypeMultiSelect:
		return map[string]any{
			"anyOf": []any{
				map[string]any{"type": "string"},
				map[string]any{"type": "array"},
			},
		}
	default:
		return map[string]any{"type": "string"}
	}
}

// ContractSchema returns the JSON schema for the given answer type
func ContractSchema(answerType string) string {
	answerType = contractAnswerType(answerType)
	date := map[string]any{"type": "string", "pattern": `^(\d{4}-\d{2}-\d{2})?$`}
	schema := map[string]any{
		"type":     "object",
		"required": global.CanonicalFields,
		"properties": map[string]any{
			global.FieldAnswer:            answerSchema(answerType),
			global.FieldDateOfEnactment:   date,
			global.FieldDateOfEnforcement: date,
			global.FieldReforms: map[string]any{
				"type": "string",
				"enum": []string{"", global.AnswerYes, global.AnswerNo},
			},
			global.FieldFlag: map[string]any{
				"type": "string",
				"enum": global.FlagVocabulary,
			},
		},
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		// Static structure; cannot fail
		panic(err)
	}
	return string(data)
}

// schemaFor returns the compiled, cached schema for an answer type
func (v *Validator) schemaFor(answerType string) (*gojsonschema.Schema, error) {
	answerType = contractAnswerType(answerType)

	v.mu.Lock()
	defer v.mu.Unlock()

	if schema, ok := v.schemaCache[answerType]; ok {
		return schema, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ContractSchema(answerType)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema for %s: %w", answerType, err)
	}
	v.schemaCache[answerType] = schema
	return schema, nil
}

// ValidateFields validates a normalized field map against the answer-type contract
func (v *Validator) ValidateFields(fields map[string]any, answerType string) (*ValidationResult, error) {
	schema, err := v.schemaFor(answerType)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	validationResult := &ValidationResult{
		Valid: result.Valid(),
	}

	if !result.Valid() {
		for _, desc := range result.Errors() {
			rawError := desc.String()
			validationResult.RawErrors = append(validationResult.RawErrors, rawError)
			validationResult.Errors = append(validationResult.Errors, formatValidationError(rawError))
		}
		v.logger.Debugf("Contract validation (%s) failed: %s", answerType, validationResult.Summary())
	}

	return validationResult, nil
}

// formatValidationError converts technical validation errors to user-friendly messages
func formatValidationError(rawError string) string {
	// Common patterns from gojsonschema:
	// "(root): flag is required" -> "Missing required field: flag"
	// "answer: answer must be one of the following: ..." -> "Field 'answer': must be one of the following: ..."
	// "answer: Must validate at least one schema (anyOf)" -> "Field 'answer': does not match the answer type"
	// "date_of_enactment: Does not match pattern ..." -> "Field 'date_of_enactment': expected YYYY-MM-DD"

	// Handle "is required" errors
	if strings.Contains(rawError, "is required") {
		parts := strings.SplitN(rawError, ": ", 2)
		if len(parts) == 2 {
			fieldName := strings.TrimSuffix(parts[1], " is required")
			return fmt.Sprintf("Missing required field: %s", fieldName)
		}
	}

	// Handle "Invalid type" errors
	if strings.Contains(rawError, "Invalid type") {
		parts := strings.SplitN(rawError, ": Invalid type. ", 2)
		if len(parts) == 2 {
			field := parts[0]
			if field == "(root)" {
				field = "root object"
			}
			typeInfo := strings.ReplaceAll(parts[1], "Expected: ", "expected ")
			typeInfo = strings.ReplaceAll(typeInfo, ", given: ", ", got ")
			return fmt.Sprintf("Field '%s': %s", field, typeInfo)
		}
	}

	// Handle enum errors
	if strings.Contains(rawError, "must be one of the following") {
		parts := strings.SplitN(rawError, ": ", 2)
		if len(parts) == 2 {
			detail := strings.TrimPrefix(parts[1], parts[0]+" ")
			return fmt.Sprintf("Field '%s': %s", parts[0], detail)
		}
	}

	// Handle pattern errors (dates)
	if strings.Contains(rawError, "Does not match pattern") {
		parts := strings.SplitN(rawError, ": ", 2)
		if len(parts) == 2 {
			if parts[0] == global.FieldDateOfEnactment || parts[0] == global.FieldDateOfEnforcement {
				return fmt.Sprintf("Field '%s': expected a YYYY-MM-DD date or empty", parts[0])
			}
			return fmt.Sprintf("Field '%s': %s", parts[0], parts[1])
		}
	}

	// Handle anyOf errors (integer, multi_select answers)
	if strings.Contains(rawError, "Must validate at least one schema") {
		parts := strings.SplitN(rawError, ": ", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("Field '%s': value does not match the question's answer type", parts[0])
		}
	}

	// Default: clean up (root) prefix at minimum
	if strings.HasPrefix(rawError, "(root): ") {
		return strings.TrimPrefix(rawError, "(root): ")
	}
	if strings.HasPrefix(rawError, "(root).") {
		return strings.TrimPrefix(rawError, "(root).")
	}

	return rawError
}
