/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package templates

// Outcome is the result of running raw model text through recovery,
// normalization and contract validation
type Outcome struct {
	Fields     map[string]any    // normalized fields; nil when nothing was recovered
	Strategy   string            // StrategyObject, StrategyLabeled or ""
	Validation *ValidationResult // nil when nothing was recovered
}

// Recovered reports whether any structured fields were found
func (o *Outcome) Recovered() bool {
	return o != nil && o.Fields != nil
}

// Valid reports whether fields were recovered and passed validation
func (o *Outcome) Valid() bool {
	return o.Recovered() && o.Validation != nil && o.Validation.Valid
}

// Process recovers, normalizes and validates raw model output
func (v *Validator) Process(raw, answerType string) (*Outcome, error) {
	fields, strategy := Recover(raw)
	if fields == nil {
		v.logger.Debugf("No structured fields recovered from %d bytes of output", len(raw))
		return &Outcome{}, nil
	}

	normalized := Normalize(fields)
	result, err := v.ValidateFields(normalized, answerType)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Fields:     normalized,
		Strategy:   strategy,
		Validation: result,
	}, nil
}
