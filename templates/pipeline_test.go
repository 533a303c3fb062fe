/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package templates

import (
	"testing"

	"github.com/PivotLLM/Surveyor/global"
)

func TestProcess(t *testing.T) {
	v := New(nil)

	tests := []struct {
		name         string
		raw          string
		answerType   string
		wantStrategy string
		recovered    bool
		valid        bool
		wantAnswer   any
	}{
		{
			name: "labeled yes folds and validates",
			raw: "Answer: YES\nLegal basis: Act\nURL: https://a\nReforms: unknown\nDate of enactment: 2019-01-01T00:00:00Z\n" +
				"Date of enforcement: n/a\nComments: none\nFlag: no issues",
			answerType:   global.AnswerTypeBooleanYesNo,
			wantStrategy: StrategyLabeled,
			recovered:    true,
			valid:        true,
			wantAnswer:   global.AnswerYes,
		},
		{
			name:         "labeled maybe is recovered but invalid",
			raw:          "Answer: maybe\nFlag: None",
			answerType:   global.AnswerTypeBooleanYesNo,
			wantStrategy: StrategyLabeled,
			recovered:    true,
			valid:        false,
			wantAnswer:   "maybe",
		},
		{
			name:         "object missing keys is invalid",
			raw:          "```json\n{\"answer\": \"42\"}\n```",
			answerType:   global.AnswerTypeInteger,
			wantStrategy: StrategyObject,
			recovered:    true,
			valid:        false,
			wantAnswer:   "42",
		},
		{
			name:       "nothing recoverable",
			raw:        "I am unable to help with that.",
			answerType: global.AnswerTypeText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := v.Process(tt.raw, tt.answerType)
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if out.Recovered() != tt.recovered {
				t.Fatalf("Recovered() = %v, want %v", out.Recovered(), tt.recovered)
			}
			if out.Valid() != tt.valid {
				t.Errorf("Valid() = %v, want %v (%s)", out.Valid(), tt.valid, out.Validation.Summary())
			}
			if out.Strategy != tt.wantStrategy {
				t.Errorf("Strategy = %q, want %q", out.Strategy, tt.wantStrategy)
			}
			if tt.recovered && out.Fields[global.FieldAnswer] != tt.wantAnswer {
				t.Errorf("answer = %#v, want %#v", out.Fields[global.FieldAnswer], tt.wantAnswer)
			}
		})
	}
}
