/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package templates

import (
	"reflect"
	"testing"

	"github.com/PivotLLM/Surveyor/global"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		in    any
		want  any
	}{
		{"answer YES", global.FieldAnswer, "YES", global.AnswerYes},
		{"answer y", global.FieldAnswer, " y ", global.AnswerYes},
		{"answer true string", global.FieldAnswer, "True", global.AnswerYes},
		{"answer bool", global.FieldAnswer, false, global.AnswerNo},
		{"answer no period", global.FieldAnswer, "No.", global.AnswerNo},
		{"answer n/a", global.FieldAnswer, "not applicable", global.AnswerNA},
		{"answer na", global.FieldAnswer, "NA", global.AnswerNA},
		{"answer free text", global.FieldAnswer, " 14 days ", "14 days"},
		{"answer number kept", global.FieldAnswer, float64(12), float64(12)},
		{"answer nil", global.FieldAnswer, nil, ""},
		{"reforms yes", global.FieldReforms, "yes", global.AnswerYes},
		{"reforms unknown", global.FieldReforms, "Unknown", ""},
		{"reforms none", global.FieldReforms, "none", ""},
		{"reforms other kept", global.FieldReforms, "pending bill", "pending bill"},
		{"date with time", global.FieldDateOfEnactment, "2019-11-08T00:00:00Z", "2019-11-08"},
		{"date with space time", global.FieldDateOfEnforcement, "2020-01-02 10:00", "2020-01-02"},
		{"date n/a", global.FieldDateOfEnactment, "N/A", ""},
		{"date plain", global.FieldDateOfEnactment, "2019-11-08", "2019-11-08"},
		{"date free text kept", global.FieldDateOfEnactment, "November 2019", "November 2019"},
		{"flag none", global.FieldFlag, "none", global.FlagNone},
		{"flag no issues", global.FieldFlag, "No issues", global.FlagNone},
		{"flag empty", global.FieldFlag, "", global.FlagNone},
		{"flag case folded", global.FieldFlag, "needs FOLLOW-UP", global.FlagNeedsFollowUp},
		{"flag spacing folded", global.FieldFlag, "conflicting  sources", global.FlagConflictingSources},
		{"flag unknown kept", global.FieldFlag, "Urgent", "Urgent"},
		{"url trimmed", global.FieldURL, "  https://a.b  ", "https://a.b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(map[string]any{tt.key: tt.in})
			if !reflect.DeepEqual(got[tt.key], tt.want) {
				t.Errorf("Normalize(%s=%#v) = %#v, want %#v", tt.key, tt.in, got[tt.key], tt.want)
			}
		})
	}
}

func TestNormalizeKeepsUnknownKeysAndInput(t *testing.T) {
	in := map[string]any{global.FieldAnswer: "yes", "confidence": "high"}
	out := Normalize(in)
	if out["confidence"] != "high" {
		t.Errorf("unknown key lost: %v", out)
	}
	if in[global.FieldAnswer] != "yes" {
		t.Error("Normalize mutated its input")
	}
	if _, ok := out[global.FieldFlag]; ok {
		t.Error("Normalize added an absent key")
	}
	if Normalize(nil) != nil {
		t.Error("Normalize(nil) != nil")
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []map[string]any{
		{
			global.FieldAnswer: "YES", global.FieldLegalBasis: " Act ", global.FieldURL: "",
			global.FieldReforms: "unknown", global.FieldDateOfEnactment: "2019-11-08T00:00:00Z",
			global.FieldDateOfEnforcement: "n/a", global.FieldComments: nil, global.FieldFlag: "no issues",
		},
		{global.FieldAnswer: []any{" a ", "b"}, global.FieldFlag: "translation needed"},
		{global.FieldAnswer: "maybe", global.FieldReforms: "partly", global.FieldFlag: "???"},
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("Normalize not idempotent:\nonce  %#v\ntwice %#v", once, twice)
		}
	}
}
