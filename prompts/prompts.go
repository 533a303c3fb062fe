/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package prompts renders question prompt versions and appends the
// line-oriented response contract sent to every provider.
package prompts

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PivotLLM/Surveyor/global"
)

// placeholder matches {{name}} with optional inner spaces
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_]+)\s*\}\}`)

// Context carries the entities a prompt is rendered for
type Context struct {
	Economy  *global.Economy
	Question *global.Question
	Batch    *global.Batch
}

// Prompt is an assembled prompt split into its audited parts
type Prompt struct {
	QuestionPrompt string // rendered prompt version text
	Contract       string // response contract block
	Evidence       string // optional retrieval evidence block
}

// Full returns the text sent to the provider
func (p Prompt) Full() string {
	var sb strings.Builder
	sb.WriteString(p.QuestionPrompt)
	sb.WriteString("\n\n")
	sb.WriteString(p.Contract)
	if p.Evidence != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p.Evidence)
	}
	return sb.String()
}

// Values returns the placeholder values for a context, keyed by lower-case name
func Values(c Context) map[string]string {
	v := make(map[string]string)
	if c.Economy != nil {
		v["economy"] = c.Economy.Name
		v["economy_name"] = c.Economy.Name
		v["country"] = c.Economy.Name
		v["jurisdiction"] = c.Economy.Name
		v["economy_code"] = c.Economy.Code
	}
	if c.Question != nil {
		v["question"] = c.Question.Text
		v["question_text"] = c.Question.Text
		v["indicator"] = c.Question.Indicator
		v["pillar"] = c.Question.Pillar
		v["group"] = c.Question.Group
		v["subgroup"] = c.Question.Subgroup
	}
	if c.Batch != nil {
		v["year"] = ""
		if c.Batch.Year > 0 {
			v["year"] = strconv.Itoa(c.Batch.Year)
		}
		v["as_of_date"] = c.Batch.AsOfDate
	}
	return v
}

// Render substitutes known placeholders in text. Names are matched
// case-insensitively; unknown placeholders are left as written.
func Render(text string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.ToLower(placeholder.FindStringSubmatch(m)[1])
		if value, ok := values[name]; ok {
			return value
		}
		return m
	})
}

// Assemble renders the prompt version text and builds the response contract
func Assemble(promptText string, c Context) Prompt {
	return Prompt{
		QuestionPrompt: strings.TrimSpace(Render(promptText, Values(c))),
		Contract:       Contract(c),
	}
}

// answerHint describes the expected answer value per answer type
func answerHint(answerType string) string {
	switch answerType {
	case global.AnswerTypeBooleanYesNo:
		return "Yes, No or N/A"
	case global.AnswerTypeInteger:
		return "a whole number, or N/A"
	case global.AnswerTypeSingleSelect:
		return "exactly one of the options named in the question"
	case global.AnswerTypeMultiSelect:
		return "every applicable option named in the question, separated by semicolons"
	default:
		return "a concise answer"
	}
}

// Contract returns the response instructions appended after the question prompt
func Contract(c Context) string {
	var sb strings.Builder

	sb.WriteString("=== RESPONSE INSTRUCTIONS ===\n\n")
	if c.Economy != nil {
		sb.WriteString(fmt.Sprintf("Economy: %s\n", c.Economy.Name))
	}
	answerType := global.AnswerTypeText
	if c.Question != nil {
		sb.WriteString(fmt.Sprintf("Question: %s\n", c.Question.Text))
		if c.Question.AnswerType != "" {
			answerType = c.Question.AnswerType
		}
	}
	if c.Batch != nil {
		if c.Batch.Year > 0 {
			sb.WriteString(fmt.Sprintf("Reporting year: %d\n", c.Batch.Year))
		}
		if c.Batch.AsOfDate != "" {
			sb.WriteString(fmt.Sprintf("Law as of: %s\n", c.Batch.AsOfDate))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("Respond using exactly the template below, one field per line, in this order.\n")
	sb.WriteString("Do not return JSON. Do not wrap the response in code fences or add any other text.\n")
	sb.WriteString("Leave a value empty if it does not apply.\n\n")

	sb.WriteString(fmt.Sprintf("Answer: <%s>\n", answerHint(answerType)))
	sb.WriteString("Legal basis: <name of the law and the relevant article or section>\n")
	sb.WriteString("URL: <link to the official source of the legal text>\n")
	sb.WriteString("Reforms: <Yes or No, whether the law was reformed recently>\n")
	sb.WriteString("Date of enactment: <YYYY-MM-DD>\n")
	sb.WriteString("Date of enforcement: <YYYY-MM-DD>\n")
	sb.WriteString("Comments: <brief context supporting the answer>\n")
	sb.WriteString(fmt.Sprintf("Flag: <one of: %s>\n", strings.Join(global.FlagVocabulary, ", ")))

	return sb.String()
}
