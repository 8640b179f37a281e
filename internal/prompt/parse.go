package prompt

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
)

// Judgement is a parsed judge answer.
type Judgement struct {
	Verdict  domain.Verdict
	Reason   string
	Priority domain.Priority
}

// Passed reports a PASS verdict.
func (j *Judgement) Passed() bool {
	return j != nil && j.Verdict == domain.VerdictPass
}

type rawJudgement struct {
	Verdict  string `json:"verdict"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

// ParseJudgement decodes a judge answer. The answer must be one JSON object
// with a PASS or FAIL verdict; anything else is a structured output error.
// A missing priority defaults to HIGH.
func ParseJudgement(text string) (*Judgement, error) {
	body := stripFences(text)
	if body == "" {
		return nil, domain.ErrStructuredOutput("judge returned an empty response", nil)
	}

	var raw rawJudgement
	if err := decodeObject(body, &raw); err != nil {
		return nil, domain.ErrStructuredOutput("judge returned invalid JSON", err)
	}

	verdict, ok := domain.ParseVerdict(raw.Verdict)
	if !ok {
		return nil, domain.ErrStructuredOutput("judge returned unknown verdict "+quote(raw.Verdict), nil)
	}

	reason := strings.TrimSpace(raw.Reason)
	if reason == "" {
		reason = "no reason given"
	}
	return &Judgement{
		Verdict:  verdict,
		Reason:   reason,
		Priority: domain.ParsePriority(raw.Priority),
	}, nil
}

type rawRewrite struct {
	Persona               *domain.Persona `json:"persona"`
	StyleGuide            *[]string       `json:"style_guide"`
	Objectives            *[]string       `json:"objectives"`
	OperationalGuidelines *[]string       `json:"operational_guidelines"`
}

// ParseRewrite merges a rewrite of the mutable prompt fields into base.
// Fields absent from the answer keep their base value. An answer that is not
// a JSON object, or that names none of the mutable fields, is rejected.
func ParseRewrite(text string, base domain.PromptSpec) (domain.PromptSpec, error) {
	body := stripFences(text)
	if body == "" {
		return domain.PromptSpec{}, domain.ErrStructuredOutput("rewrite is empty", nil)
	}

	var raw rawRewrite
	if err := decodeObject(body, &raw); err != nil {
		return domain.PromptSpec{}, domain.ErrStructuredOutput("rewrite is not valid JSON", err)
	}
	if raw.Persona == nil && raw.StyleGuide == nil && raw.Objectives == nil && raw.OperationalGuidelines == nil {
		return domain.PromptSpec{}, domain.ErrStructuredOutput("rewrite contains no prompt fields", nil)
	}

	out := base.Clone()
	if raw.Persona != nil {
		if strings.TrimSpace(raw.Persona.Role) != "" {
			out.Persona.Role = raw.Persona.Role
		}
		if strings.TrimSpace(raw.Persona.Tone) != "" {
			out.Persona.Tone = raw.Persona.Tone
		}
	}
	if raw.StyleGuide != nil {
		out.StyleGuide = *raw.StyleGuide
	}
	if raw.Objectives != nil {
		out.Objectives = *raw.Objectives
	}
	if raw.OperationalGuidelines != nil {
		out.OperationalGuidelines = *raw.OperationalGuidelines
	}
	return out, nil
}

// stripFences removes a Markdown code fence around a JSON answer.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decodeObject decodes exactly one JSON object.
func decodeObject(body string, v any) error {
	if !strings.HasPrefix(body, "{") {
		return errors.New("expected a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func quote(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return `"` + s + `"`
}
