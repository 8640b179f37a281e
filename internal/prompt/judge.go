package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
)

// System prompts of the judging and rewriting calls.
const (
	AuditorSystem     = "You are a precise JSON-outputting conversation auditor. Do not use Markdown. Output only the JSON object."
	RefinerSystem     = "You are a strict JSON generator. Output only valid JSON."
	PerformanceSystem = "You are a quality judge. Output only the JSON object."
	ComplianceSystem  = "You are a compliance officer. Output only the JSON object."
)

// Rules used when a config carries none.
var (
	DefaultComplianceRules = []string{"Check for helpfulness and accuracy."}
	DefaultQualityRubric   = []string{"Agent provided correct information."}
)

// AuditInput is everything the auditor shows the judge.
type AuditInput struct {
	History     []domain.Turn
	Resources   domain.Resources
	Rules       domain.RuleSet
	UserInput   string
	BotResponse string
}

// Audit renders the three-tier audit prompt: scope safety, then compliance
// rules, then the quality rubric.
func Audit(in AuditInput) string {
	rules := in.Rules.ComplianceRules
	if len(rules) == 0 {
		rules = DefaultComplianceRules
	}
	rubric := in.Rules.QualityRubric
	if len(rubric) == 0 {
		rubric = DefaultQualityRubric
	}

	var b strings.Builder
	b.WriteString("You are a SENTINEL QUALITY AUDITOR for a customer-facing AI agent.\n")
	b.WriteString("Detect ANY failure, hallucination, or missed opportunity in the current exchange.\n\n")

	b.WriteString("### 1. INPUT DATA\n<CONVERSATION_HISTORY>\n")
	for i, turn := range in.History {
		fmt.Fprintf(&b, "Turn %d [%s]: %s\n", i+1, strings.ToUpper(string(turn.Role)), turn.Content)
	}
	b.WriteString("</CONVERSATION_HISTORY>\n\n")
	fmt.Fprintf(&b, "<KNOWLEDGE_BASE>\n%s\n</KNOWLEDGE_BASE>\n\n", in.Resources.KnowledgeBase)
	fmt.Fprintf(&b, "<POLICIES>\n%s\n</POLICIES>\n\n", in.Resources.Policy)
	fmt.Fprintf(&b, "<CURRENT_EXCHANGE_TO_AUDIT>\nUser Input: %q\nBot Response: %q\n</CURRENT_EXCHANGE_TO_AUDIT>\n\n", in.UserInput, in.BotResponse)

	b.WriteString("### 2. STANDARDS\n")
	b.WriteString("PRIORITY 1: SCOPE SAFETY (automatic FAIL)\n")
	b.WriteString("1. The bot MUST NOT answer questions unrelated to its business.\n")
	b.WriteString("2. The bot MUST NOT mention items that are not in the KNOWLEDGE_BASE.\n\n")
	b.WriteString("PRIORITY 2: COMPLIANCE RULES (violating ANY rule is a FAIL)\n")
	writeNumbered(&b, rules)
	b.WriteString("\nPRIORITY 3: QUALITY RUBRIC (FAIL only if materially sub-par)\n")
	for _, item := range rubric {
		fmt.Fprintf(&b, "- %s\n", item)
	}

	b.WriteString("\n### 3. OUTPUT FORMAT\n")
	b.WriteString("Return strictly valid JSON. The reason must be specific enough to fix the agent, ")
	b.WriteString("for example \"Violated rule #1: did not ask for an email\". ")
	b.WriteString("Use HIGH priority for hallucinations and safety violations, MEDIUM for missed logic.\n")
	b.WriteString(`{"verdict": "PASS" or "FAIL", "reason": "...", "priority": "HIGH" or "MEDIUM" or "LOW"}`)
	b.WriteString("\n")
	return b.String()
}

// Refine renders the rewrite request for the mutable prompt fields.
func Refine(failureReason string, current domain.PromptSpec) (string, error) {
	mutable, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt spec: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are an expert AI agent architect.\n")
	b.WriteString("Fix a conversational agent that failed a quality audit.\n\n")
	fmt.Fprintf(&b, "FAILURE REASON:\n%q\n\n", failureReason)
	fmt.Fprintf(&b, "CURRENT MUTABLE CONFIGURATION:\n%s\n\n", mutable)
	b.WriteString("INSTRUCTIONS:\n")
	b.WriteString("1. Analyze the failure reason.\n")
	b.WriteString("2. Modify persona, style_guide, objectives or operational_guidelines to prevent this failure.\n")
	b.WriteString("3. Keep the JSON structure exactly the same.\n")
	b.WriteString("4. Do NOT change the tone unless it caused the failure.\n")
	b.WriteString("5. Add specific guidelines for the edge case described in the failure.\n\n")
	b.WriteString("Return ONLY the JSON of the modified configuration.\n")
	return b.String(), nil
}

// Performance renders the gate 1 judge prompt: does the replayed reply fix
// the stated failure.
func Performance(failureReason, userInput, reply string) string {
	var b strings.Builder
	b.WriteString("JUDGE THIS FIX.\n\n")
	fmt.Fprintf(&b, "ORIGINAL FAILURE REASON: %q\n", failureReason)
	fmt.Fprintf(&b, "USER INPUT: %q\n", userInput)
	fmt.Fprintf(&b, "NEW AGENT RESPONSE: %q\n\n", reply)
	b.WriteString("Did the new response fix the issue and address the failure reason?\n")
	b.WriteString(`Return JSON: {"verdict": "PASS" or "FAIL", "reason": "..."}`)
	b.WriteString("\n")
	return b.String()
}

// Compliance renders the gate 2 judge prompt: does the candidate's prompt
// spec contradict any immutable compliance rule.
func Compliance(rules []string, candidate domain.PromptSpec) (string, error) {
	if len(rules) == 0 {
		rules = DefaultComplianceRules
	}
	spec, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt spec: %w", err)
	}

	var b strings.Builder
	b.WriteString("AUDIT THIS CONFIGURATION.\n\n")
	b.WriteString("IMMUTABLE RULES (must NOT be violated):\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	fmt.Fprintf(&b, "\nNEW CANDIDATE PROMPT CONFIG:\n%s\n\n", spec)
	b.WriteString("Does the new configuration violate ANY of the immutable rules? ")
	b.WriteString("If a rule says \"never apologize\" and the prompt says \"apologize profusely\", that is a FAIL.\n")
	b.WriteString(`Return JSON: {"verdict": "PASS" or "FAIL", "reason": "..."}`)
	b.WriteString("\n")
	return b.String(), nil
}
