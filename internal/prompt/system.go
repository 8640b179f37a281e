// Package prompt renders the prompts sent to the model by each workflow stage
// and parses the structured answers that come back.
package prompt

import (
	"fmt"
	"strings"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
)

// System renders the system prompt of an agent config. The output depends
// only on the prompt spec and resources, so the same config always produces
// the same prompt.
func System(cfg *domain.AgentConfig) string {
	p := cfg.Prompt

	var b strings.Builder
	fmt.Fprintf(&b, "You are a %s with a %s tone.\n", orDefault(p.Persona.Role, "helpful assistant"), orDefault(p.Persona.Tone, "neutral"))

	writeSection(&b, "OBJECTIVES", p.Objectives)
	writeSection(&b, "OPERATIONAL GUIDELINES", p.OperationalGuidelines)
	writeSection(&b, "STYLE GUIDE", p.StyleGuide)

	if kb := strings.TrimSpace(cfg.Resources.KnowledgeBase); kb != "" {
		fmt.Fprintf(&b, "\nKNOWLEDGE BASE:\n%s\n", kb)
	}
	if policy := strings.TrimSpace(cfg.Resources.Policy); policy != "" {
		fmt.Fprintf(&b, "\nLEGAL POLICIES & CONSTRAINTS:\n%s\nYou MUST follow these policies strictly. Do not deviate.\n", policy)
	}

	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func writeNumbered(b *strings.Builder, items []string) {
	for i, item := range items {
		fmt.Fprintf(b, "%d. %s\n", i+1, item)
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
