// Package domain contains the core types of the autonomic gateway: versioned
// agent configurations, the pointer that selects the active one, chat
// sessions, and the jobs that move work between the workflow stages.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeploymentState is the lifecycle flag of a single agent config version.
type DeploymentState string

const (
	DeploymentActive        DeploymentState = "ACTIVE"
	DeploymentTestCandidate DeploymentState = "TEST_CANDIDATE"
	DeploymentArchived      DeploymentState = "ARCHIVED"
)

// Valid reports whether s is a known deployment state.
func (s DeploymentState) Valid() bool {
	switch s {
	case DeploymentActive, DeploymentTestCandidate, DeploymentArchived:
		return true
	}
	return false
}

// Persona describes who the agent is and how it sounds.
type Persona struct {
	Role string `json:"role" yaml:"role"`
	Tone string `json:"tone" yaml:"tone"`
}

// PromptSpec is the mutable surface of an agent. Refinement rewrites these
// fields and nothing else.
type PromptSpec struct {
	Persona               Persona  `json:"persona" yaml:"persona"`
	StyleGuide            []string `json:"style_guide" yaml:"style_guide"`
	Objectives            []string `json:"objectives" yaml:"objectives"`
	OperationalGuidelines []string `json:"operational_guidelines" yaml:"operational_guidelines"`
}

// Clone returns a deep copy of the prompt spec.
func (p PromptSpec) Clone() PromptSpec {
	return PromptSpec{
		Persona:               p.Persona,
		StyleGuide:            cloneStrings(p.StyleGuide),
		Objectives:            cloneStrings(p.Objectives),
		OperationalGuidelines: cloneStrings(p.OperationalGuidelines),
	}
}

// RuleSet holds the immutable judging criteria of a family.
type RuleSet struct {
	// ComplianceRules are binary pass/fail predicates.
	ComplianceRules []string `json:"compliance_rules" yaml:"compliance_rules"`
	// QualityRubric items only fail a turn when it is materially sub-par.
	QualityRubric []string `json:"quality_rubric" yaml:"quality_rubric"`
}

// Resources is read-only context injected into every prompt.
type Resources struct {
	KnowledgeBase string `json:"knowledge_base_text" yaml:"knowledge_base_text"`
	Policy        string `json:"policy_text" yaml:"policy_text"`
}

// ModelSettings selects and tunes the generation model.
type ModelSettings struct {
	ModelID     string  `json:"model_id" yaml:"model_id"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_output_tokens" yaml:"max_output_tokens"`
}

// SamplingTemperature returns the temperature for a generate request. Zero
// is a real setting and is sent as such.
func (m ModelSettings) SamplingTemperature() *float64 {
	t := m.Temperature
	return &t
}

// AgentMetadata is descriptive only.
type AgentMetadata struct {
	Name          string `json:"name,omitempty" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description"`
	Creator       string `json:"creator,omitempty" yaml:"creator"`
	UpgradeReason string `json:"upgrade_reason,omitempty" yaml:"upgrade_reason"`
}

// AgentConfig is one immutable version of an agent family. Once stored, only
// its DeploymentState changes.
type AgentConfig struct {
	ConfigID        string          `json:"config_id"`
	AgentFamilyID   string          `json:"agent_family_id"`
	Version         int             `json:"version"`
	DeploymentState DeploymentState `json:"deployment_state"`
	Metadata        AgentMetadata   `json:"metadata"`
	Prompt          PromptSpec      `json:"prompt_spec"`
	Rules           RuleSet         `json:"rules"`
	Resources       Resources       `json:"resources"`
	Model           ModelSettings   `json:"model_settings"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ConfigID builds the document id of a family version.
func ConfigID(familyID string, version int) string {
	return fmt.Sprintf("%s_v%d", familyID, version)
}

// ParseConfigID splits a config id into family and version. ok is false when
// id does not carry a "_v{n}" suffix.
func ParseConfigID(id string) (familyID string, version int, ok bool) {
	idx := strings.LastIndex(id, "_v")
	if idx <= 0 {
		return "", 0, false
	}
	v, err := strconv.Atoi(id[idx+2:])
	if err != nil || v <= 0 {
		return "", 0, false
	}
	return id[:idx], v, true
}

// FamilyFromConfigID returns the family of a config id, or id itself when it
// is already a bare family id.
func FamilyFromConfigID(id string) string {
	if family, _, ok := ParseConfigID(id); ok {
		return family
	}
	return id
}

// Clone returns a deep copy of the config.
func (c *AgentConfig) Clone() *AgentConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Prompt = c.Prompt.Clone()
	out.Rules = RuleSet{
		ComplianceRules: cloneStrings(c.Rules.ComplianceRules),
		QualityRubric:   cloneStrings(c.Rules.QualityRubric),
	}
	return &out
}

// WithPrompt derives a TEST_CANDIDATE at the given version that differs from
// c only in its prompt spec and metadata. Rules, resources and model settings
// are copied unchanged.
func (c *AgentConfig) WithPrompt(prompt PromptSpec, version int, reason string, now time.Time) *AgentConfig {
	out := c.Clone()
	out.Version = version
	out.ConfigID = ConfigID(c.AgentFamilyID, version)
	out.DeploymentState = DeploymentTestCandidate
	out.Prompt = prompt.Clone()
	out.Metadata.Creator = "refiner"
	out.Metadata.UpgradeReason = reason
	out.CreatedAt = now
	return out
}

// Validate checks identity fields before a config is persisted.
func (c *AgentConfig) Validate() error {
	if c.AgentFamilyID == "" {
		return fmt.Errorf("agent config: family id is required")
	}
	if c.Version <= 0 {
		return fmt.Errorf("agent config %s: version must be positive", c.AgentFamilyID)
	}
	if want := ConfigID(c.AgentFamilyID, c.Version); c.ConfigID != want {
		return fmt.Errorf("agent config: id %q does not match %q", c.ConfigID, want)
	}
	if !c.DeploymentState.Valid() {
		return fmt.Errorf("agent config %s: unknown deployment state %q", c.ConfigID, c.DeploymentState)
	}
	return nil
}

// VersionPointer names the active config of a family. Gateway reads always
// go through it.
type VersionPointer struct {
	FamilyID       string    `json:"family_id"`
	ActiveConfigID string    `json:"active_config_id"`
	CurrentVersion int       `json:"current_version"`
	Reason         string    `json:"reason"`
	LastUpdated    time.Time `json:"last_updated"`
}

// AgentStats aggregates user feedback for one config version.
type AgentStats struct {
	ConfigID string `json:"config_id"`
	Likes    int    `json:"likes"`
	Dislikes int    `json:"dislikes"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
