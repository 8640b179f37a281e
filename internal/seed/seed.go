// Package seed installs the initial agent families.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
)

//go:embed agents.yaml
var defaultAgents []byte

// DefaultFamily is the family installed by the bundled seed.
const DefaultFamily = "carsalesman101"

// Family is one seeded agent family.
type Family struct {
	FamilyID  string               `yaml:"family_id"`
	Metadata  domain.AgentMetadata `yaml:"metadata"`
	Model     domain.ModelSettings `yaml:"model_settings"`
	Prompt    domain.PromptSpec    `yaml:"prompt_spec"`
	Resources domain.Resources     `yaml:"resources"`
	Rules     domain.RuleSet       `yaml:"rules"`
}

// Document is the seed file layout.
type Document struct {
	Families []Family `yaml:"families"`
}

// Parse decodes a seed document.
func Parse(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("seed: document is empty")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}
	if len(doc.Families) == 0 {
		return nil, fmt.Errorf("seed: no families")
	}
	seen := make(map[string]bool, len(doc.Families))
	for _, f := range doc.Families {
		if f.FamilyID == "" {
			return nil, fmt.Errorf("seed: family without family_id")
		}
		if seen[f.FamilyID] {
			return nil, fmt.Errorf("seed: duplicate family %q", f.FamilyID)
		}
		seen[f.FamilyID] = true
	}
	return &doc, nil
}

// Default returns the bundled seed.
func Default() *Document {
	doc, err := Parse(defaultAgents)
	if err != nil {
		panic(err)
	}
	return doc
}

// Config builds the version 1 ACTIVE config of the family.
func (f Family) Config(now time.Time) *domain.AgentConfig {
	return &domain.AgentConfig{
		ConfigID:        domain.ConfigID(f.FamilyID, 1),
		AgentFamilyID:   f.FamilyID,
		Version:         1,
		DeploymentState: domain.DeploymentActive,
		Metadata:        f.Metadata,
		Prompt:          f.Prompt.Clone(),
		Rules: domain.RuleSet{
			ComplianceRules: append([]string(nil), f.Rules.ComplianceRules...),
			QualityRubric:   append([]string(nil), f.Rules.QualityRubric...),
		},
		Resources: f.Resources,
		Model:     f.Model,
		CreatedAt: now,
	}
}

// Store is the part of the store seeding writes to.
type Store interface {
	ports.AgentStore
	ports.PointerStore
}

// Apply creates version 1 of every family and points the family at it. It
// expects an empty store; an existing version 1 fails with
// domain.ErrAlreadyExists.
func (d *Document) Apply(ctx context.Context, store Store, now time.Time) error {
	for _, f := range d.Families {
		cfg := f.Config(now)
		if err := store.CreateAgent(ctx, cfg); err != nil {
			return fmt.Errorf("seed %s: %w", cfg.ConfigID, err)
		}
		ptr := &domain.VersionPointer{
			FamilyID:       f.FamilyID,
			ActiveConfigID: cfg.ConfigID,
			CurrentVersion: cfg.Version,
			Reason:         "Initial Seed",
			LastUpdated:    now,
		}
		if err := store.SetPointer(ctx, ptr); err != nil {
			return fmt.Errorf("seed pointer %s: %w", f.FamilyID, err)
		}
	}
	return nil
}

// Resetter wipes a store.
type Resetter interface {
	Store
	Reset(ctx context.Context) (int, error)
}

// Reset deletes every record and re-applies the document. It returns the
// number of deleted records.
func (d *Document) Reset(ctx context.Context, store Resetter, now time.Time) (int, error) {
	deleted, err := store.Reset(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset store: %w", err)
	}
	if err := d.Apply(ctx, store, now); err != nil {
		return deleted, err
	}
	return deleted, nil
}
