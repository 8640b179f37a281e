package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("Load() port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Workflow.BudgetBreachUSD != 0.10 {
			t.Errorf("Load() budget = %v, want 0.10", cfg.Workflow.BudgetBreachUSD)
		}
		if cfg.Events.NATS.AckWait != 60*time.Second {
			t.Errorf("Load() ack_wait = %v, want 60s", cfg.Events.NATS.AckWait)
		}
		if len(cfg.Generation.Pricing) != 1 || cfg.Generation.Pricing[0].OutputPerMillion != 2.50 {
			t.Errorf("Load() pricing = %+v", cfg.Generation.Pricing)
		}
		if !cfg.HasRole(RoleEvaluator) {
			t.Error("default roles should include evaluator via all")
		}
	})

	t.Run("env var port override", func(t *testing.T) {
		t.Setenv("AUTONOMIC_SERVER__PORT", "9000")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("Load() port = %v, want 9000", cfg.Server.Port)
		}
	})

	t.Run("file then env", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
storage:
  type: memory
events:
  type: nats
  nats:
    url: ${TEST_NATS_URL}
roles: [gateway, feedback]
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		t.Setenv("TEST_NATS_URL", "nats://broker:4222")
		t.Setenv("AUTONOMIC_WORKFLOW__BUDGET_BREACH_USD", "0.25")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Storage.Type != "memory" {
			t.Errorf("storage.type = %q, want memory", cfg.Storage.Type)
		}
		if cfg.Events.NATS.URL != "nats://broker:4222" {
			t.Errorf("nats.url = %q", cfg.Events.NATS.URL)
		}
		if cfg.Workflow.BudgetBreachUSD != 0.25 {
			t.Errorf("budget = %v, want 0.25", cfg.Workflow.BudgetBreachUSD)
		}
		if !cfg.HasRole(RoleGateway) || cfg.HasRole(RoleAuditor) {
			t.Errorf("roles = %v", cfg.Roles)
		}
	})

	t.Run("missing file is ignored", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
			t.Fatalf("Load() error = %v", err)
		}
	})

	t.Run("invalid storage type", func(t *testing.T) {
		t.Setenv("AUTONOMIC_STORAGE__TYPE", "mongo")
		if _, err := Load(""); err == nil {
			t.Fatal("Load() expected error")
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
