package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a double
// underscore: AUTONOMIC_SERVER__PORT sets server.port.
const EnvPrefix = "AUTONOMIC_"

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Roles      []string         `koanf:"roles"`
	Storage    StorageConfig    `koanf:"storage"`
	Events     EventsConfig     `koanf:"events"`
	Generation GenerationConfig `koanf:"generation"`
	Workflow   WorkflowConfig   `koanf:"workflow"`
	Admin      AdminConfig      `koanf:"admin"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type EventsConfig struct {
	Type       string     `koanf:"type"` // nats, direct
	MaxDeliver int        `koanf:"max_deliver"`
	NATS       NATSConfig `koanf:"nats"`
}

type NATSConfig struct {
	URL     string        `koanf:"url"`
	Stream  string        `koanf:"stream"`
	AckWait time.Duration `koanf:"ack_wait"`
}

type GenerationConfig struct {
	BaseURL      string          `koanf:"base_url"`
	APIKey       string          `koanf:"api_key"`
	DefaultModel string          `koanf:"default_model"`
	Timeout      time.Duration   `koanf:"timeout"`
	Pricing      []PricingConfig `koanf:"pricing"`

	// JudgeModel runs the audit, rewrite and evaluation calls. Empty means
	// DefaultModel.
	JudgeModel string `koanf:"judge_model"`
}

// PricingConfig is the USD price per million tokens of one model.
type PricingConfig struct {
	Model            string  `koanf:"model"`
	InputPerMillion  float64 `koanf:"input_per_million"`
	OutputPerMillion float64 `koanf:"output_per_million"`
}

type WorkflowConfig struct {
	// BudgetBreachUSD is the per-reply cost above which a breach is counted.
	BudgetBreachUSD float64 `koanf:"budget_breach_usd"`
}

type AdminConfig struct {
	// KeyHash is the hex SHA-256 of the admin key; see cmd/keygen.
	KeyHash string `koanf:"key_hash"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load builds the configuration from the embedded defaults, the optional
// YAML file at path, and AUTONOMIC_ environment variables, in that order.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Generation.APIKey = substituteEnvVars(cfg.Generation.APIKey)
	cfg.Generation.BaseURL = substituteEnvVars(cfg.Generation.BaseURL)
	cfg.Admin.KeyHash = substituteEnvVars(cfg.Admin.KeyHash)
	cfg.Events.NATS.URL = substituteEnvVars(cfg.Events.NATS.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type %q not supported", c.Storage.Type)
	}
	switch c.Events.Type {
	case "nats", "direct":
	default:
		return fmt.Errorf("events.type %q not supported", c.Events.Type)
	}
	if c.Events.MaxDeliver <= 0 {
		return fmt.Errorf("events.max_deliver must be positive")
	}
	for _, role := range c.Roles {
		if !ValidRole(role) {
			return fmt.Errorf("unknown role %q", role)
		}
	}
	for _, p := range c.Generation.Pricing {
		if p.Model == "" {
			return fmt.Errorf("generation.pricing entry without model")
		}
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("generation.pricing %s: negative price", p.Model)
		}
	}
	return nil
}

// Role names a worker this process runs.
const (
	RoleGateway   = "gateway"
	RoleAuditor   = "auditor"
	RoleRefiner   = "refiner"
	RoleEvaluator = "evaluator"
	RoleFeedback  = "feedback"
	RoleAll       = "all"
)

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	switch r {
	case RoleGateway, RoleAuditor, RoleRefiner, RoleEvaluator, RoleFeedback, RoleAll:
		return true
	}
	return false
}

// HasRole reports whether the process runs role, either by name or via "all".
func (c *Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAll {
			return true
		}
	}
	return false
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
