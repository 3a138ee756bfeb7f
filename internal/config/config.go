package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onboardhq/gatekeeper/internal/gate"
	"github.com/onboardhq/gatekeeper/internal/types"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Gates    []GateConfig   `yaml:"gates"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	ArchiveInterval    Duration `yaml:"archive_interval"`
	ArchiveMaxAttempts int      `yaml:"archive_max_attempts"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ArchiveConfig contains S3-compatible archive storage settings.
// An empty bucket disables archiving.
type ArchiveConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// GateConfig describes one gate in the progression plan.
type GateConfig struct {
	ID             string                `yaml:"id"`
	Name           string                `yaml:"name"`
	Questionnaires []QuestionnaireConfig `yaml:"questionnaires"`
	Criteria       GateCriteriaConfig    `yaml:"criteria"`
}

// QuestionnaireConfig binds a questionnaire to its template.
type QuestionnaireConfig struct {
	ID         string `yaml:"id"`
	TemplateID string `yaml:"template_id"`
}

// GateCriteriaConfig describes how a gate qualifies.
type GateCriteriaConfig struct {
	Policy                 string  `yaml:"policy"`
	MinimumPassingSections int     `yaml:"minimum_passing_sections"`
	OverrideFieldID        string  `yaml:"override_field_id"`
	OverrideThreshold      float64 `yaml:"override_threshold"`
}

// Plan builds the gate progression plan from the configured gates.
func (c *Config) Plan() gate.Plan {
	plan := gate.Plan{Gates: make([]gate.PlanGate, 0, len(c.Gates))}
	for _, gc := range c.Gates {
		qs := make([]gate.Questionnaire, 0, len(gc.Questionnaires))
		for _, qc := range gc.Questionnaires {
			qs = append(qs, gate.Questionnaire{ID: qc.ID, TemplateID: qc.TemplateID})
		}
		policy := types.GatePolicy(gc.Criteria.Policy)
		if policy == "" {
			policy = types.PolicyAllSections
		}
		plan.Gates = append(plan.Gates, gate.PlanGate{
			ID:             gc.ID,
			Name:           gc.Name,
			Questionnaires: qs,
			Criteria: types.GateCriteria{
				Policy:                 policy,
				MinimumPassingSections: gc.Criteria.MinimumPassingSections,
				OverrideFieldID:        gc.Criteria.OverrideFieldID,
				OverrideThreshold:      gc.Criteria.OverrideThreshold,
			},
		})
	}
	return plan
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("GATEKEEPER_CONFIG_PATH", "config/gatekeeper.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/gatekeeper.db",
		},
		Worker: WorkerConfig{
			ArchiveInterval:    Duration(1 * time.Hour),
			ArchiveMaxAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Archive: ArchiveConfig{
			URLExpiry: Duration(15 * time.Minute),
		},
		Gates: []GateConfig{
			{
				ID:   "intake",
				Name: "Intake",
				Questionnaires: []QuestionnaireConfig{
					{ID: "intake", TemplateID: "intake"},
				},
			},
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("GATEKEEPER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("GATEKEEPER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("GATEKEEPER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("GATEKEEPER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("GATEKEEPER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Auth
	if v := os.Getenv("GATEKEEPER_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Worker
	if v := os.Getenv("GATEKEEPER_ARCHIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.ArchiveInterval = Duration(d)
		}
	}
	if v := os.Getenv("GATEKEEPER_ARCHIVE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.ArchiveMaxAttempts = n
		}
	}

	// Log
	if v := os.Getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GATEKEEPER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Archive
	if v := os.Getenv("GATEKEEPER_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("GATEKEEPER_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("GATEKEEPER_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("GATEKEEPER_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("GATEKEEPER_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (GATEKEEPER_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if len(c.Gates) == 0 {
		return errors.New("at least one gate must be configured")
	}
	seen := make(map[string]bool, len(c.Gates))
	for _, gc := range c.Gates {
		if gc.ID == "" {
			return errors.New("gate id must not be empty")
		}
		if seen[gc.ID] {
			return fmt.Errorf("duplicate gate id %q", gc.ID)
		}
		seen[gc.ID] = true
		switch types.GatePolicy(gc.Criteria.Policy) {
		case "", types.PolicyAllSections:
		case types.PolicyThreshold:
			if gc.Criteria.MinimumPassingSections < 1 && gc.Criteria.OverrideFieldID == "" {
				return fmt.Errorf("gate %q: threshold policy needs minimum_passing_sections or an override field", gc.ID)
			}
		default:
			return fmt.Errorf("gate %q: unknown policy %q", gc.ID, gc.Criteria.Policy)
		}
	}

	if c.Archive.Bucket != "" && c.Archive.Endpoint == "" {
		return errors.New("archive endpoint is required when a bucket is set")
	}

	// Dev mode bypasses API key validation
	if os.Getenv("GATEKEEPER_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("GATEKEEPER_API_KEY is required")
	}

	return nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
