// Package config loads triage configuration from a YAML file with TRIAGE_*
// environment overrides. Env vars win over the file, the file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide triage configuration.
type Config struct {
	Testray TestrayConfig `yaml:"testray"`
	Jira    JiraConfig    `yaml:"jira"`
	Engine  EngineConfig  `yaml:"engine"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	AI      AIConfig      `yaml:"ai"`
}

// TestrayConfig configures the Testray connection.
type TestrayConfig struct {
	BaseURL           string  `yaml:"base_url"`
	ClientID          string  `yaml:"client_id"`
	ClientSecret      string  `yaml:"client_secret"`
	ProjectID         int64   `yaml:"project_id"`
	RoutineID         int64   `yaml:"routine_id"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// JiraConfig configures the tracker connection.
type JiraConfig struct {
	BaseURL           string            `yaml:"base_url"`
	Username          string            `yaml:"username"`
	Token             string            `yaml:"token"`
	Project           string            `yaml:"project"`
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	ComponentMap      map[string]string `yaml:"component_map"`
}

// EngineConfig tunes classification.
type EngineConfig struct {
	// SimilarityThreshold is the minimum score for two errors to count as
	// the same failure. Default: 0.8.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// LedgerConfig configures the local audit database.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// AIConfig optionally enables the model-backed similarity oracle. When the
// API key is empty the lexical oracle is used.
type AIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Testray: TestrayConfig{
			ProjectID:         35392,
			RoutineID:         994140,
			RequestsPerSecond: 10,
		},
		Jira: JiraConfig{
			Project:           "LPD",
			RequestsPerSecond: 5,
		},
		Engine: EngineConfig{
			SimilarityThreshold: 0.8,
		},
		Ledger: LedgerConfig{
			Path: ".triage/triage.db",
		},
	}
}

// Load reads the config file at path (optional, "" skips the file), then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Testray.BaseURL, "TRIAGE_TESTRAY_URL")
	setString(&c.Testray.ClientID, "TRIAGE_TESTRAY_CLIENT_ID")
	setString(&c.Testray.ClientSecret, "TRIAGE_TESTRAY_CLIENT_SECRET")
	setInt64(&c.Testray.ProjectID, "TRIAGE_TESTRAY_PROJECT_ID")
	setInt64(&c.Testray.RoutineID, "TRIAGE_TESTRAY_ROUTINE_ID")

	setString(&c.Jira.BaseURL, "TRIAGE_JIRA_URL")
	setString(&c.Jira.Username, "TRIAGE_JIRA_USERNAME")
	setString(&c.Jira.Token, "TRIAGE_JIRA_TOKEN")
	setString(&c.Jira.Project, "TRIAGE_JIRA_PROJECT")

	setFloat(&c.Engine.SimilarityThreshold, "TRIAGE_SIMILARITY_THRESHOLD")
	setString(&c.Ledger.Path, "TRIAGE_LEDGER_PATH")
	setString(&c.AI.APIKey, "TRIAGE_ANTHROPIC_API_KEY")
	setString(&c.AI.Model, "TRIAGE_ANTHROPIC_MODEL")
}

// Validate checks cross-field constraints. Connection fields are validated
// by the clients that use them, so a partially configured file still loads
// for commands that do not need every service.
func (c *Config) Validate() error {
	if c.Engine.SimilarityThreshold <= 0 || c.Engine.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold must be in (0, 1], got %v", c.Engine.SimilarityThreshold)
	}
	if c.Testray.RoutineID == 0 {
		return fmt.Errorf("testray routine id is required")
	}
	return nil
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func setFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}
