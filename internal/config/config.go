package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models opsline.yml.
type Config struct {
	Fleet struct {
		ID     string  `yaml:"id"`
		Agents []Agent `yaml:"agents"`
	} `yaml:"fleet"`
	Orchestration struct {
		StepTimeoutMinutes     int `yaml:"step_timeout_minutes"`
		ReactionBatchSize      int `yaml:"reaction_batch_size"`
		DefaultCooldownMinutes int `yaml:"default_cooldown_minutes"`
	} `yaml:"orchestration"`
	Quotas struct {
		TweetDaily   int `yaml:"tweet_daily"`
		ContentDaily int `yaml:"content_daily"`
	} `yaml:"quotas"`
}

type Agent struct {
	ID          string `yaml:"id"`
	Role        string `yaml:"role"`
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with ol init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, a := range c.Fleet.Agents {
		if a.ID == "" {
			return fmt.Errorf("config.fleet.agents[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("config.fleet.agents contains duplicate id %s", a.ID)
		}
		seen[a.ID] = true
	}
	if c.Orchestration.StepTimeoutMinutes < 0 {
		return fmt.Errorf("config.orchestration.step_timeout_minutes must not be negative")
	}
	if c.Orchestration.ReactionBatchSize < 0 {
		return fmt.Errorf("config.orchestration.reaction_batch_size must not be negative")
	}
	if c.Orchestration.DefaultCooldownMinutes < 0 {
		return fmt.Errorf("config.orchestration.default_cooldown_minutes must not be negative")
	}
	if c.Quotas.TweetDaily < 0 || c.Quotas.ContentDaily < 0 {
		return fmt.Errorf("config.quotas values must not be negative")
	}
	return nil
}

// AgentByID returns the roster entry for an agent, if present.
func (c *Config) AgentByID(id string) (Agent, bool) {
	for _, a := range c.Fleet.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsline.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	applyDefaults(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

func applyDefaults(cfg *Config) {
	if cfg.Orchestration.StepTimeoutMinutes == 0 {
		cfg.Orchestration.StepTimeoutMinutes = 30
	}
	if cfg.Orchestration.ReactionBatchSize == 0 {
		cfg.Orchestration.ReactionBatchSize = 10
	}
	if cfg.Orchestration.DefaultCooldownMinutes == 0 {
		cfg.Orchestration.DefaultCooldownMinutes = 120
	}
	if cfg.Quotas.TweetDaily == 0 {
		cfg.Quotas.TweetDaily = 5
	}
	if cfg.Quotas.ContentDaily == 0 {
		cfg.Quotas.ContentDaily = 3
	}
}

const defaultTemplate = `fleet:
  id: default
  agents:
    - id: growth
      role: marketing
      description: "Drafts tweets and tracks engagement"
    - id: content
      role: writer
      description: "Writes long-form content drafts"
    - id: compliance
      role: analyst
      description: "Watches regulatory feeds"
    - id: intel
      role: analyst
      description: "Tracks competitor activity"
    - id: operator
      role: human
      description: "Human operator reviewing deliverables"

orchestration:
  step_timeout_minutes: 30
  reaction_batch_size: 10
  default_cooldown_minutes: 120

quotas:
  tweet_daily: 5
  content_daily: 3
`
