package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models qmsline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Sweep struct {
		DueSoonHours   int `yaml:"due_soon_hours"`
		StaleDraftDays int `yaml:"stale_draft_days"`
	} `yaml:"sweep"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Kinds  []string `yaml:"kinds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with qms init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "quality-system" {
		return fmt.Errorf("config.project.kind must be 'quality-system'")
	}
	if c.Sweep.DueSoonHours < 0 {
		return fmt.Errorf("config.sweep.due_soon_hours must not be negative")
	}
	if c.Sweep.StaleDraftDays < 0 {
		return fmt.Errorf("config.sweep.stale_draft_days must not be negative")
	}
	seen := map[string]bool{}
	for _, hook := range c.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("config.webhooks contains empty id")
		}
		if seen[hook.ID] {
			return fmt.Errorf("config.webhooks has duplicate id %s", hook.ID)
		}
		seen[hook.ID] = true
		if hook.URL == "" {
			return fmt.Errorf("webhook %s has empty url", hook.ID)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "qmsline.yml")
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: quality-system

sweep:
  due_soon_hours: 24
  stale_draft_days: 7

webhooks: []
`
