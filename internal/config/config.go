package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tracer/internal/rbac"
)

// Config models tracer.yml: the static permission table plus outbound webhook
// targets. It is loaded once at process start; the rbac.Rules built from it is
// immutable for the life of the process.
type Config struct {
	Permissions rbac.Table      `yaml:"permissions"`
	Webhooks    []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads config from path, falling back to the built-in defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the permission table is internally consistent.
func (c *Config) Validate() error {
	if len(c.Permissions.Actions) == 0 {
		return fmt.Errorf("config.permissions.actions is required")
	}
	if _, ok := c.Permissions.Actions["admin"]; !ok {
		return fmt.Errorf("config.permissions.actions must include admin")
	}
	for role, actions := range c.Permissions.Actions {
		if role == "" {
			return fmt.Errorf("config.permissions.actions contains empty role")
		}
		for _, a := range actions {
			if a == "" {
				return fmt.Errorf("role %s has empty action id", role)
			}
		}
	}
	for role, modules := range c.Permissions.Modules {
		if role == "" {
			return fmt.Errorf("config.permissions.modules contains empty role")
		}
		for _, m := range modules {
			if m == "" {
				return fmt.Errorf("role %s has empty module id", role)
			}
		}
	}
	for role := range c.Permissions.Ranks {
		if role == "" {
			return fmt.Errorf("config.permissions.ranks contains empty role")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Rules builds the immutable evaluator from the table.
func (c *Config) Rules() *rbac.Rules {
	return rbac.New(c.Permissions)
}

// Default returns the built-in permission table.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for `tracer config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `permissions:
  ranks:
    admin: 100
    supervisor: 80
    accountant: 60
    warehouse: 50
    installer: 40
    user: 10

  actions:
    admin:
      - project.create
      - project.read
      - project.update
      - project.delete
      - project.team.manage
      - task.create
      - task.read
      - task.update
      - task.delete
      - task.time.log
      - task.comment
      - user.read
      - user.update
      - user.delete
    supervisor:
      - project.create
      - project.read
      - project.update
      - project.team.manage
      - task.create
      - task.read
      - task.update
      - task.time.log
      - task.comment
      - user.read
    accountant:
      - project.read
      - task.read
      - user.read
    warehouse:
      - project.read
      - task.read
      - task.update
      - task.comment
    installer:
      - project.read
      - task.read
      - task.update
      - task.time.log
      - task.comment
    user:
      - project.read
      - task.read
      - task.comment

  modules:
    admin: [projects, tasks, users, reports, settings]
    supervisor: [projects, tasks, users, reports]
    accountant: [projects, reports]
    warehouse: [projects, tasks]
    installer: [projects, tasks]
    user: [projects, tasks]
`
