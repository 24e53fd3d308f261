package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models reviewline.yml.
type Config struct {
	Service struct {
		Name string `yaml:"name"`
	} `yaml:"service"`
	Claims struct {
		TimeoutMinutes int `yaml:"timeout_minutes"`
	} `yaml:"claims"`
	Routing struct {
		Rules []RoutingRule `yaml:"rules"`
	} `yaml:"routing"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// RoutingRule is one entry of the ordered reviewer-routing table. The
// first rule whose requester band contains the requester's authority
// wins; the target band plus the match requirements then scope the
// candidate search.
type RoutingRule struct {
	Name              string `yaml:"name"`
	RequesterMin      int    `yaml:"requester_min"`
	RequesterMax      int    `yaml:"requester_max"`
	TargetMin         int    `yaml:"target_min"`
	TargetMax         int    `yaml:"target_max"`
	MatchOrganization bool   `yaml:"match_organization"`
	MatchMunicipality bool   `yaml:"match_municipality"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Authority   int      `yaml:"authority"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rvl config import --file <path>", path)
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
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Claims.TimeoutMinutes < 0 {
		return fmt.Errorf("config.claims.timeout_minutes must not be negative")
	}
	if len(c.Routing.Rules) == 0 {
		return fmt.Errorf("config.routing.rules is required")
	}
	for i, rule := range c.Routing.Rules {
		if rule.Name == "" {
			return fmt.Errorf("routing rule %d has no name", i)
		}
		if rule.RequesterMin > rule.RequesterMax {
			return fmt.Errorf("routing rule %s: requester band inverted", rule.Name)
		}
		if rule.TargetMin > rule.TargetMax {
			return fmt.Errorf("routing rule %s: target band inverted", rule.Name)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["system-administrator"]; !ok {
			return fmt.Errorf("config.rbac.roles must include system-administrator")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			if role.Authority <= 0 {
				return fmt.Errorf("role %s has no authority tier", roleID)
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// ClaimTimeoutMinutes returns the configured claim window, defaulting
// to 30 minutes.
func (c *Config) ClaimTimeoutMinutes() int {
	if c == nil || c.Claims.TimeoutMinutes == 0 {
		return 30
	}
	return c.Claims.TimeoutMinutes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
}

// Default returns the default Config struct for a service.
func Default(serviceName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceName))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `service:
  name: %s

claims:
  timeout_minutes: 30

routing:
  rules:
    - name: stakeholder-to-coordinator
      requester_min: 0
      requester_max: 30
      target_min: 60
      target_max: 60
      match_organization: true
      match_municipality: true

    - name: coordinator-to-admin
      requester_min: 60
      requester_max: 60
      target_min: 80
      target_max: 100

    - name: admin-to-coordinator
      requester_min: 80
      requester_max: 100
      target_min: 60
      target_max: 60

rbac:
  roles:
    basic:
      description: "Basic requester"
      authority: 20
      permissions: [request.create, request.initiate, request.view]
    stakeholder:
      description: "Organization stakeholder"
      authority: 30
      permissions: [request.create, request.initiate, request.view]
    coordinator:
      description: "Review coordinator"
      authority: 60
      permissions: [request.create, request.initiate, request.view, request.review]
    operational-admin:
      description: "Operational administrator"
      authority: 80
      permissions: [request.create, request.initiate, request.view, request.review, request.delete]
    system-administrator:
      description: "System administrator"
      authority: 100
      permissions: [request.create, request.initiate, request.view, request.review, request.delete, request.manage]
`
