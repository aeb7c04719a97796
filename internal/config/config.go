package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"handoff/internal/domain"
)

// Config models handoff.yml. It is loaded once at start and treated as read-only.
type Config struct {
	Agent struct {
		Role domain.Role `yaml:"role"`
		ID   string      `yaml:"id"`
	} `yaml:"agent"`
	Capabilities struct {
		SendClass []string              `yaml:"send_class"`
		Roles     map[string]RolePolicy `yaml:"roles"`
	} `yaml:"capabilities"`
	Thresholds struct {
		MonetaryLimit float64  `yaml:"monetary_limit"`
		MonetaryArgs  []string `yaml:"monetary_args"`
	} `yaml:"thresholds"`
	Lifecycle struct {
		MaxAttempts     int           `yaml:"max_attempts"`
		TurnLimit       int           `yaml:"turn_limit"`
		ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	} `yaml:"lifecycle"`
	Dispatch struct {
		Workers      int           `yaml:"workers"`
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
	} `yaml:"dispatch"`
	Routing struct {
		Default []domain.Role            `yaml:"default"`
		Kinds   map[string][]domain.Role `yaml:"kinds"`
	} `yaml:"routing"`
	Sync struct {
		ReplicaDir   string        `yaml:"replica_dir"`
		Interval     time.Duration `yaml:"interval"`
		DenyGlobs    []string      `yaml:"deny_globs"`
		DenyPatterns []string      `yaml:"deny_patterns"`
	} `yaml:"sync"`
	Liveness struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"liveness"`
	Collaborators struct {
		Reasoner struct {
			URL           string        `yaml:"url"`
			Token         string        `yaml:"token"`
			Timeout       time.Duration `yaml:"timeout"`
			RatePerMinute int           `yaml:"rate_per_minute"`
		} `yaml:"reasoner"`
		Actions map[string]ActionHook `yaml:"actions"`
	} `yaml:"collaborators"`
	Server struct {
		Addr      string           `yaml:"addr"`
		JWTSecret string           `yaml:"jwt_secret"`
		Webhooks  []TransitionHook `yaml:"webhooks"`
	} `yaml:"server"`
	Log struct {
		Level        string `yaml:"level"`
		Format       string `yaml:"format"`
		SecurityFile string `yaml:"security_file"`
	} `yaml:"log"`
}

type RolePolicy struct {
	Description string   `yaml:"description"`
	Actions     []string `yaml:"actions"`
	DraftOnly   bool     `yaml:"draft_only"`
}

// ActionHook is the endpoint that executes one tool.
type ActionHook struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// TransitionHook receives history entries whose target state is in ToStates (all when empty).
type TransitionHook struct {
	ID       string   `yaml:"id"`
	URL      string   `yaml:"url"`
	Secret   string   `yaml:"secret"`
	ToStates []string `yaml:"to_states"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with handoff config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if len(c.Capabilities.Roles) == 0 {
		return fmt.Errorf("config.capabilities.roles is required")
	}
	for name, rp := range c.Capabilities.Roles {
		if name == "" {
			return fmt.Errorf("config.capabilities.roles contains empty role name")
		}
		for _, a := range rp.Actions {
			if a == "" {
				return fmt.Errorf("role %s has empty action name", name)
			}
		}
	}
	if c.Agent.Role == "" {
		return fmt.Errorf("config.agent.role is required")
	}
	if _, ok := c.Capabilities.Roles[string(c.Agent.Role)]; !ok {
		return fmt.Errorf("config.agent.role %s is not a configured role", c.Agent.Role)
	}
	for _, a := range c.Capabilities.SendClass {
		if a == "" {
			return fmt.Errorf("config.capabilities.send_class has empty action name")
		}
	}
	if c.Thresholds.MonetaryLimit < 0 {
		return fmt.Errorf("config.thresholds.monetary_limit must not be negative")
	}
	if c.Lifecycle.MaxAttempts < 1 {
		return fmt.Errorf("config.lifecycle.max_attempts must be at least 1")
	}
	if c.Lifecycle.TurnLimit < 1 {
		return fmt.Errorf("config.lifecycle.turn_limit must be at least 1")
	}
	if c.Lifecycle.ApprovalTimeout < 0 {
		return fmt.Errorf("config.lifecycle.approval_timeout must not be negative")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("config.dispatch.workers must be at least 1")
	}
	if c.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("config.dispatch.poll_interval must be positive")
	}
	for _, r := range c.Routing.Default {
		if _, ok := c.Capabilities.Roles[string(r)]; !ok {
			return fmt.Errorf("config.routing.default references unknown role %s", r)
		}
	}
	for kind, roles := range c.Routing.Kinds {
		if kind == "" {
			return fmt.Errorf("config.routing.kinds has empty kind")
		}
		for _, r := range roles {
			if _, ok := c.Capabilities.Roles[string(r)]; !ok {
				return fmt.Errorf("routing for kind %s references unknown role %s", kind, r)
			}
		}
	}
	for _, g := range c.Sync.DenyGlobs {
		if _, err := filepath.Match(g, ""); err != nil {
			return fmt.Errorf("config.sync.deny_globs: %q: %w", g, err)
		}
	}
	for _, p := range c.Sync.DenyPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config.sync.deny_patterns: %q: %w", p, err)
		}
	}
	for tool, hook := range c.Collaborators.Actions {
		if hook.URL == "" {
			return fmt.Errorf("collaborators.actions.%s.url is required", tool)
		}
	}
	for _, h := range c.Server.Webhooks {
		if h.ID == "" || h.URL == "" {
			return fmt.Errorf("server.webhooks entries need id and url")
		}
	}
	return nil
}

// RolesFor returns the roles allowed to pick up items of kind.
func (c *Config) RolesFor(kind string) []domain.Role {
	if roles, ok := c.Routing.Kinds[kind]; ok {
		return roles
	}
	return c.Routing.Default
}

// Routes reports whether role may claim a discovered item of kind.
func (c *Config) Routes(kind string, role domain.Role) bool {
	for _, r := range c.RolesFor(kind) {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "handoff.yml")
}

// GenerateDefault returns default config YAML for role.
func GenerateDefault(role domain.Role) string {
	return fmt.Sprintf(defaultTemplate, role)
}

// Default returns the built-in config for the cloud role.
func Default() *Config {
	return DefaultFor(domain.RoleCloud)
}

// DefaultFor returns the built-in config with agent.role set to role.
func DefaultFor(role domain.Role) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(role))).Decode(&cfg)
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

const defaultTemplate = `agent:
  role: %s

capabilities:
  send_class:
    - send_email
    - reply_email
    - reply
    - post_linkedin
    - post_facebook
    - post_instagram
    - post_twitter
    - post_payment
    - create_invoice
  roles:
    cloud:
      description: "Always-on agent; drafts outbound actions for review"
      draft_only: true
      actions: [send_email, reply_email, reply, post_linkedin, post_facebook, post_instagram, post_twitter, post_payment, create_invoice, write_plan, request_approval, label_email, get_accounting_report, list_contacts]
    local:
      description: "Intermittently connected agent; executes approved actions"
      actions: [send_email, reply_email, reply, post_linkedin, post_facebook, post_instagram, post_twitter, post_payment, create_invoice, write_plan, request_approval, label_email, get_accounting_report, list_contacts]

thresholds:
  monetary_limit: 500
  monetary_args: [amount]

lifecycle:
  max_attempts: 3
  turn_limit: 10
  approval_timeout: 0s

dispatch:
  workers: 3
  poll_interval: 60s
  batch_size: 50

routing:
  default: [cloud, local]
  kinds:
    whatsapp_chat: [local]
    file_drop: [local]

sync:
  replica_dir: ""
  interval: 60s
  deny_globs: [".env", "*.env", "credentials.json", "token.json", "*_session.json", "seen_*.json", "*.key", "*.pem"]
  deny_patterns:
    - "-----BEGIN [A-Z ]*PRIVATE KEY-----"
    - "(?i)\\b(api[_-]?key|secret|password|token)\\s*[:=]\\s*\\S{8,}"
    - "\\bAKIA[0-9A-Z]{16}\\b"
    - "\\bsk-[A-Za-z0-9]{20,}\\b"

liveness:
  interval: 30s

collaborators:
  reasoner:
    url: ""
    timeout: 120s
    rate_per_minute: 30

server:
  addr: "127.0.0.1:8080"

log:
  level: info
  format: text
  security_file: security.log
`
