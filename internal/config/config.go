package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"workbridge/internal/domain"
)

// Config models workbridge.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Work struct {
		Types      []string `yaml:"types"`
		Severities []string `yaml:"severities"`
	} `yaml:"work"`
	Severity struct {
		Priority map[string]int `yaml:"priority"`
	} `yaml:"severity"`
	Projector struct {
		Interval  time.Duration `yaml:"interval"`
		MaxLag    time.Duration `yaml:"max_lag"`
		BatchSize int           `yaml:"batch_size"`
	} `yaml:"projector"`
	Claim struct {
		MaxAttempts      int      `yaml:"max_attempts"`
		CandidateLimit   int      `yaml:"candidate_limit"`
		StartOnClaim     *bool    `yaml:"start_on_claim"`
		EligibleStatuses []string `yaml:"eligible_statuses"`
	} `yaml:"claim"`
	Retry struct {
		Window     time.Duration `yaml:"window"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"retry"`
	Dependencies struct {
		MaxDepth int      `yaml:"max_depth"`
		Types    []string `yaml:"types"`
	} `yaml:"dependencies"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig forwards matching log events to an external collaborator.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"` // exact actions or namespaces like "work.*"; empty means all
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
			return nil, fmt.Errorf("config %s not found; create it with wb init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Project.ID) == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Work.Types) == 0 {
		return fmt.Errorf("config.work.types is required")
	}
	if len(c.Work.Severities) == 0 {
		return fmt.Errorf("config.work.severities is required")
	}
	for _, sev := range c.Work.Severities {
		if _, ok := c.Severity.Priority[sev]; !ok {
			return fmt.Errorf("severity %s has no priority score", sev)
		}
	}
	if c.Projector.Interval <= 0 {
		return fmt.Errorf("config.projector.interval must be positive")
	}
	if c.Projector.MaxLag <= 0 {
		return fmt.Errorf("config.projector.max_lag must be positive")
	}
	if c.Projector.Interval > c.Projector.MaxLag {
		return fmt.Errorf("config.projector.interval %s exceeds max_lag %s", c.Projector.Interval, c.Projector.MaxLag)
	}
	if c.Projector.BatchSize <= 0 {
		return fmt.Errorf("config.projector.batch_size must be positive")
	}
	if c.Claim.MaxAttempts <= 0 {
		return fmt.Errorf("config.claim.max_attempts must be positive")
	}
	if c.Claim.CandidateLimit <= 0 {
		return fmt.Errorf("config.claim.candidate_limit must be positive")
	}
	if len(c.Claim.EligibleStatuses) == 0 {
		return fmt.Errorf("config.claim.eligible_statuses is required")
	}
	for _, s := range c.Claim.EligibleStatuses {
		if !domain.Status(s).Valid() {
			return fmt.Errorf("config.claim.eligible_statuses has unknown status %s", s)
		}
		if domain.Status(s).Terminal() {
			return fmt.Errorf("config.claim.eligible_statuses cannot include terminal status %s", s)
		}
	}
	if c.Retry.Window <= 0 {
		return fmt.Errorf("config.retry.window must be positive")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("config.retry.max_retries must be positive")
	}
	if c.Dependencies.MaxDepth <= 0 {
		return fmt.Errorf("config.dependencies.max_depth must be positive")
	}
	if len(c.Dependencies.Types) == 0 {
		return fmt.Errorf("config.dependencies.types is required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// StartOnClaim reports whether claim_next moves the item to in_progress.
func (c *Config) StartOnClaim() bool {
	return c.Claim.StartOnClaim == nil || *c.Claim.StartOnClaim
}

func (c *Config) EligibleStatuses() []domain.Status {
	res := make([]domain.Status, 0, len(c.Claim.EligibleStatuses))
	for _, s := range c.Claim.EligibleStatuses {
		res = append(res, domain.Status(s))
	}
	return res
}

// PriorityScore maps a severity to its ordering score, 0 when unknown.
func (c *Config) PriorityScore(severity string) int {
	return c.Severity.Priority[severity]
}

func (c *Config) HasType(t string) bool {
	return contains(c.Work.Types, t)
}

func (c *Config) HasSeverity(s string) bool {
	return contains(c.Work.Severities, s)
}

func (c *Config) HasDependencyType(t string) bool {
	return contains(c.Dependencies.Types, t)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
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
	return filepath.Join(workspace, "workbridge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	cfg.Project.ID = ""
	cfg.Work.Types = nil
	cfg.Work.Severities = nil
	cfg.Claim.EligibleStatuses = nil
	cfg.Dependencies.Types = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	fillLists(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillLists restores list defaults that yaml.Unmarshal would otherwise merge
// element by element into the defaults.
func fillLists(cfg *Config) {
	def := Default("")
	if len(cfg.Work.Types) == 0 {
		cfg.Work.Types = def.Work.Types
	}
	if len(cfg.Work.Severities) == 0 {
		cfg.Work.Severities = def.Work.Severities
	}
	if len(cfg.Claim.EligibleStatuses) == 0 {
		cfg.Claim.EligibleStatuses = def.Claim.EligibleStatuses
	}
	if len(cfg.Dependencies.Types) == 0 {
		cfg.Dependencies.Types = def.Dependencies.Types
	}
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

work:
  types: [feature, bug, technical, docs, chore, report, dashboard]
  severities: [critical, high, medium, low]

severity:
  priority:
    critical: 4
    high: 3
    medium: 2
    low: 1

projector:
  interval: 5s
  max_lag: 60s
  batch_size: 500

claim:
  max_attempts: 3
  candidate_limit: 5
  start_on_claim: true
  eligible_statuses: [new, ready, backlog]

retry:
  window: 1h
  max_retries: 3

dependencies:
  max_depth: 10
  types: [blocks, relates_to, subtask_of]

# webhooks:
#   - url: https://reports.example.com/hooks/workbridge
#     events: ["work.*"]
#     secret: change-me
`
