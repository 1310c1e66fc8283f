package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gammazero/toposort"
	"gopkg.in/yaml.v3"
)

// ConfigurationError is returned for malformed jurisdiction or scheduler
// definitions. It is fatal at load time and never reaches the scheduler.
type ConfigurationError struct {
	Msg string
}

func (e ConfigurationError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// Config models formline.yml: the jurisdiction stage catalog plus scheduler
// settings. Stages are immutable reference data once loaded.
type Config struct {
	Scheduler     Scheduler               `yaml:"scheduler"`
	Jurisdictions map[string]Jurisdiction `yaml:"jurisdictions"`
	Webhooks      []Webhook               `yaml:"webhooks,omitempty"`
}

// Webhook configures outbound event delivery. An empty Events list
// subscribes to every event type.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

type Scheduler struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BackoffBaseSec int     `yaml:"backoff_base_sec"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
	BackoffCapSec  int     `yaml:"backoff_cap_sec"`
}

type Jurisdiction struct {
	Name       string           `yaml:"name"`
	Stages     []Stage          `yaml:"stages"`
	Compliance []ComplianceRule `yaml:"compliance"`
}

// Stage is one ordered phase of a jurisdiction's formation workflow.
type Stage struct {
	Key   string      `yaml:"key"`
	Title string      `yaml:"title"`
	Tasks []StageTask `yaml:"tasks"`
}

// StageTask declares one unit of work within a stage. DependsOn names other
// task keys within the same stage.
type StageTask struct {
	Key       string   `yaml:"key"`
	Title     string   `yaml:"title"`
	Role      string   `yaml:"role"`
	DependsOn []string `yaml:"depends_on"`
}

// ComplianceRule seeds recurring obligations once a case completes.
type ComplianceRule struct {
	Type        string  `yaml:"type"`
	Description string  `yaml:"description"`
	DueMonths   int     `yaml:"due_months"`
	Fee         float64 `yaml:"fee"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the built-in default catalog if the config file does
// not exist.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, configErrorf("invalid config yaml: %v", err)
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

// Validate ensures the catalog is structurally sound: non-empty stage lists,
// unique keys, known roles on every task, and acyclic intra-stage
// dependencies. Cycles are rejected here so they can never reach the
// scheduler at runtime.
func (c *Config) Validate() error {
	if c.Scheduler.MaxAttempts <= 0 {
		return configErrorf("scheduler.max_attempts must be positive")
	}
	if c.Scheduler.BackoffBaseSec <= 0 {
		return configErrorf("scheduler.backoff_base_sec must be positive")
	}
	if c.Scheduler.BackoffFactor < 1 {
		return configErrorf("scheduler.backoff_factor must be >= 1")
	}
	if c.Scheduler.BackoffCapSec < c.Scheduler.BackoffBaseSec {
		return configErrorf("scheduler.backoff_cap_sec must be >= backoff_base_sec")
	}
	if len(c.Jurisdictions) == 0 {
		return configErrorf("config.jurisdictions is required")
	}
	for code, j := range c.Jurisdictions {
		if code == "" {
			return configErrorf("jurisdiction with empty code")
		}
		if len(j.Stages) == 0 {
			return configErrorf("jurisdiction %s has no stages", code)
		}
		if err := ValidateStages(j.Stages); err != nil {
			return configErrorf("jurisdiction %s: %v", code, err)
		}
		for _, r := range j.Compliance {
			if r.Type == "" {
				return configErrorf("jurisdiction %s has compliance rule with empty type", code)
			}
			if r.DueMonths <= 0 {
				return configErrorf("jurisdiction %s compliance %s: due_months must be positive", code, r.Type)
			}
		}
	}
	return nil
}

// ValidateStages checks an ordered stage list for unique keys, declared
// roles, and acyclic intra-stage dependencies. Planner output goes through
// the same check before any stage is activated.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return configErrorf("plan has no stages")
	}
	stageKeys := map[string]bool{}
	for _, s := range stages {
		if s.Key == "" {
			return configErrorf("stage with empty key")
		}
		if stageKeys[s.Key] {
			return configErrorf("duplicate stage key %s", s.Key)
		}
		stageKeys[s.Key] = true
		if len(s.Tasks) == 0 {
			return configErrorf("stage %s has no tasks", s.Key)
		}
		if err := validateStageTasks(s); err != nil {
			return err
		}
	}
	return nil
}

func validateStageTasks(s Stage) error {
	taskKeys := map[string]bool{}
	for _, t := range s.Tasks {
		if t.Key == "" {
			return configErrorf("stage %s has a task with empty key", s.Key)
		}
		if taskKeys[t.Key] {
			return configErrorf("stage %s: duplicate task key %s", s.Key, t.Key)
		}
		if t.Role == "" {
			return configErrorf("stage %s task %s: role is required", s.Key, t.Key)
		}
		taskKeys[t.Key] = true
	}
	var edges []toposort.Edge
	for _, t := range s.Tasks {
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.Key})
			continue
		}
		for _, dep := range t.DependsOn {
			if !taskKeys[dep] {
				return configErrorf("stage %s task %s depends on unknown task %s", s.Key, t.Key, dep)
			}
			if dep == t.Key {
				return configErrorf("stage %s task %s depends on itself", s.Key, t.Key)
			}
			edges = append(edges, toposort.Edge{dep, t.Key})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return configErrorf("stage %s has a dependency cycle: %v", s.Key, err)
	}
	return nil
}

// Jurisdiction returns the stage list for a jurisdiction code.
func (c *Config) Jurisdiction(code string) (Jurisdiction, error) {
	j, ok := c.Jurisdictions[code]
	if !ok {
		return Jurisdiction{}, configErrorf("jurisdiction %s not in catalog", code)
	}
	return j, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "formline.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in catalog.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `scheduler:
  max_attempts: 3
  backoff_base_sec: 1
  backoff_factor: 2
  backoff_cap_sec: 60

jurisdictions:
  DE:
    name: Delaware
    stages:
      - key: name-reservation
        title: Reserve business name
        tasks:
          - key: name-search
            title: Search name availability
            role: researcher
          - key: name-reserve
            title: Reserve the name
            role: filer
            depends_on: [name-search]
      - key: registered-agent
        title: Designate registered agent
        tasks:
          - key: agent-designate
            title: Designate a registered agent
            role: filer
      - key: filing
        title: File Articles of Organization
        tasks:
          - key: articles-draft
            title: Draft Articles of Organization
            role: drafter
          - key: articles-file
            title: File with the Division of Corporations
            role: filer
            depends_on: [articles-draft]
      - key: ein
        title: Obtain EIN
        tasks:
          - key: ein-apply
            title: Apply for EIN with the IRS
            role: filer
    compliance:
      - type: annual_report
        description: File Delaware annual report
        due_months: 12
        fee: 300
      - type: franchise_tax
        description: Pay Delaware franchise tax
        due_months: 12
        fee: 300

  WY:
    name: Wyoming
    stages:
      - key: name-reservation
        title: Reserve business name
        tasks:
          - key: name-search
            title: Search name availability
            role: researcher
      - key: filing
        title: File Articles of Organization
        tasks:
          - key: articles-draft
            title: Draft Articles of Organization
            role: drafter
          - key: articles-file
            title: File with the Secretary of State
            role: filer
            depends_on: [articles-draft]
      - key: ein
        title: Obtain EIN
        tasks:
          - key: ein-apply
            title: Apply for EIN with the IRS
            role: filer
    compliance:
      - type: annual_report
        description: File Wyoming annual report
        due_months: 12
        fee: 50
`
