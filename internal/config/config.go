package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gateflow.yml: the gate catalog plus workflow policies.
type Config struct {
	Workflow struct {
		ID string `yaml:"id"`
	} `yaml:"workflow"`
	Roles map[string]Role     `yaml:"roles"`
	Gates map[string]GateSpec `yaml:"gates"`
	Questions struct {
		DefaultSLAHours int    `yaml:"default_sla_hours"`
		Escalation      string `yaml:"escalation"`
		BlockingGate    string `yaml:"blocking_gate"`
	} `yaml:"questions"`
	Compaction struct {
		Threshold int `yaml:"threshold"`
		RetainN   int `yaml:"retain_n"`
	} `yaml:"compaction"`
	Lock struct {
		WaitMillis int `yaml:"wait_millis"`
	} `yaml:"lock"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig points activity pushes at an external tracker endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Kinds          []string `yaml:"kinds,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

type Role struct {
	Description string `yaml:"description"`
}

// GateSpec is the YAML shape of one gate catalog entry.
type GateSpec struct {
	Ordinal    int      `yaml:"ordinal"`
	Owner      string   `yaml:"owner"`
	Supporting []string `yaml:"supporting,omitempty"`
	After      []string `yaml:"after,omitempty"`
	Require    []string `yaml:"require,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with gf catalog init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or the default one if the
// config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Catalog topology
// (DAG, reachability) is validated by the catalog package.
func (c *Config) Validate() error {
	if len(c.Gates) == 0 {
		return fmt.Errorf("config.gates is required")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for id, g := range c.Gates {
		if id == "" {
			return fmt.Errorf("config.gates contains empty gate id")
		}
		if g.Ordinal <= 0 {
			return fmt.Errorf("gate %s needs a positive ordinal", id)
		}
		if g.Owner == "" {
			return fmt.Errorf("gate %s has no owner role", id)
		}
		if _, ok := c.Roles[g.Owner]; !ok {
			return fmt.Errorf("gate %s owner references unknown role %s", id, g.Owner)
		}
		for _, r := range g.Supporting {
			if _, ok := c.Roles[r]; !ok {
				return fmt.Errorf("gate %s supporting references unknown role %s", id, r)
			}
		}
		for _, p := range g.After {
			if _, ok := c.Gates[p]; !ok {
				return fmt.Errorf("gate %s lists unknown prerequisite %s", id, p)
			}
		}
		for _, k := range g.Require {
			if k == "" {
				return fmt.Errorf("gate %s has empty evidence kind", id)
			}
		}
	}
	if c.Questions.Escalation != "" && c.Questions.Escalation != "none" && c.Questions.Escalation != "gate" {
		return fmt.Errorf("questions.escalation must be none or gate")
	}
	if c.Questions.Escalation == "gate" && c.Questions.BlockingGate != "" {
		if _, ok := c.Gates[c.Questions.BlockingGate]; !ok {
			return fmt.Errorf("questions.blocking_gate references unknown gate %s", c.Questions.BlockingGate)
		}
	}
	if c.Compaction.RetainN < 0 || c.Compaction.Threshold < 0 {
		return fmt.Errorf("compaction thresholds must be non-negative")
	}
	return nil
}

// QuestionSLAHours returns the default SLA for auto-created open questions.
func (c *Config) QuestionSLAHours() int {
	if c.Questions.DefaultSLAHours <= 0 {
		return 72
	}
	return c.Questions.DefaultSLAHours
}

// CompactionRetain returns how many trailing ledger entries stay live.
func (c *Config) CompactionRetain() int {
	if c.Compaction.RetainN <= 0 {
		return 50
	}
	return c.Compaction.RetainN
}

// CompactionThreshold returns the live-log length that triggers compaction;
// zero disables threshold-triggered runs.
func (c *Config) CompactionThreshold() int {
	return c.Compaction.Threshold
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workflowID string) string {
	return fmt.Sprintf(defaultTemplate, workflowID)
}

// Default returns the default Config struct.
func Default(workflowID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workflowID))).Decode(&cfg)
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

const defaultTemplate = `workflow:
  id: %s

roles:
  product:
    description: "Product management"
  agile:
    description: "Delivery / agile coaching"
  engineering:
    description: "Implementation"
  qa:
    description: "Quality assurance"
  pm:
    description: "Program management and external sync"

gates:
  product.discovery:
    ordinal: 1
    owner: product
    require: [market_research, user_interviews]

  product.prd:
    ordinal: 2
    owner: product
    supporting: [pm]
    after: [product.discovery]
    require: [prd_document]

  agile.planning:
    ordinal: 3
    owner: agile
    supporting: [product, engineering]
    after: [product.prd]
    require: [backlog, estimates]

  code.implement:
    ordinal: 4
    owner: engineering
    after: [agile.planning]
    require: [change_set, unit_tests]

  code.review:
    ordinal: 5
    owner: engineering
    supporting: [qa]
    after: [code.implement]
    require: [review_notes]

  qa.ready:
    ordinal: 6
    owner: qa
    supporting: [engineering]
    after: [code.review]
    require: [test_plan]

  qa.contract:
    ordinal: 7
    owner: qa
    after: [qa.ready]
    require: [api_contracts]

  qa.e2e:
    ordinal: 8
    owner: qa
    after: [qa.contract]
    require: [e2e_results]

  pm.sync:
    ordinal: 9
    owner: pm
    supporting: [product]
    after: [qa.e2e]
    require: [status_report]

questions:
  default_sla_hours: 72
  escalation: gate
  blocking_gate: pm.sync

compaction:
  threshold: 200
  retain_n: 50

lock:
  wait_millis: 2000
`
