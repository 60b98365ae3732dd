package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models trialcard.yml.
type Config struct {
	Plant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"plant"`
	Flow struct {
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"flow"`
	Routing struct {
		Strategies []StrategyConfig `yaml:"strategies"`
	} `yaml:"routing"`
	Notifier struct {
		Enabled        bool   `yaml:"enabled"`
		URL            string `yaml:"url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		LinkBase       string `yaml:"link_base"`
	} `yaml:"notifier"`
	Reports struct {
		Dir string `yaml:"dir"`
	} `yaml:"reports"`
}

// StageConfig is one ordered department checkpoint in the approval flow.
type StageConfig struct {
	Seq        int    `yaml:"seq"`
	Department string `yaml:"department"`
}

// StrategyConfig overrides assignee resolution for a (department, trial
// type) pair: either substitute a different department's pool entirely, or
// narrow the pool to a subtype cohort within the same department.
type StrategyConfig struct {
	Department       string `yaml:"department"`
	TrialType        string `yaml:"trial_type"`
	TargetDepartment string `yaml:"target_department,omitempty"`
	Subtype          string `yaml:"subtype,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with tcard config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Plant.ID == "" {
		return fmt.Errorf("config.plant.id is required")
	}
	if len(c.Flow.Stages) == 0 {
		return fmt.Errorf("config.flow.stages is required")
	}
	seen := map[string]bool{}
	prevSeq := 0
	for i, s := range c.Flow.Stages {
		if s.Department == "" {
			return fmt.Errorf("flow stage %d has empty department", i)
		}
		if seen[s.Department] {
			return fmt.Errorf("flow stage department %s appears twice", s.Department)
		}
		seen[s.Department] = true
		if s.Seq <= prevSeq {
			return fmt.Errorf("flow stage %s: seq %d must be greater than %d (stages are ordered ascending)", s.Department, s.Seq, prevSeq)
		}
		prevSeq = s.Seq
	}
	pairs := map[string]bool{}
	for _, st := range c.Routing.Strategies {
		if st.Department == "" || st.TrialType == "" {
			return fmt.Errorf("routing strategy requires department and trial_type")
		}
		if !seen[st.Department] {
			return fmt.Errorf("routing strategy references department %s not in the flow", st.Department)
		}
		if st.TargetDepartment == "" && st.Subtype == "" {
			return fmt.Errorf("routing strategy for %s/%s must set target_department or subtype", st.Department, st.TrialType)
		}
		if st.TargetDepartment != "" && st.Subtype != "" {
			return fmt.Errorf("routing strategy for %s/%s cannot set both target_department and subtype", st.Department, st.TrialType)
		}
		key := st.Department + "|" + st.TrialType
		if pairs[key] {
			return fmt.Errorf("duplicate routing strategy for %s/%s", st.Department, st.TrialType)
		}
		pairs[key] = true
	}
	if c.Notifier.TimeoutSeconds < 0 {
		return fmt.Errorf("config.notifier.timeout_seconds must not be negative")
	}
	if c.Notifier.Enabled && c.Notifier.URL == "" {
		return fmt.Errorf("config.notifier.url is required when the notifier is enabled")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trialcard.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(plantID string) string {
	return fmt.Sprintf(defaultTemplate, plantID)
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

// Default returns the default Config struct for a plant.
func Default(plantID string) *Config {
	var cfg Config
	cfg.Plant.ID = plantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, plantID))).Decode(&cfg)
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

const defaultTemplate = `plant:
  id: %s
  name: Main foundry plant

flow:
  stages:
    - seq: 10
      department: PED
    - seq: 20
      department: METHODS
    - seq: 30
      department: FOUNDRY
    - seq: 40
      department: MACHINING
    - seq: 50
      department: QUALITY
    - seq: 60
      department: DISPATCH

routing:
  strategies:
    # Customer-end trials are machined outside; the stage stays MACHINING on
    # the card but the work is owned by the subcontract cell's pool.
    - department: MACHINING
      trial_type: CUSTOMER END
      target_department: SUBCON_MACHINING
    - department: MACHINING
      trial_type: NPD
      subtype: NPD
    - department: MACHINING
      trial_type: REGULAR
      subtype: REGULAR

notifier:
  enabled: false
  url: ""
  secret: ""
  timeout_seconds: 5
  link_base: http://localhost:8080

reports:
  dir: ""
`
