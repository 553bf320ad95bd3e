package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scopeline/internal/domain"
)

const (
	FileName        = "scopeline.yml"
	DefaultStateDir = ".scopeline"
)

// Config models scopeline.yml.
type Config struct {
	Workspace struct {
		StateDir string   `yaml:"state_dir" json:"state_dir"`
		Ignore   []string `yaml:"ignore" json:"ignore"`
	} `yaml:"workspace" json:"workspace"`
	Worker struct {
		Command        string        `yaml:"command" json:"command"`
		Timeout        time.Duration `yaml:"timeout" json:"timeout"`
		ReportMaxBytes int           `yaml:"report_max_bytes" json:"report_max_bytes"`
	} `yaml:"worker" json:"worker"`
	Orchestrator struct {
		MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
		MaxParallel int `yaml:"max_parallel" json:"max_parallel"`
	} `yaml:"orchestrator" json:"orchestrator"`
	Validation struct {
		Checks []domain.CheckSpec `yaml:"checks" json:"checks"`
	} `yaml:"validation" json:"validation"`
	Log struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
		File   bool   `yaml:"file" json:"file"`
	} `yaml:"log" json:"log"`
	Server struct {
		Addr     string `yaml:"addr" json:"addr"`
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events" json:"events"`
	Enabled *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Plan is the task specification file handed to `sl plan`.
type Plan struct {
	Tasks []domain.TaskSpec `yaml:"tasks"`
}

// Load reads config from the workspace, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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
	if strings.TrimSpace(c.Workspace.StateDir) == "" {
		return fmt.Errorf("config.workspace.state_dir is required")
	}
	if c.Worker.Timeout < 0 {
		return fmt.Errorf("config.worker.timeout must not be negative")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("config.orchestrator.max_attempts must be >= 1")
	}
	if c.Orchestrator.MaxParallel < 0 {
		return fmt.Errorf("config.orchestrator.max_parallel must be >= 0")
	}
	seen := map[string]bool{}
	for i, chk := range c.Validation.Checks {
		if err := ValidateCheck(chk); err != nil {
			return fmt.Errorf("config.validation.checks[%d]: %w", i, err)
		}
		if seen[chk.Name] {
			return fmt.Errorf("config.validation.checks has duplicate name %s", chk.Name)
		}
		seen[chk.Name] = true
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ValidateCheck checks a single validation program declaration.
func ValidateCheck(chk domain.CheckSpec) error {
	if strings.TrimSpace(chk.Name) == "" {
		return fmt.Errorf("check name is required")
	}
	switch chk.Kind {
	case "", "command":
		if strings.TrimSpace(chk.Run) == "" {
			return fmt.Errorf("check %s: run is required", chk.Name)
		}
	case "parse":
		if len(chk.Paths) == 0 {
			return fmt.Errorf("check %s: paths are required", chk.Name)
		}
	default:
		return fmt.Errorf("check %s: unknown kind %q", chk.Name, chk.Kind)
	}
	if chk.Timeout < 0 {
		return fmt.Errorf("check %s: timeout must not be negative", chk.Name)
	}
	return nil
}

// StatePath returns the absolute state directory for a workspace.
func (c *Config) StatePath(workspace string) string {
	if filepath.IsAbs(c.Workspace.StateDir) {
		return c.Workspace.StateDir
	}
	return filepath.Join(workspace, c.Workspace.StateDir)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// PlanFromFile reads a task plan.
func PlanFromFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	return PlanFromYAML(data)
}

func PlanFromYAML(data []byte) (Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Plan{}, fmt.Errorf("invalid plan yaml: %w", err)
	}
	if len(p.Tasks) == 0 {
		return Plan{}, fmt.Errorf("plan has no tasks")
	}
	return p, nil
}

const defaultTemplate = `workspace:
  state_dir: .scopeline
  ignore: [.git/]

worker:
  # Runs with sh -c in the workspace root. The objective is on stdin and in
  # $SCOPELINE_OBJECTIVE_FILE; write the completion report to $SCOPELINE_REPORT_PATH.
  command: 'echo "no worker configured" >&2; exit 1'
  timeout: 30m
  report_max_bytes: 65536

orchestrator:
  max_attempts: 3
  max_parallel: 0

validation:
  checks: []

log:
  level: info
  format: console
  file: true

server:
  addr: 127.0.0.1:8787
  base_path: /v0

webhooks: []
`
