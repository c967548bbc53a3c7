package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storyforge/internal/domain"
)

const fileName = "storyforge.yml"

// Config models storyforge.yml.
type Config struct {
	Agents       map[domain.Stage]AgentConfig `yaml:"agents"`
	Provider     ProviderConfig               `yaml:"provider"`
	Dispatch     DispatchConfig               `yaml:"dispatch"`
	Queue        QueueConfig                  `yaml:"queue"`
	Conversation ConversationConfig           `yaml:"conversation"`
}

type AgentConfig struct {
	ID           string `yaml:"id"`
	Instructions string `yaml:"instructions"`
}

// ProviderConfig selects the external conversational service. APIKey is
// normally injected from the environment rather than written to the file.
type ProviderConfig struct {
	Kind     string        `yaml:"kind"`
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`

	// SessionTTL expires idle in-process sessions; zero keeps them forever.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type DispatchConfig struct {
	MaxPolls        int           `yaml:"max_polls"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

type QueueConfig struct {
	Attempts      int           `yaml:"attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type ConversationConfig struct {
	Apology        string `yaml:"apology"`
	CompleteMarker string `yaml:"complete_marker"`
}

const (
	ProviderAssistants = "assistants"
	ProviderGemini     = "gemini"
)

// AgentIDs returns the static stage→agent table.
func (c *Config) AgentIDs() map[domain.Stage]string {
	out := make(map[domain.Stage]string, len(c.Agents))
	for st, a := range c.Agents {
		out[st] = a.ID
	}
	return out
}

// Instructions returns agent id → system instructions.
func (c *Config) Instructions() map[string]string {
	out := make(map[string]string, len(c.Agents))
	for _, a := range c.Agents {
		out[a.ID] = a.Instructions
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]domain.Stage{}
	for _, st := range domain.Stages {
		a, ok := c.Agents[st]
		if !ok || strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("config.agents.%s.id is required", st)
		}
		if prev, dup := seen[a.ID]; dup {
			return fmt.Errorf("agent id %s is used by both %s and %s", a.ID, prev, st)
		}
		seen[a.ID] = st
	}
	for st := range c.Agents {
		if !st.Valid() {
			return fmt.Errorf("config.agents has unknown stage %s", st)
		}
	}
	switch c.Provider.Kind {
	case ProviderAssistants:
		if c.Provider.Endpoint == "" {
			return fmt.Errorf("config.provider.endpoint is required for kind %s", ProviderAssistants)
		}
	case ProviderGemini:
		if c.Provider.Model == "" {
			return fmt.Errorf("config.provider.model is required for kind %s", ProviderGemini)
		}
	default:
		return fmt.Errorf("config.provider.kind must be %q or %q", ProviderAssistants, ProviderGemini)
	}
	if c.Dispatch.MaxPolls <= 0 {
		return fmt.Errorf("config.dispatch.max_polls must be positive")
	}
	if c.Dispatch.InitialInterval <= 0 || c.Dispatch.MaxInterval < c.Dispatch.InitialInterval {
		return fmt.Errorf("config.dispatch intervals must be positive and max_interval >= initial_interval")
	}
	if c.Dispatch.Multiplier < 1 {
		return fmt.Errorf("config.dispatch.multiplier must be >= 1")
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("config.queue.attempts must be positive")
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("config.queue delays must be positive and max_delay >= base_delay")
	}
	if c.Queue.RetryInterval <= 0 {
		return fmt.Errorf("config.queue.retry_interval must be positive")
	}
	if strings.TrimSpace(c.Conversation.Apology) == "" {
		return fmt.Errorf("config.conversation.apology is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := parse([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return cfg
}

// FromYAML parses raw YAML on top of the defaults and validates the result,
// so a file only needs the keys it overrides.
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

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `agents:
  genre:
    id: agent-genre
    instructions: |
      You help a writer pick the genre, tone and audience of a new story.
      Ask one question at a time. When genre, tone and audience are settled,
      summarise them and end your reply with [[STAGE COMPLETE]].
  environment:
    id: agent-environment
    instructions: |
      You help a writer describe the physical setting of the story: places,
      climate, era and technology level. When the setting is clear, summarise it
      and end your reply with [[STAGE COMPLETE]].
  world:
    id: agent-world
    instructions: |
      You help a writer define the rules of the world: history, societies,
      power structures and any magic or science systems. When the rules are
      consistent, summarise them and end your reply with [[STAGE COMPLETE]].
  character:
    id: agent-character
    instructions: |
      You help a writer build the cast: protagonists, antagonists and their
      goals, flaws and relationships. When the main cast is defined, summarise
      it and end your reply with [[STAGE COMPLETE]].

provider:
  kind: gemini
  endpoint: http://127.0.0.1:8787/v1
  model: gemini-2.5-flash
  timeout: 30s
  session_ttl: 2h

dispatch:
  max_polls: 30
  initial_interval: 500ms
  max_interval: 5s
  multiplier: 1.5

queue:
  attempts: 3
  base_delay: 500ms
  max_delay: 4s
  retry_interval: 5s

conversation:
  apology: "Sorry, I couldn't come up with a reply just now. Please try again in a moment."
  complete_marker: "[[STAGE COMPLETE]]"
`
