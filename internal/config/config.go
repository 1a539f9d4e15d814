package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wshang12/BrainTraining/internal/achievement"
	"github.com/wshang12/BrainTraining/internal/ai"
	"github.com/wshang12/BrainTraining/internal/difficulty"
)

const FileName = "braintraining.yml"

// Config models braintraining.yml.
type Config struct {
	Providers    []ProviderConfig          `yaml:"providers"`
	Failover     FailoverConfig            `yaml:"failover"`
	Difficulty   DifficultyConfig          `yaml:"difficulty"`
	Achievements []achievement.Achievement `yaml:"achievements"`
	Webhooks     []WebhookConfig           `yaml:"webhooks"`
	Log          LogConfig                 `yaml:"log"`
}

type ProviderConfig struct {
	Name              string        `yaml:"name"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	Priority          int           `yaml:"priority"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type FailoverConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type DifficultyConfig struct {
	Default          float64 `yaml:"default"`
	Min              float64 `yaml:"min"`
	Max              float64 `yaml:"max"`
	TargetAccuracy   float64 `yaml:"target_accuracy"`
	TargetReactionMs float64 `yaml:"target_reaction_ms"`
	AccuracyWeight   float64 `yaml:"accuracy_weight"`
	ReactionWeight   float64 `yaml:"reaction_weight"`
}

// WebhookConfig subscribes a URL to event types. An empty Events list
// means achievement.unlocked only.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Enabled *bool    `yaml:"enabled"`
}

func (w WebhookConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bt config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// FromYAML parses, expands ${ENV} references in api keys, and validates.
func FromYAML(data []byte) (*Config, error) {
	cfg := Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = os.ExpandEnv(cfg.Providers[i].APIKey)
	}
	cfg.applyDefaults()
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

// Default returns the config produced by GenerateDefault.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = os.ExpandEnv(cfg.Providers[i].APIKey)
	}
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

func (c *Config) applyDefaults() {
	p := ai.DefaultPolicy()
	f := &c.Failover
	if f.FailureThreshold == 0 {
		f.FailureThreshold = p.FailureThreshold
	}
	if f.Cooldown == 0 {
		f.Cooldown = p.Cooldown
	}
	if f.BaseDelay == 0 {
		f.BaseDelay = p.BaseDelay
	}
	if f.MaxDelay == 0 {
		f.MaxDelay = p.MaxDelay
	}
	if f.BackoffMultiplier == 0 {
		f.BackoffMultiplier = p.BackoffMultiplier
	}

	d := difficulty.DefaultParams()
	dc := &c.Difficulty
	for _, pair := range []struct {
		dst *float64
		def float64
	}{
		{&dc.Default, d.Default},
		{&dc.Min, d.Min},
		{&dc.Max, d.Max},
		{&dc.TargetAccuracy, d.TargetAccuracy},
		{&dc.TargetReactionMs, d.TargetReactionMs},
		{&dc.AccuracyWeight, d.AccuracyWeight},
		{&dc.ReactionWeight, d.ReactionWeight},
	} {
		if *pair.dst == 0 {
			*pair.dst = pair.def
		}
	}

	if len(c.Achievements) == 0 {
		c.Achievements = achievement.DefaultCatalog()
	}
	for i := range c.Providers {
		if c.Providers[i].Timeout == 0 {
			c.Providers[i].Timeout = 30 * time.Second
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("config.providers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %s", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider %s: model is required", p.Name)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("provider %s: max_retries must be >= 0", p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider %s: timeout must be >= 0", p.Name)
		}
		if p.RequestsPerSecond < 0 {
			return fmt.Errorf("provider %s: requests_per_second must be >= 0", p.Name)
		}
	}
	f := c.Failover
	if f.FailureThreshold < 1 {
		return fmt.Errorf("config.failover.failure_threshold must be >= 1")
	}
	if f.Cooldown < 0 || f.BaseDelay < 0 || f.MaxDelay < 0 {
		return fmt.Errorf("config.failover durations must be >= 0")
	}
	if f.BackoffMultiplier <= 0 {
		return fmt.Errorf("config.failover.backoff_multiplier must be positive")
	}
	if err := c.DifficultyParams().Validate(); err != nil {
		return fmt.Errorf("config.difficulty: %w", err)
	}
	if err := achievement.ValidateCatalog(c.Achievements); err != nil {
		return fmt.Errorf("config.achievements: %w", err)
	}
	for i, w := range c.Webhooks {
		if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
		for _, e := range w.Events {
			if e == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// AIProviders converts the provider section for ai.New.
func (c *Config) AIProviders() []ai.Provider {
	out := make([]ai.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, ai.Provider{
			Name:              p.Name,
			BaseURL:           p.BaseURL,
			Model:             p.Model,
			APIKey:            p.APIKey,
			Priority:          p.Priority,
			Timeout:           p.Timeout,
			MaxRetries:        p.MaxRetries,
			RequestsPerSecond: p.RequestsPerSecond,
		})
	}
	return out
}

func (c *Config) AIPolicy() ai.Policy {
	f := c.Failover
	return ai.Policy{
		FailureThreshold:  f.FailureThreshold,
		Cooldown:          f.Cooldown,
		BaseDelay:         f.BaseDelay,
		MaxDelay:          f.MaxDelay,
		BackoffMultiplier: f.BackoffMultiplier,
	}
}

func (c *Config) DifficultyParams() difficulty.Params {
	d := c.Difficulty
	return difficulty.Params{
		Default:          d.Default,
		Min:              d.Min,
		Max:              d.Max,
		TargetAccuracy:   d.TargetAccuracy,
		TargetReactionMs: d.TargetReactionMs,
		AccuracyWeight:   d.AccuracyWeight,
		ReactionWeight:   d.ReactionWeight,
	}
}

const defaultTemplate = `providers:
  - name: cerebras
    base_url: https://your-api-gateway.com/proxy/cerebras/v1
    model: llama3.1-70b
    api_key: ${AI_API_KEY_CEREBRAS}
    priority: 1
    timeout: 30s
    max_retries: 2
  - name: gemini
    base_url: https://your-api-gateway.com/proxy/gemini/v1beta/openai
    model: gemini-2.0-flash-exp
    api_key: ${AI_API_KEY_GEMINI}
    priority: 2
    timeout: 30s
    max_retries: 2
  - name: openai
    base_url: https://api.openai.com/v1
    model: gpt-3.5-turbo
    api_key: ${AI_API_KEY_OPENAI}
    priority: 3
    timeout: 30s
    max_retries: 2

failover:
  failure_threshold: 3
  cooldown: 60s
  base_delay: 1s
  max_delay: 10s
  backoff_multiplier: 2

difficulty:
  default: 0.7
  min: 0.2
  max: 1.8
  target_accuracy: 0.8
  target_reaction_ms: 800
  accuracy_weight: 0.4
  reaction_weight: 0.2

# achievements: omitted to use the built-in catalog.

webhooks: []

log:
  level: info
  json: false
`
