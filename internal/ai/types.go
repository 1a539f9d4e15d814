package ai

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role" enum:"system,user,assistant"`
	Content string `json:"content"`
}

// ChatRequest is what callers hand to Complete. Optional sampling fields are
// pointers so an unset value is omitted from the provider payload.
type ChatRequest struct {
	Messages         []Message        `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty" minimum:"0" maximum:"2"`
	MaxTokens        *int             `json:"max_tokens,omitempty" minimum:"1" maximum:"4000"`
	TopP             *float64         `json:"top_p,omitempty"`
	SystemPromptKind SystemPromptKind `json:"system_prompt_kind,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse always comes from exactly one provider.
type ChatResponse struct {
	RequestID    string `json:"request_id"`
	Content      string `json:"content"`
	ProviderName string `json:"provider"`
	Model        string `json:"model"`
	Usage        *Usage `json:"usage,omitempty"`
	Attempts     int    `json:"attempts"`
}

// Provider describes one remote chat-completion endpoint. Lower Priority is tried first.
type Provider struct {
	Name              string        `json:"name"`
	BaseURL           string        `json:"base_url"`
	Model             string        `json:"model"`
	APIKey            string        `json:"-"`
	Priority          int           `json:"priority"`
	Timeout           time.Duration `json:"timeout"`
	MaxRetries        int           `json:"max_retries"`
	RequestsPerSecond float64       `json:"requests_per_second,omitempty"`
}

func (p Provider) validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("provider name is required")
	case p.BaseURL == "":
		return fmt.Errorf("provider %s: base url is required", p.Name)
	case p.Model == "":
		return fmt.Errorf("provider %s: model is required", p.Name)
	case p.MaxRetries < 0:
		return fmt.Errorf("provider %s: max retries must be >= 0", p.Name)
	case p.Timeout < 0:
		return fmt.Errorf("provider %s: timeout must be >= 0", p.Name)
	case p.RequestsPerSecond < 0:
		return fmt.Errorf("provider %s: requests per second must be >= 0", p.Name)
	}
	return nil
}

// Policy holds the breaker and backoff constants shared by every provider.
type Policy struct {
	FailureThreshold  int
	Cooldown          time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:  3,
		Cooldown:          60 * time.Second,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	return p
}
