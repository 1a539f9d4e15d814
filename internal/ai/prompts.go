package ai

import "fmt"

// SystemPromptKind selects a canned system prompt.
type SystemPromptKind string

const (
	PromptNone                SystemPromptKind = ""
	PromptTrainingAdvice      SystemPromptKind = "training_advice"
	PromptPerformanceAnalysis SystemPromptKind = "performance_analysis"
	PromptMotivation          SystemPromptKind = "motivation"
	PromptGeneralChat         SystemPromptKind = "general_chat"
)

var systemPrompts = map[SystemPromptKind]string{
	PromptTrainingAdvice: "You are a cognitive-training coach. Give personalised training advice from the player's game data. " +
		"Be warm and encouraging, refer to the actual numbers, keep suggestions concrete and answer in under 100 words.",
	PromptPerformanceAnalysis: "You are a cognitive-science expert analysing a player's performance trend. " +
		"Stay objective and data-driven, lead with progress and highlights, point out weak spots gently and explain the science briefly.",
	PromptMotivation: "You are an upbeat motivational coach. Write a short, sincere, personal line of encouragement " +
		"that makes the player want to keep training. At most 50 words.",
	PromptGeneralChat: "You are the assistant of a brain-training app. Answer questions about cognitive training, game tactics and brain health " +
		"in a friendly, professional and easy-to-follow way, give practical tips and suggest a relevant game when it fits. Do not give medical advice.",
}

// SystemPrompt returns the canned text for kind.
func SystemPrompt(kind SystemPromptKind) (string, bool) {
	s, ok := systemPrompts[kind]
	return s, ok
}

// Kinds lists the supported prompt kinds.
func Kinds() []SystemPromptKind {
	return []SystemPromptKind{PromptTrainingAdvice, PromptPerformanceAnalysis, PromptMotivation, PromptGeneralChat}
}

// normalize validates req and returns the message list to send. A canned
// system prompt is prepended only when the request carries no system message.
func normalize(req ChatRequest) ([]Message, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	hasSystem := false
	for i, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			hasSystem = true
		case RoleUser, RoleAssistant:
		default:
			return nil, fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		return nil, fmt.Errorf("%w: temperature must be within [0,2]", ErrInvalidRequest)
	}
	if n := req.MaxTokens; n != nil && (*n < 1 || *n > 4000) {
		return nil, fmt.Errorf("%w: max_tokens must be within [1,4000]", ErrInvalidRequest)
	}
	if p := req.TopP; p != nil && (*p <= 0 || *p > 1) {
		return nil, fmt.Errorf("%w: top_p must be within (0,1]", ErrInvalidRequest)
	}
	out := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPromptKind != PromptNone {
		text, ok := SystemPrompt(req.SystemPromptKind)
		if !ok {
			return nil, fmt.Errorf("%w: unknown system prompt kind %q", ErrInvalidRequest, req.SystemPromptKind)
		}
		if !hasSystem {
			out = append(out, Message{Role: RoleSystem, Content: text})
		}
	}
	return append(out, req.Messages...), nil
}
