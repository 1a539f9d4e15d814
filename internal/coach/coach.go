// Package coach builds the user-facing AI features on top of the failover
// client. Everything except Chat falls back to rule-based text.
package coach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wshang12/BrainTraining/internal/ai"
	"github.com/wshang12/BrainTraining/internal/domain"
	"github.com/wshang12/BrainTraining/internal/observability"
)

// ErrUnavailable is what end users see when no provider could answer.
var ErrUnavailable = errors.New("service unavailable, try later")

// Completer is satisfied by *ai.Client.
type Completer interface {
	Complete(ctx context.Context, req ai.ChatRequest) (ai.ChatResponse, error)
}

type Source string

const (
	SourceAI    Source = "ai"
	SourceRules Source = "rules"
)

// Advice is a coaching text and where it came from. Provider is empty for
// rule-based text.
type Advice struct {
	Text      string `json:"text"`
	Source    Source `json:"source" enum:"ai,rules"`
	Provider  string `json:"provider,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type Coach struct {
	ai   Completer
	log  logrus.FieldLogger
	intn func(n int) int
}

func New(c Completer, log logrus.FieldLogger) *Coach {
	if log == nil {
		log = observability.Discard()
	}
	return &Coach{ai: c, log: log, intn: rand.Intn}
}

// Chat continues a conversation. Failover failures are reported as
// ErrUnavailable wrapping the cause; invalid requests pass through unchanged.
func (c *Coach) Chat(ctx context.Context, history []ai.Message, message string) (ai.ChatResponse, error) {
	if strings.TrimSpace(message) == "" {
		return ai.ChatResponse{}, fmt.Errorf("%w: message is required", ai.ErrInvalidRequest)
	}
	msgs := make([]ai.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: message})
	temp := 0.7
	resp, err := c.ai.Complete(ctx, ai.ChatRequest{
		Messages:         msgs,
		Temperature:      &temp,
		SystemPromptKind: ai.PromptGeneralChat,
	})
	if err != nil {
		return ai.ChatResponse{}, c.unavailable(err)
	}
	return resp, nil
}

func (c *Coach) unavailable(err error) error {
	if errors.Is(err, ai.ErrInvalidRequest) {
		return err
	}
	c.log.WithError(err).Warn("chat completion failed")
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// TrainingAdvice suggests what to practise next from recent sessions. It
// never fails: when no provider answers a rule-based suggestion is returned.
func (c *Coach) TrainingAdvice(ctx context.Context, recent []domain.SessionOutcome) Advice {
	maxTokens := 300
	temp := 0.8
	resp, err := c.ai.Complete(ctx, ai.ChatRequest{
		Messages:         []ai.Message{{Role: ai.RoleUser, Content: summarize(recent) + "\n\nWhat should I train today?"}},
		Temperature:      &temp,
		MaxTokens:        &maxTokens,
		SystemPromptKind: ai.PromptTrainingAdvice,
	})
	if err != nil {
		c.log.WithError(err).Warn("training advice falling back to rules")
		return Advice{Text: fallbackAdvice(recent), Source: SourceRules}
	}
	return Advice{Text: resp.Content, Source: SourceAI, Provider: resp.ProviderName, RequestID: resp.RequestID}
}

// AnalyzeSession comments on one finished session against earlier sessions
// of the same game, falling back to rules like TrainingAdvice.
func (c *Coach) AnalyzeSession(ctx context.Context, current domain.SessionOutcome, history []domain.SessionOutcome) Advice {
	maxTokens := 400
	temp := 0.7
	prompt := fmt.Sprintf("Session just finished: game=%s score=%d accuracy=%.1f%% reaction=%.0fms mistakes=%d; recent average score for this game: %.0f.\n\nAnalyse it and suggest one improvement.",
		current.GameID, current.Score, current.Accuracy*100, current.MeanReactionTimeMs, current.Mistakes, averageScore(current.GameID, history))
	resp, err := c.ai.Complete(ctx, ai.ChatRequest{
		Messages:         []ai.Message{{Role: ai.RoleUser, Content: prompt}},
		Temperature:      &temp,
		MaxTokens:        &maxTokens,
		SystemPromptKind: ai.PromptPerformanceAnalysis,
	})
	if err != nil {
		c.log.WithError(err).WithField("game_id", current.GameID).Warn("session analysis falling back to rules")
		return Advice{Text: fallbackAnalysis(current), Source: SourceRules}
	}
	return Advice{Text: resp.Content, Source: SourceAI, Provider: resp.ProviderName, RequestID: resp.RequestID}
}

// Part of day used to pick motivation lines.
const (
	Morning   = "morning"
	Afternoon = "afternoon"
	Evening   = "evening"
)

// TimeOfDay buckets t: before noon is morning, before 18:00 afternoon.
func TimeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return Morning
	case h < 18:
		return Afternoon
	}
	return Evening
}

type MotivationContext struct {
	Streak    int    `json:"streak" minimum:"0" doc:"Consecutive training days"`
	Improving bool   `json:"improvement,omitempty" doc:"Whether recent results improved"`
	TimeOfDay string `json:"time_of_day,omitempty" enum:"morning,afternoon,evening" doc:"Defaults to the server's part of day"`
}

// Motivation returns one short line of encouragement.
func (c *Coach) Motivation(ctx context.Context, mc MotivationContext) Advice {
	maxTokens := 100
	temp := 0.9
	trend := "holding steady"
	if mc.Improving {
		trend = "improving"
	}
	prompt := fmt.Sprintf("I have trained %d days in a row and I am %s. It is %s now. Give me one line of motivation.", mc.Streak, trend, mc.TimeOfDay)
	resp, err := c.ai.Complete(ctx, ai.ChatRequest{
		Messages:         []ai.Message{{Role: ai.RoleUser, Content: prompt}},
		Temperature:      &temp,
		MaxTokens:        &maxTokens,
		SystemPromptKind: ai.PromptMotivation,
	})
	if err != nil {
		c.log.WithError(err).Warn("motivation falling back to rules")
		return Advice{Text: c.fallbackMotivation(mc), Source: SourceRules}
	}
	return Advice{Text: resp.Content, Source: SourceAI, Provider: resp.ProviderName, RequestID: resp.RequestID}
}

const battleSystemPrompt = "You are an in-game coach. Give short, immediate tactical advice."

// BattleFallback is returned when no provider answers during a battle.
const BattleFallback = "Stay focused!"

// BattleCoaching gives a tip of a few words for the current battle state.
func (c *Coach) BattleCoaching(ctx context.Context, state map[string]any) Advice {
	raw, err := json.Marshal(state)
	if err != nil {
		raw = []byte("{}")
	}
	maxTokens := 50
	temp := 0.5
	resp, err := c.ai.Complete(ctx, ai.ChatRequest{
		Messages: []ai.Message{
			{Role: ai.RoleSystem, Content: battleSystemPrompt},
			{Role: ai.RoleUser, Content: fmt.Sprintf("Current game state: %s. Reply with a tip of at most ten words.", raw)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		c.log.WithError(err).Debug("battle coaching falling back")
		return Advice{Text: BattleFallback, Source: SourceRules}
	}
	return Advice{Text: resp.Content, Source: SourceAI, Provider: resp.ProviderName, RequestID: resp.RequestID}
}

var motivations = map[string][]string{
	Morning: {
		"New day, new breakthrough!",
		"A morning workout for your brain keeps you sharp all day!",
		"The early bird trains the sharpest mind!",
	},
	Afternoon: {
		"The afternoon is exactly when your brain needs a wake-up!",
		"Chase away the afternoon slump with a quick game!",
		"An afternoon challenge gets your thinking moving again!",
	},
	Evening: {
		"Train a little before bed and dream well!",
		"Last chance to level up today!",
		"Evening practice keeps your brain growing while you sleep!",
	},
}

func (c *Coach) fallbackMotivation(mc MotivationContext) string {
	pool, ok := motivations[mc.TimeOfDay]
	if !ok {
		pool = motivations[Morning]
	}
	line := pool[c.intn(len(pool))]
	if mc.Streak > 3 {
		return fmt.Sprintf("%d days in a row! %s", mc.Streak, line)
	}
	return line
}

func summarize(recent []domain.SessionOutcome) string {
	if len(recent) == 0 {
		return "I have not played any sessions yet."
	}
	var acc, rt float64
	games := make(map[string]int)
	for _, s := range recent {
		acc += s.Accuracy
		rt += s.MeanReactionTimeMs
		games[s.GameID]++
	}
	n := float64(len(recent))
	var b strings.Builder
	fmt.Fprintf(&b, "Recent sessions: %d. Average accuracy: %.1f%%. Average reaction time: %.0fms.", len(recent), acc/n*100, rt/n)
	for _, s := range recent {
		fmt.Fprintf(&b, "\n- %s: score %d, accuracy %.1f%%, reaction %.0fms", s.GameID, s.Score, s.Accuracy*100, s.MeanReactionTimeMs)
	}
	return b.String()
}

func averageScore(gameID string, history []domain.SessionOutcome) float64 {
	var sum float64
	n := 0
	for i := len(history) - 1; i >= 0 && n < 5; i-- {
		if history[i].GameID == gameID {
			sum += float64(history[i].Score)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func fallbackAdvice(recent []domain.SessionOutcome) string {
	if len(recent) == 0 {
		return "Welcome! Start with a short attention game and train 15 minutes a day; most players notice progress within four weeks."
	}
	var acc, rt float64
	for _, s := range recent {
		acc += s.Accuracy
		rt += s.MeanReactionTimeMs
	}
	n := float64(len(recent))
	acc, rt = acc/n, rt/n
	switch {
	case acc >= 0.9:
		return "Your accuracy is excellent. Try a harder memory grid today and keep some time for reaction practice."
	case rt > 800:
		return "Reaction speed can be trained. Spend today on quick-match games, start slow and speed up gradually; accuracy still comes first."
	}
	return "Keep it up! Mix different games today to train every skill, and take a break when you feel tired."
}

func fallbackAnalysis(s domain.SessionOutcome) string {
	switch {
	case s.Accuracy > 0.9:
		return "Great session: accuracy above 90%. Raise the difficulty and keep pushing."
	case s.MeanReactionTimeMs > 0 && s.MeanReactionTimeMs < 500:
		return "Very fast reactions, under 500ms. Try to keep that speed while improving accuracy."
	case s.Accuracy < 0.7 && !math.IsNaN(s.Accuracy):
		return "Slow down a little: accuracy matters more than speed. Lower the difficulty, then build speed back up."
	}
	return "Steady performance. Stay focused and look for patterns; it will help you decide faster."
}
