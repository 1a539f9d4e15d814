// Package app wires the failover client, difficulty controller and
// achievement tracker into one set of services constructed at startup.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wshang12/BrainTraining/internal/achievement"
	"github.com/wshang12/BrainTraining/internal/ai"
	"github.com/wshang12/BrainTraining/internal/coach"
	"github.com/wshang12/BrainTraining/internal/config"
	"github.com/wshang12/BrainTraining/internal/difficulty"
	"github.com/wshang12/BrainTraining/internal/domain"
	"github.com/wshang12/BrainTraining/internal/events"
	"github.com/wshang12/BrainTraining/internal/observability"
	"github.com/wshang12/BrainTraining/internal/repo"
)

var ErrInvalidSession = errors.New("invalid session")

type Options struct {
	Logger     *logrus.Logger
	Metrics    *observability.Metrics
	HTTPClient *http.Client
	Now        func() time.Time
	// Location is the zone for time-of-day achievements; defaults to Local.
	Location *time.Location
	// AI replaces the client built from cfg.Providers.
	AI coach.Completer
}

// Services holds the process-wide dependencies. Per-user components are
// built on demand and share its storage.
type Services struct {
	Config  *config.Config
	Repo    repo.Repo
	Events  events.Writer
	AI      *ai.Client
	Coach   *coach.Coach
	Metrics *observability.Metrics
	Log     *logrus.Logger

	catalog []achievement.Achievement
	params  difficulty.Params
	now     func() time.Time
	loc     *time.Location
}

func New(cfg *config.Config, conn *sql.DB, opts Options) (*Services, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = observability.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Services{
		Config:  cfg,
		Repo:    repo.Repo{DB: conn, Now: now},
		Events:  events.Writer{DB: conn, Now: now},
		Metrics: metrics,
		Log:     log,
		catalog: cfg.Achievements,
		params:  cfg.DifficultyParams(),
		now:     now,
		loc:     opts.Location,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	completer := opts.AI
	if completer == nil {
		client, err := ai.New(cfg.AIProviders(), ai.Options{
			Policy:     cfg.AIPolicy(),
			HTTPClient: opts.HTTPClient,
			Logger:     log.WithField("component", "ai"),
			Metrics:    metrics,
			Now:        now,
		})
		if err != nil {
			return nil, fmt.Errorf("build ai client: %w", err)
		}
		s.AI = client
		completer = client
	}
	s.Coach = coach.New(completer, log.WithField("component", "coach"))
	return s, nil
}

func (s *Services) userLog(userID string) logrus.FieldLogger {
	return s.Log.WithField("user_id", userID)
}

// Difficulty returns the controller for userID.
func (s *Services) Difficulty(userID string) *difficulty.Controller {
	return difficulty.New(s.Repo.Store(userID), s.params, s.userLog(userID).WithField("component", "difficulty"), s.Metrics)
}

// Achievements returns the tracker for userID. Unlocks are appended to the
// event log, then passed to extra notifiers.
func (s *Services) Achievements(userID string, extra ...achievement.Notifier) *achievement.Tracker {
	log := s.userLog(userID).WithField("component", "achievement")
	record := achievement.NotifierFunc(func(ctx context.Context, a achievement.Achievement) {
		s.appendEvent(ctx, domain.EventAchievementUnlocked, userID, "achievement", a.ID, events.EventPayload{
			"title":       a.Title,
			"rarity":      a.Rarity,
			"points":      a.Points,
			"unlocked_at": a.UnlockedAt,
		})
	})
	notifiers := append(achievement.MultiNotifier{record}, extra...)
	return achievement.NewTracker(s.Repo.Store(userID), s.catalog,
		achievement.WithNotifier(notifiers),
		achievement.WithClock(s.now),
		achievement.WithLocation(s.loc),
		achievement.WithLogger(log),
		achievement.WithMetrics(s.Metrics),
	)
}

// appendEvent never fails the caller; the event log is best effort.
func (s *Services) appendEvent(ctx context.Context, evtType, userID, kind, id string, payload events.EventPayload) {
	if err := s.Events.Append(ctx, nil, evtType, userID, kind, id, payload); err != nil {
		s.userLog(userID).WithError(err).WithField("event_type", evtType).Warn("append event failed")
	}
}

// SessionResult is what the next session needs: the adjusted difficulty
// and anything the session unlocked.
type SessionResult struct {
	GameID     string                    `json:"game_id"`
	Previous   float64                   `json:"previous_difficulty"`
	Difficulty float64                   `json:"difficulty"`
	Unlocked   []achievement.Achievement `json:"unlocked"`
}

func validateOutcome(o domain.SessionOutcome) error {
	switch {
	case strings.TrimSpace(o.GameID) == "":
		return fmt.Errorf("%w: game_id is required", ErrInvalidSession)
	case math.IsNaN(o.Accuracy) || o.Accuracy < 0 || o.Accuracy > 1:
		return fmt.Errorf("%w: accuracy must be within [0,1]", ErrInvalidSession)
	case math.IsNaN(o.MeanReactionTimeMs) || math.IsInf(o.MeanReactionTimeMs, 0) || o.MeanReactionTimeMs < 0:
		return fmt.Errorf("%w: mean_reaction_time_ms must be >= 0", ErrInvalidSession)
	case o.Mistakes < 0 || o.GridSize < 0:
		return fmt.Errorf("%w: mistakes and grid_size must be >= 0", ErrInvalidSession)
	}
	return nil
}

// RecordSession feeds a finished session to the difficulty controller and
// the achievement tracker. Persistence problems are logged and degrade the
// result; only an invalid outcome is an error.
func (s *Services) RecordSession(ctx context.Context, userID string, o domain.SessionOutcome) (SessionResult, error) {
	if err := validateOutcome(o); err != nil {
		return SessionResult{}, err
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = s.now()
	}
	log := s.userLog(userID).WithField("game_id", o.GameID)
	s.appendEvent(ctx, domain.EventSessionRecorded, userID, "game", o.GameID, events.EventPayload{"outcome": o})

	ctrl := s.Difficulty(userID)
	res := SessionResult{GameID: o.GameID, Previous: ctrl.Get(ctx, o.GameID, s.params.Default)}
	next, err := ctrl.Adjust(ctx, o.GameID, o.Accuracy, o.MeanReactionTimeMs)
	if err != nil {
		log.WithError(err).Warn("difficulty not persisted")
	}
	res.Difficulty = next
	s.appendEvent(ctx, domain.EventDifficultyAdjusted, userID, "game", o.GameID, events.EventPayload{
		"previous": res.Previous,
		"next":     next,
	})

	unlocked, err := s.Achievements(userID).Check(ctx, achievement.Event{
		Type:           achievement.EventGameComplete,
		GameID:         o.GameID,
		Score:          o.Score,
		Accuracy:       o.Accuracy,
		ReactionTimeMs: o.MeanReactionTimeMs,
		Timestamp:      o.Timestamp,
		Context:        achievement.EventContext{GridSize: o.GridSize},
	})
	if err != nil {
		log.WithError(err).Warn("achievement progress not persisted")
	}
	res.Unlocked = unlocked
	if res.Unlocked == nil {
		res.Unlocked = []achievement.Achievement{}
	}
	return res, nil
}

// RecentSessions returns up to limit recorded outcomes, oldest first.
func (s *Services) RecentSessions(ctx context.Context, userID string, limit int) ([]domain.SessionOutcome, error) {
	evts, err := s.Repo.LatestEvents(ctx, limit, userID, domain.EventSessionRecorded)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SessionOutcome, 0, len(evts))
	for i := len(evts) - 1; i >= 0; i-- {
		var payload struct {
			Outcome domain.SessionOutcome `json:"outcome"`
		}
		if err := json.Unmarshal([]byte(evts[i].Payload), &payload); err != nil {
			continue
		}
		out = append(out, payload.Outcome)
	}
	return out, nil
}

// Chat runs one coach conversation turn and records its outcome.
func (s *Services) Chat(ctx context.Context, userID string, history []ai.Message, message string) (ai.ChatResponse, error) {
	start := s.now()
	resp, err := s.Coach.Chat(ctx, history, message)
	if err != nil {
		if !errors.Is(err, ai.ErrInvalidRequest) {
			payload := events.EventPayload{"error": err.Error()}
			var ce *ai.CompletionError
			if errors.As(err, &ce) {
				payload["request_id"] = ce.RequestID
			}
			s.appendEvent(ctx, domain.EventChatFailed, userID, "chat", "", payload)
		}
		return ai.ChatResponse{}, err
	}
	s.appendEvent(ctx, domain.EventChatCompleted, userID, "chat", resp.RequestID, events.EventPayload{
		"provider":    resp.ProviderName,
		"model":       resp.Model,
		"attempts":    resp.Attempts,
		"duration_ms": s.now().Sub(start).Milliseconds(),
	})
	return resp, nil
}

// Advice asks the coach for training advice based on the last sessions.
func (s *Services) Advice(ctx context.Context, userID string, limit int) coach.Advice {
	if limit <= 0 {
		limit = 10
	}
	recent, err := s.RecentSessions(ctx, userID, limit)
	if err != nil {
		s.userLog(userID).WithError(err).Warn("recent sessions unavailable")
	}
	return s.Coach.TrainingAdvice(ctx, recent)
}

// Providers reports the failover chain; empty when an external completer is injected.
func (s *Services) Providers() []ai.ProviderStatus {
	if s.AI == nil {
		return []ai.ProviderStatus{}
	}
	return s.AI.Health()
}

// Analyze comments on one session against the user's recorded history.
func (s *Services) Analyze(ctx context.Context, userID string, o domain.SessionOutcome) (coach.Advice, error) {
	if err := validateOutcome(o); err != nil {
		return coach.Advice{}, err
	}
	history, err := s.RecentSessions(ctx, userID, 50)
	if err != nil {
		s.userLog(userID).WithError(err).Warn("recent sessions unavailable")
	}
	return s.Coach.AnalyzeSession(ctx, o, history), nil
}

// Motivation returns a line of encouragement. An empty TimeOfDay is taken
// from the service clock.
func (s *Services) Motivation(ctx context.Context, userID string, mc coach.MotivationContext) (coach.Advice, error) {
	if mc.Streak < 0 {
		return coach.Advice{}, fmt.Errorf("%w: streak must not be negative", ai.ErrInvalidRequest)
	}
	switch mc.TimeOfDay {
	case "":
		mc.TimeOfDay = coach.TimeOfDay(s.now().In(s.loc))
	case coach.Morning, coach.Afternoon, coach.Evening:
	default:
		return coach.Advice{}, fmt.Errorf("%w: unknown time of day %q", ai.ErrInvalidRequest, mc.TimeOfDay)
	}
	advice := s.Coach.Motivation(ctx, mc)
	s.userLog(userID).WithField("source", advice.Source).Debug("motivation served")
	return advice, nil
}

// BattleCoaching returns a short tactical tip for a live battle.
func (s *Services) BattleCoaching(ctx context.Context, userID string, state map[string]any) coach.Advice {
	advice := s.Coach.BattleCoaching(ctx, state)
	s.userLog(userID).WithField("source", advice.Source).Debug("battle coaching served")
	return advice
}
