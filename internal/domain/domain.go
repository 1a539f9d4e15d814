package domain

import "time"

// SessionOutcome summarizes one finished play session. It feeds the
// difficulty controller and the achievement tracker and is not stored as an
// entity of its own.
type SessionOutcome struct {
	GameID             string    `json:"game_id"`
	Accuracy           float64   `json:"accuracy" minimum:"0" maximum:"1"`
	MeanReactionTimeMs float64   `json:"mean_reaction_time_ms" minimum:"0"`
	Score              int       `json:"score,omitempty"`
	Mistakes           int       `json:"mistakes,omitempty" minimum:"0"`
	GridSize           int       `json:"grid_size,omitempty" minimum:"0"`
	Timestamp          time.Time `json:"timestamp,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     string `json:"user_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Event types appended to the event log.
const (
	EventSessionRecorded     = "session.recorded"
	EventDifficultyAdjusted  = "difficulty.adjusted"
	EventAchievementUnlocked = "achievement.unlocked"
	EventChatCompleted       = "chat.completed"
	EventChatFailed          = "chat.failed"
)
