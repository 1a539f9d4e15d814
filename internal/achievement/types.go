package achievement

import (
	"fmt"
	"time"
)

type ConditionType string

const (
	ConditionCount    ConditionType = "count"
	ConditionStreak   ConditionType = "streak"
	ConditionAccuracy ConditionType = "accuracy"
	ConditionSpeed    ConditionType = "speed"
	ConditionScore    ConditionType = "score"
	ConditionSpecial  ConditionType = "special"
)

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Condition is the unlock predicate of an achievement. GameID, when set,
// restricts the condition to events of that game.
type Condition struct {
	Type    ConditionType `json:"type" yaml:"type" enum:"count,streak,accuracy,speed,score,special"`
	Target  float64       `json:"target,omitempty" yaml:"target"`
	GameID  string        `json:"game_id,omitempty" yaml:"game_id"`
	Special *Special      `json:"special,omitempty" yaml:"special"`
}

// Key names the persisted counter a condition reads, e.g. "count_memory".
func (c Condition) Key() string {
	return string(c.Type) + "_" + c.GameID
}

func (c Condition) matchesGame(gameID string) bool {
	return c.GameID == "" || c.GameID == gameID
}

// Special is a tagged union: exactly one variant is set.
type Special struct {
	TimeWindow      *TimeWindow      `json:"time_window,omitempty" yaml:"time_window"`
	GridSize        *GridSize        `json:"grid_size,omitempty" yaml:"grid_size"`
	LeaderboardRank *LeaderboardRank `json:"leaderboard_rank,omitempty" yaml:"leaderboard_rank"`
}

// TimeWindow holds when a game is completed with its hour in [StartHour, EndHour).
// A window with StartHour > EndHour wraps past midnight.
type TimeWindow struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// GridSize holds when a game is completed on a grid at least MinSize wide.
type GridSize struct {
	MinSize int `json:"min_size" yaml:"min_size"`
}

// LeaderboardRank holds when an event reports a rank of MaxRank or better.
type LeaderboardRank struct {
	MaxRank int `json:"max_rank" yaml:"max_rank"`
}

func (s *Special) variants() int {
	n := 0
	if s.TimeWindow != nil {
		n++
	}
	if s.GridSize != nil {
		n++
	}
	if s.LeaderboardRank != nil {
		n++
	}
	return n
}

func (s *Special) validate() error {
	if s == nil {
		return fmt.Errorf("special condition requires parameters")
	}
	if s.variants() != 1 {
		return fmt.Errorf("special condition must set exactly one of time_window, grid_size, leaderboard_rank")
	}
	switch {
	case s.TimeWindow != nil:
		w := s.TimeWindow
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 || w.StartHour == w.EndHour {
			return fmt.Errorf("time_window hours must be within [0,24) and differ")
		}
	case s.GridSize != nil:
		if s.GridSize.MinSize <= 0 {
			return fmt.Errorf("grid_size.min_size must be positive")
		}
	case s.LeaderboardRank != nil:
		if s.LeaderboardRank.MaxRank <= 0 {
			return fmt.Errorf("leaderboard_rank.max_rank must be positive")
		}
	}
	return nil
}

// holds reports whether ev satisfies the predicate; hour is ev's local hour.
func (s *Special) holds(ev Event, hour int) bool {
	switch {
	case s.TimeWindow != nil:
		if ev.Type != EventGameComplete {
			return false
		}
		w := s.TimeWindow
		if w.StartHour < w.EndHour {
			return hour >= w.StartHour && hour < w.EndHour
		}
		return hour >= w.StartHour || hour < w.EndHour
	case s.GridSize != nil:
		return ev.Type == EventGameComplete && ev.Context.GridSize >= s.GridSize.MinSize
	case s.LeaderboardRank != nil:
		return ev.Context.LeaderboardRank > 0 && ev.Context.LeaderboardRank <= s.LeaderboardRank.MaxRank
	}
	return false
}

// Achievement is a catalog entry plus the per-user runtime fields
// UnlockedAt and Progress. Once UnlockedAt is set it never changes.
type Achievement struct {
	ID          string     `json:"id" yaml:"id"`
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Category    string     `json:"category" yaml:"category"`
	Rarity      Rarity     `json:"rarity" yaml:"rarity" enum:"common,rare,epic,legendary"`
	Points      int        `json:"points" yaml:"points"`
	Condition   Condition  `json:"condition" yaml:"condition"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty" yaml:"-" format:"date-time"`
	Progress    float64    `json:"progress" yaml:"-"`
}

func (a Achievement) Unlocked() bool { return a.UnlockedAt != nil }

type EventType string

const (
	EventGameComplete   EventType = "game_complete"
	EventStreakUpdate   EventType = "streak_update"
	EventBattleComplete EventType = "battle_complete"
	EventProfileUpdate  EventType = "profile_update"
)

func (t EventType) Valid() bool {
	switch t {
	case EventGameComplete, EventStreakUpdate, EventBattleComplete, EventProfileUpdate:
		return true
	}
	return false
}

// Event is one gameplay occurrence fed to Tracker.Check. Fields that do not
// apply to the event type are left zero.
type Event struct {
	Type           EventType    `json:"type" enum:"game_complete,streak_update,battle_complete,profile_update"`
	GameID         string       `json:"game_id,omitempty"`
	Score          int          `json:"score,omitempty"`
	Accuracy       float64      `json:"accuracy,omitempty"`
	ReactionTimeMs float64      `json:"reaction_time_ms,omitempty"`
	Streak         int          `json:"streak,omitempty"`
	Timestamp      time.Time    `json:"timestamp,omitempty" format:"date-time"`
	Context        EventContext `json:"context,omitempty"`
}

// EventContext carries the typed facts special conditions read.
type EventContext struct {
	GridSize        int `json:"grid_size,omitempty"`
	LeaderboardRank int `json:"leaderboard_rank,omitempty"`
}
