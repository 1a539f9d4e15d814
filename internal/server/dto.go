package server

import (
	"encoding/json"

	"github.com/wshang12/BrainTraining/internal/achievement"
	"github.com/wshang12/BrainTraining/internal/ai"
	"github.com/wshang12/BrainTraining/internal/domain"
)

// Request payloads

type ChatRequest struct {
	History []ai.Message `json:"history,omitempty" doc:"Earlier turns of the conversation, oldest first"`
	Message string       `json:"message" minLength:"1"`
}

type AdviceRequest struct {
	Limit int `json:"limit,omitempty" minimum:"0" maximum:"50" doc:"How many recent sessions to consider (default 10)"`
}

type BattleCoachingRequest struct {
	State map[string]any `json:"state" doc:"Free-form snapshot of the running battle"`
}

type AdjustDifficultyRequest struct {
	Accuracy           float64 `json:"accuracy" minimum:"0" maximum:"1"`
	MeanReactionTimeMs float64 `json:"mean_reaction_time_ms" minimum:"0"`
}

type DevTokenRequest struct {
	UserID string `json:"user_id" minLength:"1"`
	TTL    string `json:"ttl,omitempty" example:"24h"`
}

// Response payloads

type DifficultyResponse struct {
	GameID     string  `json:"game_id"`
	Difficulty float64 `json:"difficulty"`
}

type CheckAchievementsResponse struct {
	Unlocked []achievement.Achievement `json:"unlocked"`
}

type AchievementsResponse struct {
	Items          []achievement.Achievement `json:"items"`
	Total          int                       `json:"total"`
	UnlockedCount  int                       `json:"unlocked_count"`
	UnlockedPoints int                       `json:"unlocked_points"`
	// Unlocked achievements per category and rarity.
	ByCategory map[string]int `json:"by_category"`
	ByRarity   map[string]int `json:"by_rarity"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func achievementsResponse(items []achievement.Achievement) AchievementsResponse {
	resp := AchievementsResponse{
		Items:      items,
		Total:      len(items),
		ByCategory: map[string]int{},
		ByRarity:   map[string]int{},
	}
	if resp.Items == nil {
		resp.Items = []achievement.Achievement{}
	}
	for _, a := range items {
		if a.Unlocked() {
			resp.UnlockedCount++
			resp.UnlockedPoints += a.Points
			resp.ByCategory[a.Category]++
			resp.ByRarity[string(a.Rarity)]++
		}
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		UserID:     e.UserID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{"raw": raw}
	}
	return m
}
