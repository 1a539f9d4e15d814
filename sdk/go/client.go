package braintrainingsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal BrainTraining HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// UserID is sent as X-User-Id when no token is set. Servers accept it
	// only when started with --allow-user-header.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client for baseURL, e.g. http://127.0.0.1:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 35 * time.Second,
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	RequestID    string `json:"request_id"`
	Content      string `json:"content"`
	ProviderName string `json:"provider"`
	Model        string `json:"model"`
	Attempts     int    `json:"attempts"`
}

type Advice struct {
	Text      string `json:"text"`
	Source    string `json:"source"`
	Provider  string `json:"provider,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type SessionOutcome struct {
	GameID             string    `json:"game_id"`
	Accuracy           float64   `json:"accuracy"`
	MeanReactionTimeMs float64   `json:"mean_reaction_time_ms"`
	Score              int       `json:"score,omitempty"`
	Mistakes           int       `json:"mistakes,omitempty"`
	GridSize           int       `json:"grid_size,omitempty"`
	Timestamp          time.Time `json:"timestamp,omitempty"`
}

type SessionResult struct {
	GameID     string        `json:"game_id"`
	Previous   float64       `json:"previous_difficulty"`
	Difficulty float64       `json:"difficulty"`
	Unlocked   []Achievement `json:"unlocked"`
}

type Achievement struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category"`
	Rarity      string         `json:"rarity"`
	Points      int            `json:"points"`
	Condition   map[string]any `json:"condition"`
	UnlockedAt  *time.Time     `json:"unlocked_at,omitempty"`
	Progress    float64        `json:"progress"`
}

type Achievements struct {
	Items          []Achievement  `json:"items"`
	Total          int            `json:"total"`
	UnlockedCount  int            `json:"unlocked_count"`
	UnlockedPoints int            `json:"unlocked_points"`
	ByCategory     map[string]int `json:"by_category"`
	ByRarity       map[string]int `json:"by_rarity"`
}

// MotivationContext describes the player's state. TimeOfDay is morning,
// afternoon or evening; empty lets the server decide.
type MotivationContext struct {
	Streak    int    `json:"streak"`
	Improving bool   `json:"improvement,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
}

// GameEvent feeds the achievement tracker directly.
type GameEvent struct {
	Type           string    `json:"type"`
	GameID         string    `json:"game_id,omitempty"`
	Score          int       `json:"score,omitempty"`
	Accuracy       float64   `json:"accuracy,omitempty"`
	ReactionTimeMs float64   `json:"reaction_time_ms,omitempty"`
	Streak         int       `json:"streak,omitempty"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
	Context        struct {
		GridSize        int `json:"grid_size,omitempty"`
		LeaderboardRank int `json:"leaderboard_rank,omitempty"`
	} `json:"context,omitempty"`
}

type ProviderStatus struct {
	Name                string     `json:"name"`
	Model               string     `json:"model"`
	Priority            int        `json:"priority"`
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	UserID     string         `json:"user_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code, Message and RequestID are filled
// from the error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsUnavailable reports whether err is the server's "try later" answer to a
// chat that no provider could serve.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
}

// Chat sends one message with optional earlier turns.
func (c *Client) Chat(ctx context.Context, history []Message, message string) (ChatResponse, error) {
	body := map[string]any{"message": message}
	if len(history) > 0 {
		body["history"] = history
	}
	var resp ChatResponse
	err := c.do(ctx, http.MethodPost, "chat", body, &resp)
	return resp, err
}

// Advice asks for training advice based on the last limit sessions.
func (c *Client) Advice(ctx context.Context, limit int) (Advice, error) {
	var resp Advice
	err := c.do(ctx, http.MethodPost, "coach/advice", map[string]any{"limit": limit}, &resp)
	return resp, err
}

// Motivation asks for one line of encouragement.
func (c *Client) Motivation(ctx context.Context, mc MotivationContext) (Advice, error) {
	var resp Advice
	err := c.do(ctx, http.MethodPost, "coach/motivation", mc, &resp)
	return resp, err
}

// BattleCoaching asks for a short tip given a snapshot of a running battle.
func (c *Client) BattleCoaching(ctx context.Context, state map[string]any) (Advice, error) {
	if state == nil {
		state = map[string]any{}
	}
	var resp Advice
	err := c.do(ctx, http.MethodPost, "coach/battle", map[string]any{"state": state}, &resp)
	return resp, err
}

// Difficulty returns the stored difficulty for a game.
func (c *Client) Difficulty(ctx context.Context, gameID string) (float64, error) {
	var resp struct {
		Difficulty float64 `json:"difficulty"`
	}
	err := c.do(ctx, http.MethodGet, "difficulty/"+url.PathEscape(gameID), nil, &resp)
	return resp.Difficulty, err
}

// RecordSession reports a finished session.
func (c *Client) RecordSession(ctx context.Context, o SessionOutcome) (SessionResult, error) {
	var resp SessionResult
	err := c.do(ctx, http.MethodPost, "sessions", o, &resp)
	return resp, err
}

// SendEvent feeds one gameplay event and returns what it unlocked.
func (c *Client) SendEvent(ctx context.Context, ev GameEvent) ([]Achievement, error) {
	var resp struct {
		Unlocked []Achievement `json:"unlocked"`
	}
	err := c.do(ctx, http.MethodPost, "achievements/events", ev, &resp)
	return resp.Unlocked, err
}

// Achievements lists the catalog with the caller's progress.
func (c *Client) Achievements(ctx context.Context) (Achievements, error) {
	var resp Achievements
	err := c.do(ctx, http.MethodGet, "achievements", nil, &resp)
	return resp, err
}

// Providers returns the AI provider chain with breaker state.
func (c *Client) Providers(ctx context.Context) ([]ProviderStatus, error) {
	var resp []ProviderStatus
	err := c.do(ctx, http.MethodGet, "providers", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return parseAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		if id, ok := env.Error.Details["request_id"].(string); ok {
			apiErr.RequestID = id
		}
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
