// Package achievement turns gameplay events into achievement progress and
// reports unlocks.
package achievement

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wshang12/BrainTraining/internal/kv"
	"github.com/wshang12/BrainTraining/internal/observability"
)

// Storage keys. Counters hold cumulative counts and score high-water marks
// keyed by Condition.Key; states hold per-achievement progress and unlocks.
const (
	CountersKey = "achievement_progress"
	StatesKey   = "achievements"
)

type status struct {
	Progress   float64    `json:"progress"`
	UnlockedAt *time.Time `json:"unlocked_at,omitempty"`
}

// Tracker evaluates events for a single user.
type Tracker struct {
	store    kv.Store
	catalog  []Achievement
	notifier Notifier
	now      func() time.Time
	loc      *time.Location
	log      logrus.FieldLogger
	metrics  *observability.Metrics
}

type Option func(*Tracker)

func WithNotifier(n Notifier) Option { return func(t *Tracker) { t.notifier = n } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithLocation sets the zone used for time-of-day conditions.
func WithLocation(loc *time.Location) Option { return func(t *Tracker) { t.loc = loc } }

func WithLogger(l logrus.FieldLogger) Option { return func(t *Tracker) { t.log = l } }

func WithMetrics(m *observability.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

func NewTracker(store kv.Store, catalog []Achievement, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		catalog: catalog,
		now:     time.Now,
		loc:     time.Local,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = observability.Discard()
	}
	return t
}

// List returns the catalog merged with this user's progress.
func (t *Tracker) List(ctx context.Context) []Achievement {
	states := t.loadStates(ctx)
	out := make([]Achievement, len(t.catalog))
	for i, a := range t.catalog {
		if st, ok := states[a.ID]; ok {
			a.Progress = st.Progress
			a.UnlockedAt = st.UnlockedAt
		}
		out[i] = a
	}
	return out
}

// Counters returns the persisted counters and high-water marks.
func (t *Tracker) Counters(ctx context.Context) map[string]float64 {
	return t.loadCounters(ctx)
}

// Check applies ev to every locked achievement and returns the ones it
// unlocked. Unlocked achievements are never evaluated again, so replaying an
// event cannot unlock twice. Conditions that cannot read ev are skipped.
func (t *Tracker) Check(ctx context.Context, ev Event) ([]Achievement, error) {
	if !ev.Type.Valid() {
		t.log.WithField("event_type", ev.Type).Debug("ignoring unknown achievement event")
		return nil, nil
	}
	now := t.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	counters := t.loadCounters(ctx)
	states := t.loadStates(ctx)

	t.bumpCounters(ev, counters, states)

	var unlocked []Achievement
	changed := false
	for _, a := range t.catalog {
		st := states[a.ID]
		if st.UnlockedAt != nil {
			continue
		}
		p, ok := t.evaluate(a.Condition, ev, counters)
		if !ok || p <= st.Progress {
			continue
		}
		changed = true
		if p >= 1 {
			at := now
			st = status{Progress: 1, UnlockedAt: &at}
			a.Progress, a.UnlockedAt = 1, &at
			unlocked = append(unlocked, a)
		} else {
			st.Progress = p
		}
		states[a.ID] = st
	}

	if err := t.save(ctx, CountersKey, counters); err != nil {
		return nil, err
	}
	if changed {
		if err := t.save(ctx, StatesKey, states); err != nil {
			return nil, err
		}
	}
	for _, a := range unlocked {
		t.metrics.AchievementUnlocked(a.ID, string(a.Rarity))
		t.log.WithField("achievement_id", a.ID).WithField("points", a.Points).Info("achievement unlocked")
		if t.notifier != nil {
			t.notifier.OnUnlock(ctx, a)
		}
	}
	return unlocked, nil
}

// bumpCounters applies the one-per-event counter updates. A counter shared by
// several achievements moves once, and only while one of them is still locked.
func (t *Tracker) bumpCounters(ev Event, counters map[string]float64, states map[string]status) {
	if ev.Type != EventGameComplete {
		return
	}
	done := make(map[string]bool)
	for _, a := range t.catalog {
		c := a.Condition
		if states[a.ID].UnlockedAt != nil || !c.matchesGame(ev.GameID) {
			continue
		}
		key := c.Key()
		if done[key] {
			continue
		}
		switch c.Type {
		case ConditionCount:
			counters[key]++
		case ConditionScore:
			counters[key] = math.Max(counters[key], float64(ev.Score))
		default:
			continue
		}
		done[key] = true
	}
}

// evaluate returns the progress ev implies for c, ok=false when c does not
// apply to ev.
func (t *Tracker) evaluate(c Condition, ev Event, counters map[string]float64) (float64, bool) {
	if c.Type != ConditionSpecial && c.Target <= 0 {
		return 0, false
	}
	switch c.Type {
	case ConditionCount, ConditionScore:
		if ev.Type != EventGameComplete || !c.matchesGame(ev.GameID) {
			return 0, false
		}
		return math.Min(1, counters[c.Key()]/c.Target), true
	case ConditionStreak:
		if ev.Type != EventStreakUpdate || ev.Streak < 0 {
			return 0, false
		}
		return math.Min(1, float64(ev.Streak)/c.Target), true
	case ConditionAccuracy:
		if ev.Type != EventGameComplete || !c.matchesGame(ev.GameID) || math.IsNaN(ev.Accuracy) || ev.Accuracy < 0 {
			return 0, false
		}
		if ev.Accuracy >= c.Target {
			return 1, true
		}
		return ev.Accuracy / c.Target, true
	case ConditionSpeed:
		if ev.Type != EventGameComplete || !c.matchesGame(ev.GameID) || !(ev.ReactionTimeMs > 0) {
			return 0, false
		}
		if ev.ReactionTimeMs <= c.Target {
			return 1, true
		}
		return c.Target / ev.ReactionTimeMs, true
	case ConditionSpecial:
		if c.Special == nil || c.Special.variants() != 1 || !c.matchesGame(ev.GameID) {
			return 0, false
		}
		if c.Special.holds(ev, ev.Timestamp.In(t.loc).Hour()) {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (t *Tracker) loadCounters(ctx context.Context) map[string]float64 {
	out := make(map[string]float64)
	t.load(ctx, CountersKey, &out)
	if out == nil {
		out = make(map[string]float64)
	}
	return out
}

func (t *Tracker) loadStates(ctx context.Context) map[string]status {
	out := make(map[string]status)
	t.load(ctx, StatesKey, &out)
	if out == nil {
		out = make(map[string]status)
	}
	return out
}

// load decodes key into dst, leaving dst empty when the slot is missing,
// unreadable or corrupt.
func (t *Tracker) load(ctx context.Context, key string, dst any) {
	raw, ok, err := t.store.Get(ctx, key)
	if err != nil {
		t.log.WithError(err).WithField("key", key).Warn("achievement state unreadable; starting empty")
		return
	}
	if !ok || raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		t.log.WithError(err).WithField("key", key).Warn("achievement state corrupt; starting empty")
		switch d := dst.(type) {
		case *map[string]float64:
			*d = make(map[string]float64)
		case *map[string]status:
			*d = make(map[string]status)
		}
	}
}

func (t *Tracker) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := t.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
