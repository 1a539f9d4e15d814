package achievement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wshang12/BrainTraining/internal/kv"
)

var fixedNow = time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)

func newTestTracker(t *testing.T, store kv.Store, catalog []Achievement, opts ...Option) *Tracker {
	t.Helper()
	require.NoError(t, ValidateCatalog(catalog))
	base := []Option{WithClock(func() time.Time { return fixedNow }), WithLocation(time.UTC)}
	return NewTracker(store, catalog, append(base, opts...)...)
}

func ids(list []Achievement) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.ID)
	}
	return out
}

func find(t *testing.T, list []Achievement, id string) Achievement {
	t.Helper()
	for _, a := range list {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("achievement %s not listed", id)
	return Achievement{}
}

func TestAccuracyAndSpeedUnlockTogether(t *testing.T) {
	catalog := []Achievement{
		{ID: "precise", Rarity: RarityRare, Condition: Condition{Type: ConditionAccuracy, Target: 0.9, GameID: "reaction"}},
		{ID: "quick", Rarity: RarityRare, Condition: Condition{Type: ConditionSpeed, Target: 500, GameID: "reaction"}},
	}
	var notified []string
	tr := newTestTracker(t, kv.NewMemory(), catalog, WithNotifier(NotifierFunc(func(_ context.Context, a Achievement) {
		notified = append(notified, a.ID)
	})))

	got, err := tr.Check(context.Background(), Event{Type: EventGameComplete, GameID: "reaction", Accuracy: 0.95, ReactionTimeMs: 300})
	require.NoError(t, err)
	assert.Equal(t, []string{"precise", "quick"}, ids(got))
	assert.Equal(t, []string{"precise", "quick"}, notified)
	for _, a := range got {
		require.NotNil(t, a.UnlockedAt)
		assert.Equal(t, fixedNow, *a.UnlockedAt)
		assert.Equal(t, 1.0, a.Progress)
	}
}

func TestGameFilterExcludesOtherGames(t *testing.T) {
	catalog := []Achievement{
		{ID: "precise", Rarity: RarityRare, Condition: Condition{Type: ConditionAccuracy, Target: 0.9, GameID: "reaction"}},
	}
	tr := newTestTracker(t, kv.NewMemory(), catalog)
	got, err := tr.Check(context.Background(), Event{Type: EventGameComplete, GameID: "memory", Accuracy: 1})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, find(t, tr.List(context.Background()), "precise").Progress)
}

func TestCountIncrementsPerOccurrenceUntilUnlocked(t *testing.T) {
	catalog := []Achievement{
		{ID: "three", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 3}},
	}
	ctx := context.Background()
	tr := newTestTracker(t, kv.NewMemory(), catalog)
	ev := Event{Type: EventGameComplete, GameID: "memory"}

	for i := 0; i < 2; i++ {
		got, err := tr.Check(ctx, ev)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.InDelta(t, 2.0/3.0, find(t, tr.List(ctx), "three").Progress, 1e-9)

	got, err := tr.Check(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, ids(got))
	assert.Equal(t, 3.0, tr.Counters(ctx)["count_"])

	got, err = tr.Check(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 3.0, tr.Counters(ctx)["count_"], "no counting after unlock")
}

func TestRepeatedEventNeverUnlocksTwice(t *testing.T) {
	tr := newTestTracker(t, kv.NewMemory(), []Achievement{
		{ID: "first", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 1}},
	})
	ctx := context.Background()
	ev := Event{Type: EventGameComplete, GameID: "memory"}

	got, err := tr.Check(ctx, ev)
	require.NoError(t, err)
	require.Len(t, got, 1)
	first := *got[0].UnlockedAt

	got, err = tr.Check(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, first, *find(t, tr.List(ctx), "first").UnlockedAt)
	assert.Equal(t, 1.0, tr.Counters(ctx)["count_"])
}

func TestCountersAreKeyedByAchievementGame(t *testing.T) {
	catalog := []Achievement{
		{ID: "any_one", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 1}},
		{ID: "any_five", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 5}},
		{ID: "memory_two", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 2, GameID: "memory"}},
		{ID: "reaction_two", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 2, GameID: "reaction"}},
	}
	ctx := context.Background()
	tr := newTestTracker(t, kv.NewMemory(), catalog)

	_, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "memory"})
	require.NoError(t, err)
	got, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "memory"})
	require.NoError(t, err)
	assert.Equal(t, []string{"memory_two"}, ids(got))

	c := tr.Counters(ctx)
	assert.Equal(t, 2.0, c["count_"], "shared key moves once per event")
	assert.Equal(t, 2.0, c["count_memory"])
	assert.Zero(t, c["count_reaction"], "a memory game never feeds the reaction counter")

	list := tr.List(ctx)
	assert.InDelta(t, 0.4, find(t, list, "any_five").Progress, 1e-9)
	assert.Zero(t, find(t, list, "reaction_two").Progress)
}

func TestProgressNeverDecreases(t *testing.T) {
	tr := newTestTracker(t, kv.NewMemory(), []Achievement{
		{ID: "precise", Rarity: RarityRare, Condition: Condition{Type: ConditionAccuracy, Target: 0.9}},
	})
	ctx := context.Background()
	_, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "g", Accuracy: 0.72})
	require.NoError(t, err)
	_, err = tr.Check(ctx, Event{Type: EventGameComplete, GameID: "g", Accuracy: 0.45})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, find(t, tr.List(ctx), "precise").Progress, 1e-9)
}

func TestScoreHighWaterMark(t *testing.T) {
	tr := newTestTracker(t, kv.NewMemory(), []Achievement{
		{ID: "big", Rarity: RarityRare, Condition: Condition{Type: ConditionScore, Target: 1000}},
	})
	ctx := context.Background()
	for _, s := range []int{600, 200} {
		_, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "g", Score: s})
		require.NoError(t, err)
	}
	assert.Equal(t, 600.0, tr.Counters(ctx)["score_"])
	got, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "g", Score: 1200})
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, ids(got))
}

func TestStreakIsEventDriven(t *testing.T) {
	tr := newTestTracker(t, kv.NewMemory(), []Achievement{
		{ID: "week", Rarity: RarityRare, Condition: Condition{Type: ConditionStreak, Target: 7}},
	})
	ctx := context.Background()
	got, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "g", Streak: 9})
	require.NoError(t, err)
	assert.Empty(t, got, "only streak updates count")

	_, err = tr.Check(ctx, Event{Type: EventStreakUpdate, Streak: 3})
	require.NoError(t, err)
	assert.InDelta(t, 3.0/7.0, find(t, tr.List(ctx), "week").Progress, 1e-9)

	got, err = tr.Check(ctx, Event{Type: EventStreakUpdate, Streak: 7})
	require.NoError(t, err)
	assert.Equal(t, []string{"week"}, ids(got))
}

func TestSpecialConditions(t *testing.T) {
	catalog := []Achievement{
		{ID: "night", Rarity: RarityRare, Condition: Condition{Type: ConditionSpecial, Special: &Special{TimeWindow: &TimeWindow{StartHour: 22, EndHour: 2}}}},
		{ID: "grid", Rarity: RarityRare, Condition: Condition{Type: ConditionSpecial, GameID: "memory", Special: &Special{GridSize: &GridSize{MinSize: 6}}}},
		{ID: "rank", Rarity: RarityRare, Condition: Condition{Type: ConditionSpecial, Special: &Special{LeaderboardRank: &LeaderboardRank{MaxRank: 10}}}},
	}
	at := func(h int) time.Time { return time.Date(2024, 3, 9, h, 30, 0, 0, time.UTC) }

	cases := []struct {
		name string
		ev   Event
		want []string
	}{
		{"afternoon", Event{Type: EventGameComplete, GameID: "g", Timestamp: at(14)}, nil},
		{"before midnight", Event{Type: EventGameComplete, GameID: "g", Timestamp: at(23)}, []string{"night"}},
		{"after midnight", Event{Type: EventGameComplete, GameID: "g", Timestamp: at(1)}, []string{"night"}},
		{"window end exclusive", Event{Type: EventGameComplete, GameID: "g", Timestamp: at(2)}, nil},
		{"small grid", Event{Type: EventGameComplete, GameID: "memory", Timestamp: at(14), Context: EventContext{GridSize: 4}}, nil},
		{"big grid other game", Event{Type: EventGameComplete, GameID: "matching", Timestamp: at(14), Context: EventContext{GridSize: 8}}, nil},
		{"big grid", Event{Type: EventGameComplete, GameID: "memory", Timestamp: at(14), Context: EventContext{GridSize: 6}}, []string{"grid"}},
		{"rank", Event{Type: EventBattleComplete, Timestamp: at(14), Context: EventContext{LeaderboardRank: 3}}, []string{"rank"}},
		{"no rank", Event{Type: EventBattleComplete, Timestamp: at(14)}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestTracker(t, kv.NewMemory(), catalog)
			got, err := tr.Check(context.Background(), tc.ev)
			require.NoError(t, err)
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestTimeWindowUsesClockWhenEventHasNoTimestamp(t *testing.T) {
	late := time.Date(2024, 3, 9, 23, 15, 0, 0, time.UTC)
	tr := newTestTracker(t, kv.NewMemory(), []Achievement{
		{ID: "night", Rarity: RarityRare, Condition: Condition{Type: ConditionSpecial, Special: &Special{TimeWindow: &TimeWindow{StartHour: 22, EndHour: 2}}}},
	}, WithClock(func() time.Time { return late }))
	got, err := tr.Check(context.Background(), Event{Type: EventGameComplete, GameID: "g"})
	require.NoError(t, err)
	assert.Equal(t, []string{"night"}, ids(got))
}

func TestUnevaluableEventsAreSkipped(t *testing.T) {
	tr := newTestTracker(t, kv.NewMemory(), []Achievement{
		{ID: "quick", Rarity: RarityRare, Condition: Condition{Type: ConditionSpeed, Target: 500}},
	})
	ctx := context.Background()
	got, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "g"})
	require.NoError(t, err)
	assert.Empty(t, got, "missing reaction time is not instant success")

	got, err = tr.Check(ctx, Event{Type: "level_up"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCorruptStateStartsEmpty(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	require.NoError(t, store.Set(ctx, CountersKey, "{not json"))
	require.NoError(t, store.Set(ctx, StatesKey, "[]"))

	tr := newTestTracker(t, store, []Achievement{
		{ID: "first", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 1}},
	})
	got, err := tr.Check(ctx, Event{Type: EventGameComplete, GameID: "g"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, ids(got))
}

func TestStateSurvivesNewTracker(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	catalog := []Achievement{
		{ID: "two", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 2}},
	}
	_, err := newTestTracker(t, store, catalog).Check(ctx, Event{Type: EventGameComplete, GameID: "g"})
	require.NoError(t, err)

	got, err := newTestTracker(t, store, catalog).Check(ctx, Event{Type: EventGameComplete, GameID: "g"})
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, ids(got))
}

type failingStore struct{ kv.Store }

func (failingStore) Set(context.Context, string, string) error { return errors.New("disk full") }

func TestSaveFailureSkipsNotification(t *testing.T) {
	called := false
	tr := newTestTracker(t, failingStore{kv.NewMemory()}, []Achievement{
		{ID: "first", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 1}},
	}, WithNotifier(NotifierFunc(func(context.Context, Achievement) { called = true })))

	got, err := tr.Check(context.Background(), Event{Type: EventGameComplete, GameID: "g"})
	require.Error(t, err)
	assert.Nil(t, got)
	assert.False(t, called)
}

func TestDefaultCatalogIsValid(t *testing.T) {
	require.NoError(t, ValidateCatalog(DefaultCatalog()))
}

func TestValidateCatalogRejects(t *testing.T) {
	cases := map[string][]Achievement{
		"duplicate": {
			{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 1}},
			{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 2}},
		},
		"zero target":   {{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount}}},
		"accuracy > 1":  {{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionAccuracy, Target: 90}}},
		"bad rarity":    {{ID: "a", Rarity: "mythic", Condition: Condition{Type: ConditionCount, Target: 1}}},
		"no variant":    {{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionSpecial, Special: &Special{}}}},
		"two variants":  {{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionSpecial, Special: &Special{GridSize: &GridSize{MinSize: 4}, LeaderboardRank: &LeaderboardRank{MaxRank: 1}}}}},
		"empty window":  {{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionSpecial, Special: &Special{TimeWindow: &TimeWindow{StartHour: 5, EndHour: 5}}}}},
		"stray special": {{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: ConditionCount, Target: 1, Special: &Special{GridSize: &GridSize{MinSize: 4}}}}},
		"unknown type":  {{ID: "a", Rarity: RarityCommon, Condition: Condition{Type: "combo", Target: 1}}},
	}
	for name, catalog := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateCatalog(catalog))
		})
	}
}
