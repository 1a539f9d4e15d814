package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wshang12/BrainTraining/internal/db"
	"github.com/wshang12/BrainTraining/internal/domain"
	"github.com/wshang12/BrainTraining/internal/events"
	"github.com/wshang12/BrainTraining/internal/migrate"
	"github.com/wshang12/BrainTraining/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestValuesAreScopedPerUser(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.GetValue(ctx, "alice", "difficulty_memory")
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.SetValue(ctx, "alice", "difficulty_memory", "1.1"))
	require.NoError(t, r.SetValue(ctx, "alice", "difficulty_memory", "1.3"))
	require.NoError(t, r.SetValue(ctx, "bob", "difficulty_memory", "0.5"))

	v, err := r.GetValue(ctx, "alice", "difficulty_memory")
	require.NoError(t, err)
	require.Equal(t, "1.3", v)

	store := r.Store("bob")
	got, ok, err := store.Get(ctx, "difficulty_memory")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0.5", got)

	_, ok, err = store.Get(ctx, "difficulty_reaction")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListKeysEscapesPrefix(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.SetValue(ctx, "u", "difficulty_a", "1"))
	require.NoError(t, r.SetValue(ctx, "u", "difficultyXb", "1"))
	require.NoError(t, r.SetValue(ctx, "u", "achievements", "{}"))

	keys, err := r.ListKeys(ctx, "u", "difficulty_")
	require.NoError(t, err)
	require.Equal(t, []string{"difficulty_a"}, keys)
}

func TestEventQueries(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}

	id, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	require.Zero(t, id)

	require.NoError(t, w.Append(ctx, nil, domain.EventSessionRecorded, "alice", "game", "memory", nil))
	require.NoError(t, w.Append(ctx, nil, domain.EventAchievementUnlocked, "alice", "achievement", "first_game", events.EventPayload{"points": 10}))
	require.NoError(t, w.Append(ctx, nil, domain.EventSessionRecorded, "bob", "game", "reaction", nil))

	latest, err := r.LatestEvents(ctx, 10, "alice", "")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, domain.EventAchievementUnlocked, latest[0].Type)
	require.Contains(t, latest[0].Payload, `"points":10`)

	unlocked, err := r.LatestEvents(ctx, 10, "", domain.EventAchievementUnlocked)
	require.NoError(t, err)
	require.Len(t, unlocked, 1)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Less(t, after[0].ID, after[1].ID)

	page, err := r.LatestEventsFrom(ctx, 10, after[1].ID, "", "")
	require.NoError(t, err)
	require.Len(t, page, 2)

	id, err = r.LatestEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, after[1].ID, id)
}
