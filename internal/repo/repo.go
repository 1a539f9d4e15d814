package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wshang12/BrainTraining/internal/domain"
	"github.com/wshang12/BrainTraining/internal/kv"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// GetValue returns the raw value stored for (userID, key).
func (r Repo) GetValue(ctx context.Context, userID, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE user_id=? AND key=?`, userID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetValue upserts a value; the last write wins.
func (r Repo) SetValue(ctx context.Context, userID, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO kv(user_id,key,value,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		userID, key, value, r.now().UTC().Format(time.RFC3339))
	return err
}

// ListKeys returns the keys stored for a user with the given prefix.
func (r Repo) ListKeys(ctx context.Context, userID, prefix string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key FROM kv WHERE user_id=? AND key LIKE ? ESCAPE '\' ORDER BY key`, userID, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Store returns a kv.Store scoped to one user.
func (r Repo) Store(userID string) kv.Store {
	return userStore{repo: r, userID: userID}
}

type userStore struct {
	repo   Repo
	userID string
}

func (s userStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.repo.GetValue(ctx, s.userID, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

func (s userStore) Set(ctx context.Context, key, value string) error {
	if err := s.repo.SetValue(ctx, s.userID, key, value); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, userID, evtType)
}

// LatestEventsFrom pages backwards from beforeID (exclusive); 0 starts at the newest event.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, beforeID int64, userID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		where []string
		args  []any
	)
	if beforeID > 0 {
		where = append(where, "id < ?")
		args = append(args, beforeID)
	}
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	if evtType != "" {
		where = append(where, "type = ?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(user_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > afterID in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(user_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// LatestEventID returns the highest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
