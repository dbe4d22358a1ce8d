package user

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rs/zerolog"

	"roomchat/internal/db"
)

const searchLimit = 10

type Repository struct {
	conn  *sql.DB
	clock *db.Clock
	log   zerolog.Logger
}

func NewRepository(database *db.Database, logger zerolog.Logger) *Repository {
	return &Repository{
		conn:  database.Conn,
		clock: database.Clock,
		log:   logger.With().Str("component", "users").Logger(),
	}
}

// FindByIDs resolves profiles in one query. Unknown ids are absent from the result.
func (r *Repository) FindByIDs(ctx context.Context, ids []string) (map[string]Profile, error) {
	ids = db.Unique(ids)
	out := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.conn.QueryContext(ctx,
		`SELECT id, username, avatar FROM users WHERE id IN (`+db.Placeholders(1, len(ids))+`)`, args...)
	if err != nil {
		return nil, db.Unavailable("find users", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.Avatar); err != nil {
			return nil, db.Unavailable("scan user", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("find users", err)
	}
	return out, nil
}

// Upsert refreshes the cached profile from a validated token.
// Empty fields never overwrite stored ones.
func (r *Repository) Upsert(ctx context.Context, p Profile) error {
	now := r.clock.Now()
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO users (id, username, avatar, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE users.username END,
			avatar = CASE WHEN excluded.avatar <> '' THEN excluded.avatar ELSE users.avatar END,
			updated_at = excluded.updated_at
	`, p.ID, p.Username, p.Avatar, now, now)
	if err != nil {
		return db.Unavailable("upsert user", err)
	}
	return nil
}

// Search matches usernames case-insensitively, skipping excludeID.
func (r *Repository) Search(ctx context.Context, query, excludeID string) ([]Profile, error) {
	// We limit to 10 to keep it fast
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, username, avatar FROM users
		WHERE LOWER(username) LIKE $1 AND id <> $2
		ORDER BY username
		LIMIT $3
	`, "%"+strings.ToLower(query)+"%", excludeID, searchLimit)
	if err != nil {
		return nil, db.Unavailable("search users", err)
	}
	defer rows.Close()

	users := []Profile{}
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Username, &p.Avatar); err != nil {
			return nil, db.Unavailable("scan user", err)
		}
		users = append(users, p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("search users", err)
	}
	return users, nil
}
