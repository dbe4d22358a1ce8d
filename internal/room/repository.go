package room

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"roomchat/internal/db"
)

type Repository struct {
	conn  *sql.DB
	clock *db.Clock
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{conn: database.Conn, clock: database.Clock}
}

const selectRoom = `SELECT id, user_a, user_b, last_message_id, last_message_at, created_at, updated_at FROM rooms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (Room, error) {
	var (
		rm                   Room
		userA, userB         string
		lastID               sql.NullString
		lastAt               sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := s.Scan(&rm.ID, &userA, &userB, &lastID, &lastAt, &createdAt, &updatedAt); err != nil {
		return Room{}, err
	}
	rm.Participants = []string{userA, userB}
	rm.LastMessageID = lastID.String
	if lastAt.Valid {
		t := db.Time(lastAt.Int64)
		rm.LastMessageAt = &t
	}
	rm.CreatedAt = db.Time(createdAt)
	rm.UpdatedAt = db.Time(updatedAt)
	return rm, nil
}

// InsertIfAbsent creates the room for a sorted pair. A concurrent creator
// that loses the race is a no-op here; callers re-read with GetByPair.
func (r *Repository) InsertIfAbsent(ctx context.Context, userA, userB string) error {
	now := r.clock.Now()
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO rooms (id, user_a, user_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_a, user_b) DO NOTHING
	`, uuid.NewString(), userA, userB, now, now)
	if err != nil {
		return db.Unavailable("insert room", err)
	}
	return nil
}

// GetByPair expects userA < userB. It returns nil when no room exists.
func (r *Repository) GetByPair(ctx context.Context, userA, userB string) (*Room, error) {
	return r.getOne(ctx, selectRoom+` WHERE user_a = $1 AND user_b = $2`, userA, userB)
}

// Get returns nil when the room does not exist.
func (r *Repository) Get(ctx context.Context, roomID string) (*Room, error) {
	return r.getOne(ctx, selectRoom+` WHERE id = $1`, roomID)
}

func (r *Repository) getOne(ctx context.Context, query string, args ...any) (*Room, error) {
	rm, err := scanRoom(r.conn.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, db.Unavailable("get room", err)
	}
	return &rm, nil
}

// UpdateLastMessage overwrites the room's last-message pointer. It reports
// whether a room row was touched.
func (r *Repository) UpdateLastMessage(ctx context.Context, roomID, messageID string, at time.Time) (bool, error) {
	res, err := r.conn.ExecContext(ctx, `
		UPDATE rooms SET last_message_id = $1, last_message_at = $2, updated_at = $3 WHERE id = $4
	`, messageID, db.Micros(at), r.clock.Now(), roomID)
	if err != nil {
		return false, db.Unavailable("update last message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, db.Unavailable("update last message", err)
	}
	return n > 0, nil
}

// ListForUser returns one page of the user's rooms, most recently active
// first (rooms without messages rank by creation time), plus the total.
func (r *Repository) ListForUser(ctx context.Context, userID string, limit, offset int) ([]Room, int, error) {
	var total int
	err := r.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rooms WHERE user_a = $1 OR user_b = $1`, userID).Scan(&total)
	if err != nil {
		return nil, 0, db.Unavailable("count rooms", err)
	}

	rows, err := r.conn.QueryContext(ctx, selectRoom+`
		WHERE user_a = $1 OR user_b = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, db.Unavailable("list rooms", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0, limit)
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, 0, db.Unavailable("scan room", err)
		}
		rooms = append(rooms, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, db.Unavailable("list rooms", err)
	}
	return rooms, total, nil
}
