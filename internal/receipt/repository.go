package receipt

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rs/zerolog"

	"roomchat/internal/db"
)

type Repository struct {
	conn  *sql.DB
	clock *db.Clock
	log   zerolog.Logger
}

func NewRepository(database *db.Database, logger zerolog.Logger) *Repository {
	return &Repository{
		conn:  database.Conn,
		clock: database.Clock,
		log:   logger.With().Str("component", "receipts").Logger(),
	}
}

const selectReceipt = `SELECT room_id, user_id, last_read_at, last_read_message_id, updated_at FROM read_receipts`

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(s scanner) (Receipt, error) {
	var (
		rc                    Receipt
		lastReadAt, updatedAt int64
		messageID             sql.NullString
	)
	if err := s.Scan(&rc.RoomID, &rc.UserID, &lastReadAt, &messageID, &updatedAt); err != nil {
		return Receipt{}, err
	}
	rc.LastReadAt = db.Time(lastReadAt)
	rc.UpdatedAt = db.Time(updatedAt)
	rc.LastReadMessageID = messageID.String
	return rc, nil
}

// MarkAsRead moves the user's watermark in roomID to now. The watermark never
// moves backwards, and the stored message id is only replaced when messageID is set.
func (r *Repository) MarkAsRead(ctx context.Context, roomID, userID, messageID string) (Receipt, error) {
	now := r.clock.Now()

	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO read_receipts (room_id, user_id, last_read_at, last_read_message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			last_read_at = CASE WHEN excluded.last_read_at > read_receipts.last_read_at
				THEN excluded.last_read_at ELSE read_receipts.last_read_at END,
			last_read_message_id = COALESCE(excluded.last_read_message_id, read_receipts.last_read_message_id),
			updated_at = excluded.updated_at
	`, roomID, userID, now, sql.NullString{String: messageID, Valid: messageID != ""}, now, now)
	if err != nil {
		return Receipt{}, db.Unavailable("mark as read", err)
	}

	rc, err := r.Get(ctx, roomID, userID)
	if err != nil {
		return Receipt{}, err
	}
	if rc == nil {
		return Receipt{}, db.Unavailable("mark as read", errors.New("receipt missing after upsert"))
	}

	r.log.Debug().Str("room_id", roomID).Str("user_id", userID).Time("last_read_at", rc.LastReadAt).Msg("read watermark moved")
	return *rc, nil
}

// Get returns nil when the user never read the room.
func (r *Repository) Get(ctx context.Context, roomID, userID string) (*Receipt, error) {
	row := r.conn.QueryRowContext(ctx, selectReceipt+` WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	rc, err := scanReceipt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, db.Unavailable("get receipt", err)
	}
	return &rc, nil
}

// LastReadBatch loads the user's receipts for roomIDs in one query.
// Rooms the user never read are absent.
func (r *Repository) LastReadBatch(ctx context.Context, userID string, roomIDs []string) (map[string]Receipt, error) {
	roomIDs = db.Unique(roomIDs)
	out := make(map[string]Receipt, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(roomIDs)+1)
	args = append(args, userID)
	for _, id := range roomIDs {
		args = append(args, id)
	}

	rows, err := r.conn.QueryContext(ctx,
		selectReceipt+` WHERE user_id = $1 AND room_id IN (`+db.Placeholders(2, len(roomIDs))+`)`, args...)
	if err != nil {
		return nil, db.Unavailable("receipts batch", err)
	}
	defer rows.Close()

	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, db.Unavailable("scan receipt", err)
		}
		out[rc.RoomID] = rc
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("receipts batch", err)
	}
	return out, nil
}
