package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"roomchat/internal/db"
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 100
)

// Repository is the message store. Idempotency relies on the UNIQUE
// constraint on client_message_id, not on any lock held here.
type Repository struct {
	conn  *sql.DB
	clock *db.Clock
	log   zerolog.Logger
}

func NewRepository(database *db.Database, logger zerolog.Logger) *Repository {
	return &Repository{
		conn:  database.Conn,
		clock: database.Clock,
		log:   logger.With().Str("component", "messages").Logger(),
	}
}

func columns(alias string) string {
	cols := []string{"id", "room_id", "sender_id", "client_message_id", "kind", "body", "file_ref", "metadata", "status", "created_at"}
	for i, c := range cols {
		cols[i] = alias + c
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (Message, error) {
	var (
		m                       Message
		body, fileRef, metadata sql.NullString
		createdAt               int64
	)
	err := s.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.ClientMessageID, &m.Kind, &body, &fileRef, &metadata, &m.Status, &createdAt)
	if err != nil {
		return Message{}, err
	}
	m.Text = body.String
	m.FileRef = fileRef.String
	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	m.CreatedAt = db.Time(createdAt)
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create persists in unless a message with the same client id exists.
// On a duplicate it returns the stored record with isNew=false, after
// checking that the stored record belongs to the same room and sender.
func (r *Repository) Create(ctx context.Context, in NewMessage) (Message, bool, error) {
	if err := Validate(&in); err != nil {
		return Message{}, false, err
	}

	msg := Message{
		ID:              ulid.Make().String(),
		RoomID:          in.RoomID,
		SenderID:        in.SenderID,
		ClientMessageID: in.ClientMessageID,
		Kind:            in.Kind,
		Text:            in.Text,
		FileRef:         in.FileRef,
		Metadata:        in.Metadata,
		Status:          in.Status,
	}
	createdAt := r.clock.Now()
	msg.CreatedAt = db.Time(createdAt)

	res, err := r.conn.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, client_message_id, kind, body, file_ref, metadata, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_message_id) DO NOTHING
	`, msg.ID, msg.RoomID, msg.SenderID, msg.ClientMessageID, string(msg.Kind),
		nullString(msg.Text), nullString(msg.FileRef), nullString(string(msg.Metadata)), string(msg.Status), createdAt)
	if err != nil {
		return Message{}, false, db.Unavailable("insert message", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return Message{}, false, db.Unavailable("insert message", err)
	}
	if inserted == 1 {
		return msg, true, nil
	}

	existing, err := r.GetByClientID(ctx, in.ClientMessageID)
	if err != nil {
		return Message{}, false, err
	}
	if existing == nil {
		return Message{}, false, db.Unavailable("reread duplicate", fmt.Errorf("client message id %q vanished", in.ClientMessageID))
	}
	if existing.RoomID != in.RoomID || existing.SenderID != in.SenderID {
		r.log.Warn().
			Str("client_message_id", in.ClientMessageID).
			Str("room_id", in.RoomID).
			Str("sender_id", in.SenderID).
			Msg("client message id reused across rooms or senders")
		return Message{}, false, ErrClientIDConflict
	}

	r.log.Debug().Str("client_message_id", in.ClientMessageID).Msg("duplicate client message id ignored")
	return *existing, false, nil
}

// GetByClientID returns nil when no message carries the id.
func (r *Repository) GetByClientID(ctx context.Context, clientMessageID string) (*Message, error) {
	row := r.conn.QueryRowContext(ctx, `SELECT `+columns("")+` FROM messages WHERE client_message_id = $1`, clientMessageID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, db.Unavailable("get message", err)
	}
	return &m, nil
}

// ListByRoom returns up to limit messages of a room, newest first, ordered by
// (created_at, id). When before is set only messages strictly older than the
// cursor are returned; callers pass CursorOf the last message of the previous page.
func (r *Repository) ListByRoom(ctx context.Context, roomID string, limit int, before *Cursor) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `SELECT ` + columns("") + ` FROM messages WHERE room_id = $1`
	args := []any{roomID}
	switch {
	case before == nil:
	case before.ID == "":
		args = append(args, db.Micros(before.At))
		query += ` AND created_at < $2`
	default:
		// instances stamp messages independently, so created_at can tie
		args = append(args, db.Micros(before.At), before.ID)
		query += ` AND (created_at < $2 OR (created_at = $2 AND id < $3))`
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, db.Unavailable("list messages", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, db.Unavailable("scan message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("list messages", err)
	}
	return messages, nil
}

// LastMessagesBatch returns the newest message of each room in one grouped query.
// Rooms without messages are absent from the result.
func (r *Repository) LastMessagesBatch(ctx context.Context, roomIDs []string) (map[string]Message, error) {
	roomIDs = db.Unique(roomIDs)
	out := make(map[string]Message, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}

	args := make([]any, len(roomIDs))
	for i, id := range roomIDs {
		args[i] = id
	}

	rows, err := r.conn.QueryContext(ctx, `
		SELECT `+columns("m.")+`
		FROM messages m
		JOIN (
			SELECT room_id, MAX(created_at) AS max_created
			FROM messages
			WHERE room_id IN (`+db.Placeholders(1, len(roomIDs))+`)
			GROUP BY room_id
		) latest ON m.room_id = latest.room_id AND m.created_at = latest.max_created
	`, args...)
	if err != nil {
		return nil, db.Unavailable("last messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, db.Unavailable("scan message", err)
		}
		// timestamps from different instances can tie; keep the larger id
		if prev, ok := out[m.RoomID]; ok && prev.ID > m.ID {
			continue
		}
		out[m.RoomID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("last messages", err)
	}
	return out, nil
}

// UnreadCountsBatch counts, per room, messages from other senders created
// after that room's entry in lastRead. A missing entry means nothing was read.
// Every requested room is present in the result.
func (r *Repository) UnreadCountsBatch(ctx context.Context, roomIDs []string, userID string, lastRead map[string]time.Time) (map[string]int, error) {
	roomIDs = db.Unique(roomIDs)
	out := make(map[string]int, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}

	args := []any{userID}
	conds := make([]string, 0, len(roomIDs))
	for _, id := range roomIDs {
		out[id] = 0
		args = append(args, id, db.Micros(lastRead[id]))
		conds = append(conds, fmt.Sprintf("(room_id = $%d AND created_at > $%d)", len(args)-1, len(args)))
	}

	rows, err := r.conn.QueryContext(ctx, `
		SELECT room_id, COUNT(*)
		FROM messages
		WHERE sender_id <> $1 AND (`+strings.Join(conds, " OR ")+`)
		GROUP BY room_id
	`, args...)
	if err != nil {
		return nil, db.Unavailable("unread counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roomID string
			count  int
		)
		if err := rows.Scan(&roomID, &count); err != nil {
			return nil, db.Unavailable("scan unread count", err)
		}
		out[roomID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("unread counts", err)
	}
	return out, nil
}

// MarkDelivered moves messages another user sent into roomID, created at or
// before upTo, from sent to delivered. It returns the number of rows changed.
func (r *Repository) MarkDelivered(ctx context.Context, roomID, readerID string, upTo time.Time) (int64, error) {
	res, err := r.conn.ExecContext(ctx, `
		UPDATE messages SET status = $1
		WHERE room_id = $2 AND sender_id <> $3 AND status = $4 AND created_at <= $5
	`, string(StatusDelivered), roomID, readerID, string(StatusSent), db.Micros(upTo))
	if err != nil {
		return 0, db.Unavailable("mark delivered", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, db.Unavailable("mark delivered", err)
	}
	return n, nil
}
