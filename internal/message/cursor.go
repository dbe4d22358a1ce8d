package message

import (
	"strings"
	"time"
)

// Cursor marks a position in a room's history. Pages hold messages strictly
// older than the cursor in (created_at, id) order. ID may be empty, in which
// case every message created at At is excluded as well.
type Cursor struct {
	At time.Time
	ID string
}

// CursorOf points just past m, so the next page starts with the message after it.
func CursorOf(m Message) *Cursor {
	return &Cursor{At: m.CreatedAt, ID: m.ID}
}

// String renders "<RFC3339Nano>|<id>", or the bare timestamp when ID is empty.
func (c Cursor) String() string {
	s := c.At.UTC().Format(time.RFC3339Nano)
	if c.ID != "" {
		s += "|" + c.ID
	}
	return s
}

// ParseCursor parses a history cursor. An empty string means "from the newest".
// A bare RFC 3339 timestamp is accepted as a cursor without an id.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	ts, id, _ := strings.Cut(s, "|")
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, err
	}
	return &Cursor{At: t, ID: id}, nil
}
