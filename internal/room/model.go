package room

import (
	"slices"
	"strconv"
	"time"

	"roomchat/internal/message"
	"roomchat/internal/user"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 50
)

// ErrNotParticipant rejects reads of a room by someone outside it.
var ErrNotParticipant = &message.ValidationError{Field: "roomId", Reason: "is not a room of this user"}

// ErrInvalidPair rejects a one-to-one room request without two distinct users.
var ErrInvalidPair = &message.ValidationError{Field: "partnerId", Reason: "must name another user"}

// Room is a one-to-one conversation. Participants are kept sorted, which is
// what makes the (user_a, user_b) uniqueness constraint pair-wide.
type Room struct {
	ID            string     `json:"id"`
	Participants  []string   `json:"participants"`
	LastMessageID string     `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Partner returns the participant that is not userID.
func (r Room) Partner(userID string) string {
	for _, p := range r.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Has reports whether userID takes part in the room.
func (r Room) Has(userID string) bool {
	return slices.Contains(r.Participants, userID)
}

// Summary is one entry of a user's room list.
type Summary struct {
	Room
	Partner           *user.Profile    `json:"partner,omitempty"`
	LastMessage       *message.Message `json:"lastMessage,omitempty"`
	LastReadAt        *time.Time       `json:"lastReadAt,omitempty"`
	LastReadMessageID string           `json:"lastReadMessageId,omitempty"`
	UnreadCount       int              `json:"unreadCount"`
}

type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// ClampPage parses list parameters: limit falls back to 20 and is held to
// [1, 50], offset falls back to 0 and is never negative.
func ClampPage(limitStr, offsetStr string) (limit, offset int) {
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit == 0 {
		limit = DefaultListLimit
	}
	limit = min(max(limit, 1), MaxListLimit)

	offset, err = strconv.Atoi(offsetStr)
	if err != nil {
		offset = 0
	}
	return limit, max(offset, 0)
}

func NewPagination(total, limit, offset, returned int) Pagination {
	return Pagination{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+returned < total,
	}
}
