package receipt

import "time"

// Receipt is a user's read watermark in one room.
type Receipt struct {
	RoomID            string    `json:"roomId"`
	UserID            string    `json:"userId"`
	LastReadAt        time.Time `json:"lastReadAt"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
