package message

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindCustom Kind = "custom"
	KindSystem Kind = "system"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
)

// Message is a persisted chat message. Values returned by the Repository
// are copies; nothing is loaded lazily.
type Message struct {
	ID              string          `json:"id"`
	RoomID          string          `json:"roomId"`
	SenderID        string          `json:"senderId"`
	ClientMessageID string          `json:"clientMessageId"`
	Kind            Kind            `json:"kind"`
	Text            string          `json:"text,omitempty"`
	FileRef         string          `json:"fileRef,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NewMessage is what a caller hands to Create. The store assigns ID and CreatedAt.
type NewMessage struct {
	RoomID          string
	SenderID        string
	ClientMessageID string
	Kind            Kind
	Text            string
	FileRef         string
	Metadata        json.RawMessage
	Status          Status
}
