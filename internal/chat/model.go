package chat

import (
	"encoding/json"
	"time"

	"roomchat/internal/message"
	"roomchat/internal/room"
)

// Event names carried in Frame.Event.
const (
	// client -> server
	EventJoin    = "join"
	EventLeave   = "leave"
	EventTyping  = "typing"
	EventMessage = "message"
	EventRead    = "read"
	EventHistory = "history"
	EventRooms   = "rooms"

	// server -> client
	EventPresence = "presence"
	EventAck      = "ack"
	EventError    = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeValidation         = "validation_error"
	CodeRateLimited        = "rate_limited"
	CodeStorageUnavailable = "storage_unavailable"
	CodeBadFrame           = "bad_frame"
	CodeUnknownEvent       = "unknown_event"
	CodeInternal           = "internal_error"
)

// Frame is one websocket text message in either direction. RequestID is
// echoed on the response to request/response events.
type Frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------
// Inbound payloads
// ---------------------------------------------

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type MessageRequest struct {
	RoomID          string          `json:"roomId"`
	ClientMessageID string          `json:"clientMessageId"`
	Text            string          `json:"text,omitempty"`
	FileRef         string          `json:"fileRef,omitempty"`
	Kind            message.Kind    `json:"kind,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

func (m MessageRequest) toNew(senderID string) message.NewMessage {
	return message.NewMessage{
		RoomID:          m.RoomID,
		SenderID:        senderID,
		ClientMessageID: m.ClientMessageID,
		Kind:            m.Kind,
		Text:            m.Text,
		FileRef:         m.FileRef,
		Metadata:        m.Metadata,
	}
}

type ReadRequest struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId,omitempty"`
}

type HistoryRequest struct {
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit,omitempty"`
	Before string `json:"before,omitempty"`
}

type RoomsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ---------------------------------------------
// Outbound payloads
// ---------------------------------------------

type PresenceUpdate struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
	State  string `json:"state"` // "join" or "leave"
}

type Typing struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

type Ack struct {
	ClientMessageID string    `json:"clientMessageId"`
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"createdAt"`
	Duplicate       bool      `json:"duplicate"`
}

type ErrorPayload struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type HistoryResponse struct {
	RoomID   string            `json:"roomId"`
	Messages []message.Message `json:"messages"`
	// NextCursor points past the oldest message when a full page came back.
	NextCursor string `json:"nextCursor,omitempty"`
}

type RoomsResponse struct {
	Rooms      []room.Summary  `json:"rooms"`
	Pagination room.Pagination `json:"pagination"`
}

type ReadReceipt struct {
	RoomID            string    `json:"roomId"`
	UserID            string    `json:"userId"`
	LastReadAt        time.Time `json:"lastReadAt"`
	LastReadMessageID string    `json:"lastReadMessageId,omitempty"`
}

func encodeFrame(event, requestID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, RequestID: requestID, Data: raw})
}
