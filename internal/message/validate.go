package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxTextLength            = 10000
	MaxFileRefLength         = 2048
	MaxMetadataBytes         = 10 * 1024
	MaxClientMessageIDLength = 100
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError rejects a single request; it never closes a connection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrClientIDConflict is returned when a client message id is already taken
// by a message in another room or from another sender.
var ErrClientIDConflict = &ValidationError{Field: "clientMessageId", Reason: "is already used by another message"}

// Validate checks m and fills in defaults (kind, status).
func Validate(m *NewMessage) error {
	if m.RoomID == "" {
		return &ValidationError{Field: "roomId", Reason: "is required"}
	}
	if m.SenderID == "" {
		return &ValidationError{Field: "senderId", Reason: "is required"}
	}
	if m.ClientMessageID == "" {
		return &ValidationError{Field: "clientMessageId", Reason: "is required"}
	}
	if utf8.RuneCountInString(m.ClientMessageID) > MaxClientMessageIDLength {
		return &ValidationError{Field: "clientMessageId", Reason: fmt.Sprintf("must be at most %d characters", MaxClientMessageIDLength)}
	}
	if utf8.RuneCountInString(m.Text) > MaxTextLength {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("too long (max %d characters)", MaxTextLength)}
	}
	if utf8.RuneCountInString(m.FileRef) > MaxFileRefLength {
		return &ValidationError{Field: "fileRef", Reason: fmt.Sprintf("too long (max %d characters)", MaxFileRefLength)}
	}

	if len(m.Metadata) > 0 {
		if bytes.Equal(bytes.TrimSpace(m.Metadata), []byte("null")) {
			m.Metadata = nil
		} else {
			var compact bytes.Buffer
			if err := json.Compact(&compact, m.Metadata); err != nil || compact.Len() == 0 || compact.Bytes()[0] != '{' {
				return &ValidationError{Field: "metadata", Reason: "must be a JSON object"}
			}
			if compact.Len() > MaxMetadataBytes {
				return &ValidationError{Field: "metadata", Reason: fmt.Sprintf("too large (max %d bytes)", MaxMetadataBytes)}
			}
			m.Metadata = json.RawMessage(compact.Bytes())
		}
	}

	switch m.Kind {
	case "":
		m.Kind = KindText
		if m.FileRef != "" {
			m.Kind = KindImage
		}
	case KindText, KindImage, KindCustom, KindSystem:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is not one of text, image, custom, system", m.Kind)}
	}

	switch m.Status {
	case "":
		m.Status = StatusSent
	case StatusSent, StatusDelivered:
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("%q is not one of sent, delivered", m.Status)}
	}

	return nil
}
