package message

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"roomchat/internal/httpjson"
)

type Handler struct {
	repo *Repository
	log  zerolog.Logger
}

func NewHandler(repo *Repository, logger zerolog.Logger) *Handler {
	return &Handler{repo: repo, log: logger}
}

// GetHistory serves /api/messages?roomId=..&limit=30&before=2026-01-01T00:00:00.000000Z
// The response is a JSON array, newest first. before also takes the
// "<timestamp>|<id>" form produced by Cursor.String.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	roomID := q.Get("roomId")
	if roomID == "" {
		httpjson.Error(w, http.StatusBadRequest, "roomId is required")
		return
	}

	limit := DefaultPageSize
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httpjson.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	before, err := ParseCursor(q.Get("before"))
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "before must be a history cursor")
		return
	}

	messages, err := h.repo.ListByRoom(r.Context(), roomID, limit, before)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Msg("list messages failed")
		httpjson.StorageError(w, err)
		return
	}

	httpjson.JSON(w, http.StatusOK, messages)
}
