package room

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"roomchat/internal/httpjson"
	"roomchat/internal/message"
	"roomchat/internal/middleware"
)

type Handler struct {
	dir *Directory
	log zerolog.Logger
}

func NewHandler(dir *Directory, logger zerolog.Logger) *Handler {
	return &Handler{dir: dir, log: logger}
}

type listResponse struct {
	Rooms      []Summary  `json:"rooms"`
	Pagination Pagination `json:"pagination"`
}

// List handles GET /api/rooms?limit=&offset=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit, offset := ClampPage(r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))
	rooms, total, err := h.dir.ListForUser(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", identity.UserID).Msg("list rooms failed")
		httpjson.StorageError(w, err)
		return
	}

	httpjson.JSON(w, http.StatusOK, listResponse{
		Rooms:      rooms,
		Pagination: NewPagination(total, limit, offset, len(rooms)),
	})
}

type ensureRequest struct {
	PartnerID string `json:"partnerId"`
}

// Ensure handles POST /api/rooms/ensure {"partnerId": "..."}
func (h *Handler) Ensure(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ensureRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rm, err := h.dir.EnsureOneToOne(r.Context(), identity.UserID, req.PartnerID)
	if err != nil {
		if errors.Is(err, message.ErrValidation) {
			httpjson.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("user_id", identity.UserID).Msg("ensure room failed")
		httpjson.StorageError(w, err)
		return
	}
	httpjson.JSON(w, http.StatusOK, rm)
}

type markReadRequest struct {
	MessageID string `json:"messageId"`
}

// MarkRead handles POST /api/rooms/{roomId}/read {"messageId": "..."}.
// The body is optional.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req markReadRequest
	if err := httpjson.Decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	roomID := chi.URLParam(r, "roomId")
	if _, err := h.dir.MarkAsRead(r.Context(), roomID, identity.UserID, req.MessageID); err != nil {
		if errors.Is(err, message.ErrValidation) {
			httpjson.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("room_id", roomID).Msg("mark read failed")
		httpjson.StorageError(w, err)
		return
	}
	httpjson.JSON(w, http.StatusOK, map[string]bool{"success": true})
}
