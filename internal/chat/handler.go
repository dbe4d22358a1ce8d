package chat

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomchat/internal/httpjson"
	"roomchat/internal/message"
	"roomchat/internal/middleware"
)

type Handler struct {
	gateway   *Gateway
	validator middleware.TokenValidator
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// NewHandler builds the socket and REST ingestion handlers. An empty
// allowedOrigins list accepts every origin (development).
func NewHandler(gw *Gateway, validator middleware.TokenValidator, allowedOrigins []string, logger zerolog.Logger) *Handler {
	return &Handler{
		gateway:   gw,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowedOrigins) == 0 || origin == "" ||
					slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
		log: logger.With().Str("component", "ws").Logger(),
	}
}

// ServeWs authenticates during the handshake. A bad token still gets the
// upgrade, followed by an immediate close with no payload.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, authErr := h.validator.Validate(middleware.BearerToken(r))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	if authErr != nil {
		h.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("rejecting unauthenticated socket")
		conn.Close()
		return
	}

	// the request context ends with this handler; the connection outlives it
	h.gateway.Serve(context.WithoutCancel(r.Context()), conn, identity)
}

// PostMessage handles POST /api/messages. It goes through the same
// ingestion path as the socket: 201 for a new message, 200 for a retry.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req MessageRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, isNew, err := h.gateway.Ingest(r.Context(), "", req.toNew(identity.UserID))
	if err != nil {
		if errors.Is(err, message.ErrValidation) {
			httpjson.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("room_id", req.RoomID).Msg("ingest failed")
		httpjson.StorageError(w, err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	httpjson.JSON(w, status, msg)
}
