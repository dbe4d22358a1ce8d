package user

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"roomchat/internal/httpjson"
	"roomchat/internal/middleware"
)

type Handler struct {
	repo *Repository
	log  zerolog.Logger
}

func NewHandler(repo *Repository, logger zerolog.Logger) *Handler {
	return &Handler{repo: repo, log: logger}
}

// SearchUsers handles GET /api/users/search?q=
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httpjson.JSON(w, http.StatusOK, []Profile{})
		return
	}

	users, err := h.repo.Search(r.Context(), q, identity.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("q", q).Msg("user search failed")
		httpjson.StorageError(w, err)
		return
	}
	httpjson.JSON(w, http.StatusOK, users)
}
