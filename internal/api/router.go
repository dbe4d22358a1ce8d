package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"roomchat/internal/chat"
	"roomchat/internal/message"
	"roomchat/internal/middleware"
	"roomchat/internal/room"
	"roomchat/internal/user"
)

const maxBodyBytes = 64 * 1024

type Handlers struct {
	Chat     *chat.Handler
	Messages *message.Handler
	Rooms    *room.Handler
	Users    *user.Handler
	Health   *Health
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, corsOrigins []string, validator middleware.TokenValidator, h Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health.ServeHTTP)

	// The socket authenticates during the handshake and hangs up on failure
	// instead of answering 401, so it stays outside the auth group.
	r.Get("/ws", h.Chat.ServeWs)

	auth := middleware.NewAuthMiddleware(validator)
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Handle)
		r.Use(chimw.RequestSize(maxBodyBytes))

		r.Get("/messages", h.Messages.GetHistory)
		r.Post("/messages", h.Chat.PostMessage)

		r.Get("/rooms", h.Rooms.List)
		r.Post("/rooms/ensure", h.Rooms.Ensure)
		r.Post("/rooms/{roomId}/read", h.Rooms.MarkRead)

		r.Get("/users/search", h.Users.SearchUsers)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})

	return r
}
