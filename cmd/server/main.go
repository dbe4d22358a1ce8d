package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/api"
	"roomchat/internal/auth"
	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/message"
	"roomchat/internal/ratelimit"
	"roomchat/internal/receipt"
	"roomchat/internal/room"
	"roomchat/internal/user"
)

func main() {
	// 1. Config
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// 2. Database: PostgreSQL when configured, otherwise a local SQLite file
	var (
		database *db.Database
		err      error
	)
	if cfg.DatabaseURL != "" {
		database, err = db.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		database, err = db.NewSQLiteDatabase(cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite")
	}
	defer database.Close()

	if err := database.AutoMigrate(); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("database schema initialized")

	probes := map[string]api.Probe{"database": database.Ping}

	// 3. Fan-out: Redis pub/sub across instances, in-process otherwise
	var broker chat.Broker
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rb, err := chat.NewRedisBroker(ctx, cfg.RedisURL, logger)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		broker = rb
		probes["redis"] = rb.Ping
		logger.Info().Msg("connected to Redis")
	} else {
		broker = chat.NewLocalBroker()
		logger.Warn().Msg("REDIS_URL not set, fan-out is limited to this instance")
	}
	defer broker.Close()

	// 4. Stores and the room directory
	messages := message.NewRepository(database, logger)
	receipts := receipt.NewRepository(database, logger)
	users := user.NewRepository(database, logger)
	directory := room.NewDirectory(room.NewRepository(database), messages, receipts, users, logger)

	validator := auth.NewValidator(auth.Options{
		Current:     cfg.JWTSecretCurrent,
		Previous:    cfg.JWTSecretPrevious,
		UseRotation: cfg.UseRotatedJWT,
		Leeway:      cfg.JWTClockTolerance,
	})

	// 5. Gateway
	hub := chat.NewHub(logger)
	go hub.Run()

	subCtx, stopSub := context.WithCancel(context.Background())
	go func() {
		if err := broker.Subscribe(subCtx, hub.Deliver); err != nil {
			logger.Error().Err(err).Msg("broker subscription ended")
		}
	}()

	gateway := chat.NewGateway(chat.Deps{
		Hub:      hub,
		Broker:   broker,
		Presence: chat.NewPresence(),
		Limiter:  ratelimit.New(ratelimit.DefaultRules()),
		Messages: messages,
		Rooms:    directory,
		Profiles: users,
	}, logger)

	// 6. Routes
	router := api.NewRouter(logger, cfg.CORSOrigins, validator, api.Handlers{
		Chat:     chat.NewHandler(gateway, validator, cfg.CORSOrigins, logger),
		Messages: message.NewHandler(messages, logger),
		Rooms:    room.NewHandler(directory, logger),
		Users:    user.NewHandler(users, logger),
		Health:   api.NewHealth(probes),
	})

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting roomchat server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown does not wait for hijacked websocket connections; stopping
	// the hub closes them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	stopSub()
	hub.Stop()

	logger.Info().Msg("server stopped")
}
