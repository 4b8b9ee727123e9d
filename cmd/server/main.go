package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crm-realtime/internal/bus"
	"crm-realtime/internal/chat"
	"crm-realtime/internal/config"
	"crm-realtime/internal/db"
	"crm-realtime/internal/dispatch"
	"crm-realtime/internal/middleware"
	"crm-realtime/internal/notify"
	"crm-realtime/internal/presence"
	"crm-realtime/internal/user"
)

func main() {
	// Human-readable logs in dev; set LOG_JSON=1 for machine ingestion.
	if os.Getenv("LOG_JSON") == "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx := context.Background()

	// Platform layer: Postgres is the source of truth for read state and
	// unread counts; everything in memory is rebuilt from it.
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	log.Info().Msg("connected to postgres")

	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// Shared realtime state.
	hub := bus.New()
	tracker := presence.NewTracker()

	// Redis is optional: without it the bus fans out in-process only,
	// which is the single-instance deployment mode.
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		hub.AttachRedis(ctx, rdb, "crm-realtime.bus")
		log.Info().Str("addr", cfg.RedisAddr).Msg("bus bridged over redis")
	}

	// Features.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	chatRepo := chat.NewRepository(database.Conn)
	notifyRepo := notify.NewRepository(database.Conn)

	dispatcher := dispatch.New(hub, tracker, chatRepo, notifyRepo)

	chatHandler := chat.NewHandler(chatRepo, hub, tracker, dispatcher)
	notifyHandler := notify.NewHandler(notifyRepo, hub, tracker, dispatcher)

	auth := middleware.NewAuth(userService)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	// Public routes.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Everything else needs a valid bearer token.
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)

		r.Get("/ws/chat/{roomID}", chatHandler.ServeWS)
		r.Get("/ws/notifications", notifyHandler.ServeWS)

		r.Get("/api/users/search", userHandler.Search)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetMessages)
		r.Post("/api/notifications", notifyHandler.Create)
		r.Get("/api/notifications", notifyHandler.List)
	})

	log.Info().Str("addr", cfg.Addr).Msg("🚀 server starting")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
