package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/db"
	"chatsync/internal/feed"
	"chatsync/internal/logger"
	"chatsync/internal/metrics"
	authMiddleware "chatsync/internal/middleware"
	"chatsync/internal/user"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog, err := logger.New(cfg.LogDev)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()
	slog := zlog.Sugar()

	// Platform layer
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		slog.Fatalw("failed to connect to postgres", "error", err)
	}
	slog.Info("connected to postgres")

	if err := database.AutoMigrate(); err != nil {
		slog.Fatalw("migration failed", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		slog.Fatalw("failed to connect to redis", "error", err)
	}
	slog.Info("connected to redis")

	// User feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	profiles := user.NewProfileCache(userRepo, redisClient, slog)

	// Chat feature: store publishes into the feed, engines subscribe from it
	publisher := feed.NewPublisher(redisClient)
	subscriber := feed.NewSubscriber(redisClient, slog)
	chatRepo := chat.NewRepository(database.Conn, publisher, slog)
	chatHandler := chat.NewHandler(chatRepo, profiles, subscriber, slog)

	auth := authMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	// Public routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Protected routes (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket (real-time sync sessions)
		r.Get("/ws", chatHandler.ServeWs)

		r.Post("/api/chats", chatHandler.CreateChat)
		r.Get("/api/chats", chatHandler.ListChats)
		r.Get("/api/chats/{chatID}/members", chatHandler.ListMembers)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		slog.Infow("server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warnw("shutdown incomplete", "error", err)
	}
}
