package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-dm/internal/apperr"
	"go-dm/internal/auth"
	"go-dm/internal/chat"
	"go-dm/internal/config"
	"go-dm/internal/db"
	"go-dm/internal/logging"
	myMiddleware "go-dm/internal/middleware"
	"go-dm/internal/realtime"
	"go-dm/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2

	shutdownTimeout = 10 * time.Second
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and blocks until a signal or a fatal error.
// Returning instead of exiting lets the deferred cleanups run.
func run() (int, error) {
	// 1. Config & logging
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. PostgreSQL
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return exitRuntime, fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	log.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return exitRuntime, err
	}
	log.Info("database schema initialized")

	g, gctx := errgroup.WithContext(ctx)

	// 3. Users & tokens
	tokens := auth.NewTokens(cfg.JWTAccessSecret, cfg.JWTRefreshSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	userService := user.NewService(user.NewRepository(database.Conn), tokens)
	userHandler := user.NewHandler(userService, tokens, cfg.CookieSecure, log)

	// 4. Chat core
	chatRepo := chat.NewRepository(database.Conn)
	membership := chat.NewMembership(chatRepo)
	directory := chat.NewDirectory(chatRepo, log)
	ledger := chat.NewLedger(chatRepo, membership)

	// 5. Realtime, fanned out over Redis when more than one instance runs
	registry := realtime.NewRegistry(log)
	var publisher realtime.Publisher = realtime.NewLocalPublisher(registry)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return exitRuntime, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("connected to Redis", "addr", cfg.RedisAddr)

		rp := realtime.NewRedisPublisher(rdb, cfg.RedisChannel, registry, log)
		publisher = rp
		g.Go(func() error { return rp.Run(gctx) })
	}

	dispatcher := realtime.NewDispatcher(tokens, chatRepo, membership, ledger, registry, publisher, log,
		realtime.WithSendBuffer(cfg.SendBuffer),
		realtime.WithEventRate(cfg.EventRate, cfg.EventBurst))
	chatHandler := chat.NewHandler(directory, ledger, dispatcher, log)
	wsHandler := realtime.NewHandler(dispatcher, cfg.AllowedOrigins, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(tokens)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		apperr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	// Public routes
	r.Post("/auth/register", userHandler.Register)
	r.Post("/auth/login", userHandler.Login)
	r.Post("/auth/refresh", userHandler.Refresh)
	r.Post("/auth/logout", userHandler.Logout)

	// The socket authenticates its own handshake so it can refuse before upgrading.
	r.Get("/ws", wsHandler.ServeWs)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/auth/me", userHandler.Me)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// Hijacked websocket connections are not covered by Shutdown.
		dispatcher.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil {
		return exitRuntime, err
	}
	log.Info("server stopped")
	return exitOK, nil
}
