package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gitshare-dev/gitshare-relay/internal/api"
	"github.com/gitshare-dev/gitshare-relay/internal/channel"
	"github.com/gitshare-dev/gitshare-relay/internal/config"
	"github.com/gitshare-dev/gitshare-relay/internal/github"
	"github.com/gitshare-dev/gitshare-relay/internal/httputil"
	"github.com/gitshare-dev/gitshare-relay/internal/identity"
	"github.com/gitshare-dev/gitshare-relay/internal/postgres"
	"github.com/gitshare-dev/gitshare-relay/internal/request"
	"github.com/gitshare-dev/gitshare-relay/internal/room"
	"github.com/gitshare-dev/gitshare-relay/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting gitshare relay")

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Repositories and the notification bus
	rooms := room.NewPGRegistry(db)
	requests := request.NewPGStore(db)
	bus := channel.NewPGBus(db, log.Logger)
	users := identity.NewCachingRepository(identity.NewPGRepository(db), rdb, cfg.SessionCacheTTL, log.Logger)

	// A room left open by a previous process has no live owner session behind it. Force everything shut before
	// accepting traffic.
	if err := rooms.CloseAll(ctx); err != nil {
		return fmt.Errorf("close stale rooms: %w", err)
	}

	gh := github.NewOAuthClient(cfg.GithubClientID, cfg.GithubClientSecret)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "gitshare-relay",
		BodyLimit: cfg.BodyLimitBytes(),
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "internal server error"
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
				message = fiberErr.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).SendString(message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.CORSAllowOrigins},
		AllowMethods: []string{fiber.MethodGet, fiber.MethodPost, fiber.MethodPut, fiber.MethodOptions},
		AllowHeaders: []string{fiber.HeaderOrigin, fiber.HeaderContentType, fiber.HeaderAccept, fiber.HeaderAuthorization},
	}))

	registerRoutes(app, cfg, db, rdb, users, rooms, requests, bus, gh)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	db *pgxpool.Pool,
	rdb *redis.Client,
	users identity.Repository,
	rooms room.Registry,
	requests request.Store,
	bus channel.Bus,
	gh github.Client,
) {
	health := &api.HealthHandler{DB: db, Redis: rdb}
	app.Get("/health", health.Health)

	authHandler := api.NewAuthHandler(gh, users)
	app.Get("/oauth2/auth", authHandler.Auth)
	app.Put("/oauth2/register", authHandler.Register)

	requireSession := identity.RequireSession(users)

	userHandler := api.NewUserHandler()
	app.Get("/user_id", requireSession, userHandler.UserID)

	shareHandler := api.NewShareHandler(rooms, requests, bus, log.Logger)
	app.Get("/share", requireSession, shareHandler.Share)

	gitHandler := api.NewGitHandler(rooms, requests, bus, cfg.GuestResponseWait, log.Logger)
	app.Get("/git/:user_id/*", gitHandler.Relay)
	app.Post("/git/:user_id/*", gitHandler.Relay)
}
