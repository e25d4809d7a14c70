package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"gameplay-go/backend/internal/config"
	"gameplay-go/backend/internal/database"
	"gameplay-go/backend/internal/game"
	"gameplay-go/backend/internal/game/connect4"
	"gameplay-go/backend/internal/handlers"
	"gameplay-go/backend/internal/middleware"
	"gameplay-go/backend/internal/notify"
	"gameplay-go/backend/internal/services"
	"gameplay-go/backend/internal/tracing"
	"gameplay-go/backend/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// .env is a local development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdownTracing, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName: "gameplay",
		Environment: cfg.AppEnv,
		PrettyPrint: cfg.LogDev,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	db, err := database.OpenAndMigrate(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("db open/migrate failed", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("db close error", zap.Error(err))
		}
	}()

	games := game.NewRegistry()
	games.Register(connect4.New())

	hubRef := websocket.NewHubRef(websocket.NewHub())
	go runHub(hubRef, logger)

	notifier := notify.New(logger)
	notifier.SetForward(func(matchID int64) {
		hub, ok := hubRef.Get()
		if !ok {
			return
		}
		payload := map[string]any{"match_id": matchID}
		hub.Broadcast(websocket.MatchRoom(matchID), "match_updated", payload)
		hub.Broadcast(websocket.DefaultRoom, "match_updated", payload)
	})

	executor := services.NewTurnExecutor(db, games, notifier, logger)
	driver := services.NewAgentDriver(db, executor, games, logger)
	defer driver.Stop()

	// Recovery pass: re-drive any in-progress match stuck on an agent, then
	// keep scanning as a safety net for loops that died mid-flight.
	driver.RecoverActiveMatches()
	driver.StartPeriodicCheck(cfg.AgentCheckInterval)

	handlers.SetWebSocketOriginPolicy(cfg.AppEnv == "development", cfg.DevWebSocketsAllowAll, cfg.WSAllowedOrigins)

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("gameplay"))
	r.Use(middleware.DevCORS(cfg))
	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	api := r.Group("/api")
	handlers.RegisterAuthRoutes(api, db, cfg)
	handlers.RegisterPublicRoutes(api, db, games, notifier)

	protected := api.Group("")
	protected.Use(middleware.RequireAuth(cfg))
	protected.GET("/auth/me", handlers.MeHandler(db))
	handlers.RegisterAgentRoutes(protected, db, games, driver)
	handlers.RegisterMatchRoutes(protected, db, games, executor, driver)

	r.GET("/ws", handlers.WebSocketHandler(hubRef.Get, cfg))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.Stringer("signal", sig))
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	if h, ok := hubRef.Get(); ok {
		h.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.LogDev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runHub keeps the websocket hub alive across panics: a panicked hub is
// stopped (so clients stop enqueueing to it) and replaced with a fresh one.
func runHub(hubRef *websocket.HubRef, logger *zap.Logger) {
	for {
		hub, ok := hubRef.Get()
		if !ok {
			hubRef.Set(websocket.NewHub())
			continue
		}

		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					logger.Error("hub run panic",
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
				}
			}()
			hub.Run()
		}()

		// A normal return means Stop() was called; only restart on panic.
		if !panicked {
			return
		}
		hub.Stop()
		hubRef.Set(websocket.NewHub())
		time.Sleep(1 * time.Second)
	}
}
