package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"

	"review-corral/internal/config"
	"review-corral/internal/handlers"
	"review-corral/internal/middleware"
	"review-corral/internal/services"
)

// App represents the main application structure with all services and handlers.
type App struct {
	config           *config.Config
	firestoreService *services.FirestoreService
	gateService      *services.SubscriptionGateService
	lifecycleService *services.LifecycleService
	githubHandler    *handlers.GitHubHandler
}

func main() {
	cfg := config.Load()

	// Setup structured logging
	var logger *slog.Logger
	isDev := cfg.GinMode != "release"
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	if isDev {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
	}
	slog.SetDefault(logger)

	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	slog.Info("Connecting to Firestore", "project_id", cfg.FirestoreProjectID, "database_id", cfg.FirestoreDatabaseID)
	firestoreClient, err := firestore.NewClientWithDatabase(ctx, cfg.FirestoreProjectID, cfg.FirestoreDatabaseID)
	if err != nil {
		slog.Error("Failed to create Firestore client", "component", "startup", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := firestoreClient.Close(); err != nil {
			slog.Error("Error closing Firestore client", "component", "shutdown", "error", err)
		}
	}()

	firestoreService := services.NewFirestoreService(firestoreClient)
	gateService := services.NewSubscriptionGateService(firestoreService, cfg)
	githubService := services.NewGitHubService(cfg)
	backfillService := services.NewCommentBackfillService()
	displayService := services.NewUserDisplayService(firestoreService)
	lifecycleService := services.NewLifecycleService(
		firestoreService,
		backfillService,
		githubService,
		displayService,
	)

	app := &App{
		config:           cfg,
		firestoreService: firestoreService,
		gateService:      gateService,
		lifecycleService: lifecycleService,
		githubHandler: handlers.NewGitHubHandler(
			firestoreService,
			gateService,
			lifecycleService,
			handlers.DefaultPosterFactory,
			cfg.GitHubWebhookSecret,
			cfg.WebhookProcessingTimeout,
		),
	}

	router := gin.Default()

	router.Use(middleware.LoggingMiddleware())

	router.POST("/webhooks/github", app.githubHandler.HandleWebhook)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	slog.Info("Starting server", "component", "server", "port", cfg.Port)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "component", "server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...", "component", "server")

	// Give outstanding requests time to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "component", "server", "error", err)
		os.Exit(1)
	}

	slog.Info("Server exited gracefully", "component", "server")
}
