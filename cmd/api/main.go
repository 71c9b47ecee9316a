package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harmonyhoard/conductor/internal/api/handlers"
	"github.com/harmonyhoard/conductor/internal/api/middleware"
	"github.com/harmonyhoard/conductor/internal/behavior"
	"github.com/harmonyhoard/conductor/internal/breaker"
	"github.com/harmonyhoard/conductor/internal/catalog"
	"github.com/harmonyhoard/conductor/internal/config"
	"github.com/harmonyhoard/conductor/internal/database"
	"github.com/harmonyhoard/conductor/internal/metrics"
	"github.com/harmonyhoard/conductor/internal/notify"
	"github.com/harmonyhoard/conductor/internal/queue"
	"github.com/harmonyhoard/conductor/internal/statusstore"
)

func main() {
	// Missing .env is fine; environment variables may come from the host.
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded configuration from .env")
	}

	cfg := config.Default().FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	log.Printf("Conductor starting on port %s (profile: %s)", cfg.Port, cfg.DetectProfile())

	db, err := database.Initialize(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to initialize database: ", err)
	}
	defer db.Close()

	store := statusstore.New(cfg.Store.Dir, cfg.Store.LockTimeout, cfg.Store.WriteRetries, cfg.Store.RetryBackoff)
	history := database.NewHistoryRepo(db)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	cb := breaker.New("catalog", cfg.Breaker)
	engine := behavior.New(cfg.Behavior)

	if cfg.CatalogURL == "" {
		log.Fatal("CATALOG_URL is required")
	}
	catalogClient, err := catalog.NewHTTPClient(cfg.CatalogURL, cfg.CatalogToken, engine)
	if err != nil {
		log.Fatal("Failed to initialize catalog client: ", err)
	}

	notifier := notify.New(cfg.WebhookURL, cfg.WebhookSecret)
	if notifier != nil {
		log.Printf("Webhook notifications enabled: %s", cfg.WebhookURL)
	}

	q := queue.New(queue.Options{
		Config:      cfg.Queue,
		Catalog:     catalogClient,
		FileSystem:  catalog.NewOSFileSystem(),
		Behavior:    engine,
		Breaker:     cb,
		Store:       store,
		History:     history,
		Metrics:     m,
		Notifier:    notifier,
		DownloadDir: cfg.DownloadDir,
	})
	q.Start()

	router := setupRouter(cfg, q, cb, engine, store, history, registry)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server startup failed: ", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := q.Stop(shutdownCtx); err != nil {
		log.Printf("Queue shutdown error: %v", err)
	}
}

func setupRouter(
	cfg *config.Config,
	q *queue.Queue,
	cb *breaker.CircuitBreaker,
	engine *behavior.Engine,
	store *statusstore.Store,
	history *database.HistoryRepo,
	registry *prometheus.Registry,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	authHandler := handlers.NewAuthHandler(cfg)
	downloadHandler := handlers.NewDownloadHandler(q, history)
	systemHandler := handlers.NewSystemHandler(cb, engine, store, cfg)

	router.Use(middleware.Logger())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())

	startTime := time.Now()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"uptime":    time.Since(startTime).String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		auth.Use(middleware.RateLimit(10))
		{
			auth.POST("/login", authHandler.Login)
		}

		protected := v1.Group("/")
		protected.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			protected.GET("/auth/verify", authHandler.Verify)

			downloads := protected.Group("/downloads")
			{
				downloads.GET("", downloadHandler.GetDownloads)
				downloads.POST("/queue", downloadHandler.QueueDownload)
				downloads.GET("/stats", downloadHandler.GetDownloadStats)
				downloads.GET("/:id", downloadHandler.GetDownload)
				downloads.DELETE("/:id", downloadHandler.RemoveDownload)
				downloads.POST("/:id/pause", downloadHandler.PauseDownload)
				downloads.POST("/:id/resume", downloadHandler.ResumeDownload)
			}

			system := protected.Group("/system")
			{
				system.GET("/status", systemHandler.GetAggregateStatus)
				system.GET("/activity", systemHandler.GetRecentActivity)
				system.GET("/breaker", systemHandler.GetBreakerStatus)
				system.POST("/breaker/trip", middleware.RequireRole("admin"), systemHandler.TripBreaker)
				system.POST("/breaker/reset", middleware.RequireRole("admin"), systemHandler.ResetBreaker)
				system.GET("/behavior", systemHandler.GetBehaviorStatus)
			}
		}
	}

	return router
}
