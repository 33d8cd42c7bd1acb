package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collabsync/internal/api"
	"collabsync/internal/config"
	"collabsync/internal/db"
	"collabsync/internal/repository"
	"collabsync/internal/services/collaboration"
	"collabsync/internal/telemetry"

	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	log.Println("🚀 Starting collaborative page sync engine...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Optional rotating log file
	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	// Initialize Jaeger tracing
	jaegerShutdown, err := telemetry.InitJaeger("collabsync", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Repositories: persistent page store + permission resolver
	pageRepo := repository.NewPageRepository(database.DB)
	permRepo := repository.NewPermissionRepository(database.DB)

	// Document registry: owns resident documents and their lifecycle
	registry := collaboration.NewRegistry(cfg, pageRepo, permRepo)
	registry.Start()

	// Session gateway for websocket connections
	gateway := collaboration.NewGateway(cfg, registry)

	// Initialize handlers with dependency injection
	handler := api.NewHandler(pageRepo, permRepo, registry, gateway.HandleConnection)

	// Setup routes
	router := api.SetupRoutes(handler)

	// Configure HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine so shutdown signals can be
	// handled concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   POST   /api/pages        - Create page")
		log.Printf("   GET    /api/pages/:id    - Get page")
		log.Printf("   POST   /api/pages/:id/permissions - Grant page permission")
		log.Printf("   GET    /api/sync/stats   - Sync engine stats")
		log.Printf("   GET    /metrics          - Prometheus metrics")
		log.Printf("   WS     /ws/pages/:id     - Collaboration endpoint")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Stop the gateway guards, then tear down the registry. The registry
	// performs a final save for every dirty document before returning.
	gateway.Stop()
	registry.Shutdown()

	log.Println("✓ Server shutdown complete")
}
