package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"code-collab/internal/api"
	"code-collab/internal/config"
	"code-collab/internal/middleware"
	"code-collab/internal/services/collaboration"
	"code-collab/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting Collaboration Service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced.
	jaegerShutdown, err := telemetry.InitJaeger("code-collab", cfg.JaegerEndpoint)
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

	// Session registry: the one shared session table, injected everywhere
	// that needs it.
	registry := collaboration.NewRegistry(cfg.SessionTTL)

	// Presence hub and sync protocol handler.
	hub := collaboration.NewHub(registry)
	registry.SetConnectionProbe(hub.HasConnections)
	hub.Start()
	registry.Start()

	syncHandler := collaboration.NewSyncHandler(registry, hub)

	// WebSocket gateway.
	gateway := collaboration.NewGateway(hub, syncHandler, cfg.AllowedOrigins, cfg.MaxMessageBytes)

	// HTTP surface.
	limiter := middleware.NewRateLimiter()
	handler := api.NewHandler(registry, hub)
	router := api.SetupRoutes(handler, gateway.HandleConnection, cfg.SecretKey, limiter)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	}).Handler(router)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      corsHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Collaboration service listening on http://%s", cfg.Addr())
		log.Printf("📚 Endpoints:")
		log.Printf("   POST   /api/v1/collaboration/sessions            - Create session")
		log.Printf("   GET    /api/v1/collaboration/sessions/:id        - Get session")
		log.Printf("   POST   /api/v1/collaboration/sessions/:id/join   - Join session")
		log.Printf("   POST   /api/v1/collaboration/sessions/:id/leave  - Leave session")
		log.Printf("   GET    /ws                                       - WebSocket endpoint")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Close every live WebSocket connection, then stop the background
	// sweepers.
	hub.Shutdown()
	registry.Stop()
	limiter.Stop()

	log.Println("✓ Server shutdown complete")
}
