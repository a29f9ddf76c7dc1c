package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay_gateway/internal/config"
	"relay_gateway/internal/httpapi"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Create router with all dependencies
	mux, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// Start background workers
	deps.Scheduler.Start()
	if deps.Archiver != nil {
		deps.Archiver.Start()
	}

	// Create HTTP server. WriteTimeout stays unset: SSE relays hold the
	// response open far longer than any fixed write deadline.
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Relay Gateway listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop background workers after in-flight requests drain
	deps.Scheduler.Stop()
	if deps.Archiver != nil {
		deps.Archiver.Stop()
	}

	if err := deps.Redis.Close(); err != nil {
		log.Printf("Failed to close Redis: %v", err)
	}

	log.Println("Server exited")
}
