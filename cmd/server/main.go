/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the chapter engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (app.env + environment overrides)
  2. Initialize SQLite store
  3. Wire the chapter, payment and earnings services
  4. Configure HTTP router
  5. Start server with graceful shutdown

CONFIGURATION:
  SERVER_ADDRESS   listen address (default :8080)
  SQLITE_PATH      database path; ":memory:" for in-memory
  JWT_SECRET       HS256 signing secret (required)
  CORS_ORIGINS     comma-separated allowed origins
  BASE_PAGE_RATE   per-page base rate for pricing
  CURRENCY         pricing currency (KES or USD)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quill/chapter-engine/api"
	"github.com/quill/chapter-engine/chapter"
	"github.com/quill/chapter-engine/config"
	"github.com/quill/chapter-engine/core"
	"github.com/quill/chapter-engine/earnings"
	"github.com/quill/chapter-engine/payment"
	"github.com/quill/chapter-engine/pricing"
	"github.com/quill/chapter-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	baseRate, err := decimal.NewFromString(cfg.BasePageRate)
	if err != nil {
		log.Fatalf("Invalid BASE_PAGE_RATE %q: %v", cfg.BasePageRate, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Initialize store
	store, err := sqlite.New(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire services
	pricer := pricing.NewCalculator(baseRate, core.Currency(cfg.Currency))
	chapters := chapter.NewService(store, pricer, logger)
	payments := payment.NewService(store, logger)
	earn := earnings.NewService(store, logger)

	handler := api.NewHandler(chapters, payments, earn, pricer, []byte(cfg.JWTSecret), logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on %s", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
