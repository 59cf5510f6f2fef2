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

	"github.com/gin-gonic/gin"

	"github.com/Elmontak/calsync/internal/api"
	"github.com/Elmontak/calsync/internal/config"
	"github.com/Elmontak/calsync/internal/crypto"
	"github.com/Elmontak/calsync/internal/jobs"
	"github.com/Elmontak/calsync/internal/mailsource"
	"github.com/Elmontak/calsync/internal/store"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting CalSync...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	encryptor, err := crypto.NewEncryptor(cfg.SecretKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	// A real IMAP client is wired by the operator per SPEC_FULL.md §6's
	// mailsource.Source contract; NullSource is the safe default.
	source := mailsource.NullSource{}

	registry := jobs.NewRegistry()
	orchestrator := jobs.NewOrchestrator(db, encryptor, source, registry)
	scheduler := jobs.NewScheduler(orchestrator)
	scheduler.Reschedule(time.Duration(cfg.SyncIntervalMinutes) * time.Minute)

	handlers := api.NewHandlers(db, encryptor, orchestrator, scheduler)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, handlers)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
