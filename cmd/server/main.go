package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/flightreduce/pkg/config"
	"github.com/nicktill/flightreduce/pkg/server"
	"github.com/nicktill/flightreduce/pkg/server/monitor"
)

const (
	// Uploads stream whole flight logs, so reads get the reduction budget.
	serverReadHeaderTimeout = 10 * time.Second
	serverReadTimeout       = config.UploadTimeout
	serverWriteTimeout      = config.UploadTimeout
	shutdownTimeout         = 30 * time.Second
)

func main() {
	log.Println("Starting flightreduce server...")

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("Storage backend: %s, retention: %v", cfg.Storage.Backend, cfg.Storage.Retention)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := server.InitializeStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	storageMonitor := server.InitializeStorageMonitor(cfg, store)
	log.Printf("Storage limit enforcement enabled: %.2f GB max", float64(storageMonitor.GetLimit())/(1024*1024*1024))

	handlers := server.InitializeHandlers(cfg, store, storageMonitor)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		handlers.Hub.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		server.BroadcastStatus(ctx, store, handlers.Hub, handlers.Metrics)
	}()
	log.Println("Status broadcaster started (updates every 5s)")

	retention := &monitor.JobMonitor{StaleAfter: 2 * config.RetentionInterval}
	stopRetention := make(chan bool)
	wg.Add(1)
	go server.RunRetention(store, cfg.Storage.Retention, retention, stopRetention, &wg)

	stopGC := make(chan bool)
	wg.Add(1)
	go server.RunBadgerGC(store, stopGC, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, handlers, storageMonitor, retention, cfg.Server.Port)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", cfg.Server.Port)
		log.Println("API endpoints:")
		log.Println("   POST   /v1/logs[/{log_id}]              - Upload and reduce an NDJSON flight log")
		log.Println("   GET    /v1/logs                         - List reduced logs")
		log.Println("   GET    /v1/logs/{log_id}                - Flight overview")
		log.Println("   GET    /v1/logs/{log_id}/records        - Query retained records")
		log.Println("   GET    /v1/logs/{log_id}/summary        - Plain-text flight briefing")
		log.Println("   GET    /v1/logs/{log_id}/export         - Export as JSON or CSV")
		log.Println("   POST   /v1/import                       - Import an exported archive")
		log.Println("   GET    /v1/ws                           - Live phase boundaries")
		log.Println("   GET    /metrics                         - Prometheus endpoint")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")

	// Stop background tasks before waiting on them
	cancel()
	close(stopRetention)
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Println("Gracefully shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("flightreduce server exited cleanly")
}
