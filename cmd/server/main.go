// Package main is the entry point for the gridtiles server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gridtiles/server/internal/api"
	"github.com/gridtiles/server/internal/cache"
	"github.com/gridtiles/server/internal/config"
	"github.com/gridtiles/server/internal/data/store"
	"github.com/gridtiles/server/internal/render"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting gridtiles server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all sources)
	cacheManager, err := cache.NewManager(cache.Config{
		ChunkCacheSizeMB: cfg.Cache.ChunkSizeMB,
		ChunkTTL:         time.Duration(cfg.Cache.ChunkTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	var disk *bolt.DB
	if cfg.Cache.DiskPath != "" {
		disk, err = store.OpenBolt(cfg.Cache.DiskPath)
		if err != nil {
			log.Fatalf("Failed to open disk cache: %v", err)
		}
		defer disk.Close()
		log.Printf("Disk chunk cache: %s", cfg.Cache.DiskPath)
	}

	// Sources open lazily on first use and are shared by every session
	opener := api.SourceOpener{Cache: cacheManager, Disk: disk}
	registry := api.NewSourceRegistry(cfg.Server.Title)
	for _, id := range cfg.Sources.IDs() {
		src := cfg.Sources.Sources[id]
		registry.Register(id, src, opener.Open(id, src))
		log.Printf("  [%s] %s source at %s", id, src.Type, src.URL)
	}
	defer registry.Close()
	log.Printf("Registered %d source(s), default: %s", len(cfg.Sources.IDs()), registry.DefaultSourceID())

	sessions := api.NewSessionManager(api.SessionManagerConfig{
		Registry:        registry,
		DefaultColormap: cfg.Render.DefaultColormap,
		FrameWidth:      cfg.Render.FrameWidth,
		FrameHeight:     cfg.Render.FrameHeight,
		MaxViewport:     cfg.Render.MaxViewport,
	})
	defer sessions.CloseAll()

	// Initialize job manager for region queries (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Region.MaxConcurrent,
		SQLitePath:    cfg.Region.SQLitePath,
		RetentionDays: cfg.Region.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Region job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Region.MaxConcurrent, cfg.Region.RetentionDays, cfg.Region.SQLitePath)

	jobManager.Executor = api.NewRegionExecutor(sessions, cacheManager)
	jobManager.OnResult = api.PublishRegionResults(sessions)
	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry: registry,
		Sessions: sessions,
		Jobs:     jobManager,
		Tiles: render.NewTileRenderer(render.Config{
			TileSize:        cfg.Render.TileSize,
			DefaultColormap: cfg.Render.DefaultColormap,
		}),
		Cache:       cacheManager,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
