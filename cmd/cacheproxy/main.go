// Command cacheproxy runs the caching reverse proxy: it loads configuration,
// wires the cache, fetch coordinator, upstream selector, and downloader
// together, starts the registry tracker in the background, and serves the
// HTTP surface until terminated.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/caarlos0/env/v11"

	"github.com/bboehmke/cacheproxy/internal/cache"
	"github.com/bboehmke/cacheproxy/internal/config"
	"github.com/bboehmke/cacheproxy/internal/fetchstate"
	"github.com/bboehmke/cacheproxy/internal/registry"
	"github.com/bboehmke/cacheproxy/internal/resolve"
	"github.com/bboehmke/cacheproxy/internal/server"
)

func main() {
	log.Info("Starting cacheproxy...")

	cfg := env.Must(env.ParseAs[config.Config]())
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	cfg.Print()

	for _, dir := range []string{cfg.CacheRoot(), cfg.TempRoot(), cfg.StaticRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal(err)
		}
	}

	diskCache, err := cache.New(cfg.CacheRoot(), int64(cfg.CacheSizeLimit))
	if err != nil {
		log.Fatal(err)
	}

	client := &http.Client{}

	resolver := &resolve.Resolver{
		Client:          client,
		Cache:           diskCache,
		Coordinator:     fetchstate.New(),
		TempRoot:        cfg.TempRoot(),
		SelectorTimeout: cfg.SelectorTimeout,
		SelectorRetries: cfg.SelectorRetries,
	}

	tracker := registry.New(client, cfg.StorageServers, cfg.Registries, cfg.RegistriesIndexPath(), cfg.TempRoot(), resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx, cfg.RegistryPollInterval)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(diskCache, resolver, cfg.StorageServers, cfg.RegistriesIndexPath()),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	log.Info("Listening on %s", cfg.ListenAddr)

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("cacheproxy: shutdown: %v", err)
	}
}
