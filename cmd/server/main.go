package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"image-prefetcher/internal/cache"
	"image-prefetcher/internal/config"
	"image-prefetcher/internal/database"
	"image-prefetcher/internal/downloader"
	"image-prefetcher/internal/imgproxy"
	"image-prefetcher/internal/persist"
	"image-prefetcher/internal/prefetch"
	"image-prefetcher/internal/server"
)

const closeTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	flag.Parse()

	// Optional: a missing config file means defaults plus environment
	if err := config.LoadConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GlobalConfig

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server: exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	dir, err := cache.Open(cfg.CacheDir, logger)
	if err != nil {
		return err
	}

	// Store DB under the cache dir, in a subdirectory the cache index skips
	db, err := database.Init(filepath.Join(cfg.CacheDir, "db"))
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := persist.NewStore(db, cfg.WriteDelay(), logger)
	if err != nil {
		return err
	}
	entries, stats, err := store.Load(ctx)
	if err != nil {
		return err
	}

	opts := []prefetch.Option{
		prefetch.WithOptions(cfg.ManagerOptions()),
		prefetch.WithLocalResolver(dir),
		prefetch.WithRecorder(store),
		prefetch.WithLogger(logger),
	}
	if d := cfg.ThrottleInterval(); d > 0 {
		opts = append(opts, prefetch.WithThrottleInterval(d))
	}
	if cfg.ImgProxy.BaseURL != "" {
		rw, err := imgproxy.New(cfg.ImgProxy.BaseURL, cfg.ImgProxy.Key, cfg.ImgProxy.Salt, cfg.ImgProxy.Oversample)
		if err != nil {
			return err
		}
		opts = append(opts, prefetch.WithRewriter(rw))
	}

	manager := prefetch.New(newFetcher(cfg, dir, logger), opts...)
	manager.Restore(entries, stats)
	logger.Info("server: cache restored",
		"entries", len(entries),
		"files", dir.Len(),
		"backend", cfg.FetchBackend)

	srv := server.New(server.Options{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Manager: manager,
		Cache:   dir,
		Store:   store,
		Headers: cfg.Headers,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		// The index still works without events; only external deletes go unnoticed.
		if err := dir.Watch(gctx); err != nil {
			logger.Warn("cache: watcher stopped", "error", err)
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		logger.Warn("prefetch: fetches still running at shutdown", "error", err)
	}
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("persist: failed to flush pending writes", "error", err)
	}
	return runErr
}

func newFetcher(cfg config.Config, dir *cache.Dir, logger *slog.Logger) prefetch.Fetcher {
	if cfg.FetchBackend == config.BackendAria2 {
		client := downloader.NewAria2Client(cfg.Aria2RPCUrl, cfg.Aria2Secret)
		return downloader.NewAria2Fetcher(client, dir, cfg.Headers, logger)
	}
	return downloader.NewHTTPFetcher(dir, cfg.Headers, logger)
}
