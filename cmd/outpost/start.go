package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"outpost/internal/outpost"
	"outpost/internal/store"
)

func newStartCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start [-c config_file]",
		Short: "Start the proxy.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "outpost.yaml", "config file")
	return cmd
}

func newLogger(cfg *outpost.Config) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Logging.Production {
		zc = zap.NewProductionConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

func openCache(cfg *outpost.Config, db *store.DB, logger *zap.Logger) (outpost.CacheStore, io.Closer, error) {
	if cfg.Storage.Backend != "redis" {
		return store.NewCache(db, store.CacheOpts{RAMMax: cfg.RAMMax()}), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	rc, err := store.NewRedisCache(store.RedisCacheOpts{
		Client:       client,
		ClientCloser: client,
		Logger:       logger.Named("redis"),
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return rc, rc, nil
}

func runStart(configPath string) error {
	cfg, err := outpost.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(cfg.Storage.Dir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	cache, cacheCloser, err := openCache(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	if cacheCloser != nil {
		defer cacheCloser.Close()
	}
	queue, err := store.NewQueue(db, store.QueueOpts{})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	manifest := outpost.Manifest{Version: cfg.Lifecycle.Version, Assets: cfg.Lifecycle.Manifest}
	if cfg.Lifecycle.ManifestFile != "" {
		m, err := outpost.LoadManifestFile(cfg.Lifecycle.ManifestFile)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		if m.Version == "" {
			m.Version = cfg.Lifecycle.Version
		}
		manifest = m
	}

	reg := outpost.NewRegistry()
	flag := outpost.NewFlag(true)
	engine, err := outpost.New(outpost.Options{
		Cache:        cache,
		Queue:        queue,
		Timeout:      cfg.Network.Timeout,
		Connectivity: flag,
		Origin:       cfg.Server.Origin,
		Rules:        cfg.Rules(),
		Fallback: outpost.Fallback{
			OfflineDocument: cfg.Fallback.OfflineDocument,
			OfflineImage:    cfg.Fallback.OfflineImage,
			Home:            cfg.Fallback.Home,
		},
		Activation:         outpost.Activation(cfg.Lifecycle.Activation),
		InstallConcurrency: cfg.Lifecycle.Concurrency,
		SyncConcurrency:    cfg.Sync.Concurrency,
		Metrics:            outpost.NewMetrics(outpost.Registerer(reg)),
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flag.OnReconnect(func() { go engine.OnReconnect(ctx) })

	if err := engine.Lifecycle().Restore(ctx, manifest.Assets); err != nil {
		logger.Warn("could not resume previous generation", zap.Error(err))
	}
	if len(cfg.Lifecycle.Sitemaps) > 0 {
		found, err := engine.DiscoverSitemaps(ctx, cfg.Lifecycle.Sitemaps)
		if err != nil {
			logger.Warn("sitemap discovery failed", zap.Error(err))
		}
		manifest.Assets = outpost.MergeAssets(manifest.Assets, found)
	}
	if len(manifest.Assets) > 0 {
		if _, err := engine.Lifecycle().Install(ctx, manifest.Version, manifest.Assets); err != nil {
			logger.Warn("startup install failed", zap.Error(err))
		}
	}
	if cfg.Lifecycle.Watch {
		if err := engine.WatchManifest(cfg.Lifecycle.ManifestFile, cfg.Lifecycle.Version, 0); err != nil {
			return err
		}
	}
	engine.StartStats(cfg.Logging.StatsEvery)
	if cfg.Sync.OnStart {
		go engine.OnReconnect(ctx)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: engine.Handler(), ReadHeaderTimeout: 10 * time.Second}
	servers := []*http.Server{srv}
	go serve(srv, ln, logger.With(zap.String("addr", addr), zap.String("origin", cfg.Server.Origin)), stop)

	if cfg.Server.Admin != "" {
		aln, err := net.Listen("tcp", cfg.Server.Admin)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Admin, err)
		}
		admin := &http.Server{Handler: engine.AdminHandler(flag, reg), ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, admin)
		go serve(admin, aln, logger.With(zap.String("admin", cfg.Server.Admin)), stop)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	// Ends event streams so Shutdown does not wait on them.
	engine.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	return nil
}

func serve(srv *http.Server, ln net.Listener, logger *zap.Logger, stop func()) {
	logger.Info("outpost listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
		stop()
	}
}
