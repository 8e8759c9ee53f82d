package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"dissolve/api/internal/app"
	"dissolve/api/internal/archive"
	"dissolve/api/internal/config"
	"dissolve/api/internal/email"
	"dissolve/api/internal/identity"
	"dissolve/api/internal/lock"
	"dissolve/api/internal/logging"
	"dissolve/api/internal/search"
	"dissolve/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpen: cfg.DBMaxConns, ApplicationName: "hoa-dissolve-api"})
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	identityService := identity.NewService(dataStore)
	created, err := identityService.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdmin, cfg.BootstrapAdminPassword)
	if err != nil {
		logger.WithError(err).Warn("bootstrap admin failed (will retry on next restart)")
	} else if created {
		logger.WithField("username", cfg.BootstrapAdmin).Info("bootstrap admin created")
	}

	deps := app.Deps{
		Store:    dataStore,
		Identity: identityService,
		Mailer: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer client.Close()
		deps.Busy, deps.ResidentLocks = redisLockers(client, cfg)
		logger.Info("using redis for operation and resident locks")
	} else {
		logger.Info("using process memory for operation and resident locks")
	}

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.WithField("component", "meilisearch"))
		defer meiliClient.Close()
		index = meiliClient
	}
	deps.Search = search.NewService(index, search.NewStoreSearcher(dataStore))

	archiver, err := archive.New(ctx, archive.Config{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
	})
	if err != nil {
		logger.WithError(err).Warn("upload archive unavailable")
	} else if archiver != nil {
		deps.Archive = archiver
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.MaxUploadBytes, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("HOA dissolution API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

func redisLockers(client *redis.Client, cfg config.Config) (busy, residents *lock.RedisLocker) {
	busy = lock.NewRedisLocker(client, lock.Options{Prefix: "busy:", TTL: cfg.OperationLockTTL, Refresh: cfg.OperationLockTTL / 3})
	residents = lock.NewRedisLocker(client, lock.Options{Prefix: "lock:", TTL: cfg.ResidentLockTTL, Wait: 5 * time.Second})
	return busy, residents
}
