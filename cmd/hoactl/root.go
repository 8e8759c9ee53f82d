package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dissolve/api/internal/app"
	"dissolve/api/internal/archive"
	"dissolve/api/internal/config"
	"dissolve/api/internal/lock"
	"dissolve/api/internal/logging"
	"dissolve/api/internal/search"
	"dissolve/api/internal/store"
)

type rootOptions struct {
	envFiles []string
	logLevel string
	stdout   io.Writer
	stderr   io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	cmd := &cobra.Command{
		Use:           "hoactl",
		Short:         "Bulk consent and resident tooling for the HOA dissolution campaign",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Env files to load before the environment (default .env, .env.local)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override LOG_LEVEL")

	cmd.AddCommand(newImportCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newDedupeCmd(opts))
	cmd.AddCommand(newMigrateIDsCmd(opts))
	return cmd
}

func Execute() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}

// runtime is an opened service plus the resources to release afterwards.
type runtime struct {
	service *app.Service
	ctx     context.Context
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// open connects to the database and the optional lock, search and archive
// backends the same way the API server does.
func (o *rootOptions) open(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(o.envFiles...)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	level := cfg.LogLevel
	if strings.TrimSpace(o.logLevel) != "" {
		level = o.logLevel
	}
	logger := logging.New(level, o.stderr)
	rt := &runtime{ctx: logging.WithLogger(ctx, logrus.NewEntry(logger).WithField("cli", "hoactl"))}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpen: 4, ApplicationName: "hoactl"})
	if err != nil {
		return nil, withCode(exitDB, err)
	}
	rt.closers = append(rt.closers, func() { db.Close() })
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		rt.Close()
		return nil, withCode(exitDB, err)
	}
	dataStore := store.NewPostgresStore(db)
	deps := app.Deps{Store: dataStore}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, withCode(exitDB, err)
		}
		rt.closers = append(rt.closers, func() { client.Close() })
		deps.Busy = lock.NewRedisLocker(client, lock.Options{Prefix: "busy:", TTL: cfg.OperationLockTTL, Refresh: cfg.OperationLockTTL / 3})
		deps.ResidentLocks = lock.NewRedisLocker(client, lock.Options{Prefix: "lock:", TTL: cfg.ResidentLockTTL, Wait: 5 * time.Second})
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.WithField("component", "meilisearch"))
		searchService := search.NewService(meiliClient, search.NewStoreSearcher(dataStore))
		rt.closers = append(rt.closers, meiliClient.Close, searchService.Wait)
		deps.Search = searchService
	}

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

	rt.service = app.New(cfg, deps)
	return rt, nil
}
