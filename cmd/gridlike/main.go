package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mattj23/gridlike/internal/api"
	"github.com/mattj23/gridlike/internal/auth"
	"github.com/mattj23/gridlike/internal/blob"
	"github.com/mattj23/gridlike/internal/config"
	"github.com/mattj23/gridlike/internal/database"
	"github.com/mattj23/gridlike/internal/dispatch"
	"github.com/mattj23/gridlike/internal/store"
	"github.com/mattj23/gridlike/internal/worker"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("loading configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg); err != nil {
		log.Fatal("migrating schema", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connecting to postgres", zap.Error(err))
	}
	defer pool.Close()

	blobs, err := newBlobProvider(cfg)
	if err != nil {
		log.Fatal("initializing blob storage", zap.Error(err))
	}

	jobs := store.New(database.NewPostgres(pool), log.Named("store"))
	dispatcher := dispatch.New(jobs, blobs, dispatch.DefaultTick, log.Named("dispatch"))
	authenticator := auth.NewTokenAuthenticator(cfg.WorkerToken, log.Named("auth"))
	workers := worker.NewManager(dispatcher, authenticator, worker.DefaultManagerConfig(), log.Named("workers"))

	server := api.New(jobs, workers, blobs, cfg.APIKey, log.Named("api"))
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Router()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Run(ctx) })
	g.Go(func() error { return workers.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error {
		log.Info("gridlike listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "opening migration connection")
	}
	defer db.Close()
	return database.Migrate(db, cfg.MigrationsDir)
}

func newBlobProvider(cfg config.Config) (blob.Provider, error) {
	switch cfg.StorageBackend {
	case "filesystem":
		return blob.NewFilesystem(cfg.StoragePath), nil
	case "minio":
		return blob.NewMinio(blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			SSL:       cfg.MinioSSL,
		})
	case "redis":
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		return blob.NewRedis(rdb), nil
	}
	return nil, errors.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
