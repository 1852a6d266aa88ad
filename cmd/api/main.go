package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"credit-processing-service/internal/api"
	"credit-processing-service/internal/config"
	"credit-processing-service/internal/executor"
	"credit-processing-service/internal/history"
	"credit-processing-service/internal/jobs"
	"credit-processing-service/internal/ledger"
	"credit-processing-service/internal/logging"
	"credit-processing-service/internal/ratelimit"
	"credit-processing-service/internal/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	starters := store.StarterBalances{Member: cfg.MemberStartBalance, Admin: cfg.AdminStartBalance}
	durable, err := store.New(ctx, cfg.PostgresDSN, starters)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer durable.Close()
	if err := durable.RunMigrations(ctx); err != nil {
		// The service can still run on the fallback path, but a healthy
		// start with a broken schema is not worth pretending about.
		log.Fatal().Err(err).Msg("migrations")
	}

	fallback := store.NewMemory(starters)

	credits := ledger.New(durable, fallback, log)
	jobStore := jobs.New(durable, fallback, log)
	recorder := history.New(durable, fallback, log)

	var blobs executor.BlobStore
	if cfg.Blob.S3Bucket != "" {
		blobs, err = executor.NewS3BlobStore(ctx, executor.S3Options{
			Bucket:    cfg.Blob.S3Bucket,
			Region:    cfg.Blob.S3Region,
			Endpoint:  cfg.Blob.S3Endpoint,
			PathStyle: cfg.Blob.S3PathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("init s3 blob store")
		}
	} else {
		blobs = executor.NewLocalBlobStore(cfg.Blob.Dir)
	}
	transformer := executor.NewImageTransformer(blobs, cfg.ImageDefaultWidth)

	exec := executor.New(jobStore, credits, recorder, blobs, transformer, cfg.ExecutorConcurrency, log)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(credits, jobStore, recorder, exec, limiter, durable, cfg.JobCost, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Int64("job_cost", cfg.JobCost).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	// Let in-flight jobs land on a terminal state before the process exits.
	exec.Wait()
}
