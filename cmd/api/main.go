package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"audio-orchestrator/internal/api"
	"audio-orchestrator/internal/autoscale"
	"audio-orchestrator/internal/config"
	"audio-orchestrator/internal/dispatch"
	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/pool"
	"audio-orchestrator/internal/queue"
	"audio-orchestrator/internal/ratelimit"
	"audio-orchestrator/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, cleanup, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatal("init store", zap.Error(err))
	}
	defer cleanup()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(rdb)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	dispatcher := dispatch.New(st, q, log, cfg.MaxDispatchRetries, cfg.DispatchBackoff, cfg.DispatchBackoffMax)

	inspector := autoscale.Inspector{
		Store:   st,
		Pool:    newPoolManager(cfg),
		Actions: autoscale.NewRedisActionLog(rdb),
	}

	server := api.New(st, dispatcher, limiter, inspector, q, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreDriver))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	policy := store.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Enabled:    func(t models.JobType) bool { return cfg.RetryEnabled(string(t)) },
	}
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(policy), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, policy)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func newPoolManager(cfg config.Config) pool.Manager {
	if cfg.PoolManagerURL != "" {
		return pool.NewHTTP(cfg.PoolManagerURL)
	}
	return pool.NewStatic(cfg.MinWorkers)
}
