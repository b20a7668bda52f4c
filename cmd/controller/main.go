package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"audio-orchestrator/internal/autoscale"
	"audio-orchestrator/internal/config"
	"audio-orchestrator/internal/dispatch"
	"audio-orchestrator/internal/models"
	"audio-orchestrator/internal/monitor"
	"audio-orchestrator/internal/pool"
	"audio-orchestrator/internal/queue"
	"audio-orchestrator/internal/store"
	"audio-orchestrator/internal/sweeper"
	"audio-orchestrator/internal/telemetry"
)

// The controller binary hosts the three background loops: the heartbeat
// monitor, the cleanup sweeper and the autoscaler. They share nothing
// but the store, so a crash of this process loses no state; every sweep
// is recomputed from store contents on restart.
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

	policy := store.RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Enabled:    func(t models.JobType) bool { return cfg.RetryEnabled(string(t)) },
	}
	st, err := store.NewPostgres(ctx, cfg.PostgresDSN, policy)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(rdb)
	dispatcher := dispatch.New(st, q, log, cfg.MaxDispatchRetries, cfg.DispatchBackoff, cfg.DispatchBackoffMax)

	mon := monitor.New(st, dispatcher, q, cfg.MonitorInterval, cfg.StaleTimeout, log)
	swp := sweeper.New(st, cfg.SweepInterval, cfg.CompletionGracePeriod, cfg.RetentionPeriod, log)

	var pm pool.Manager
	if cfg.PoolManagerURL != "" {
		pm = pool.NewHTTP(cfg.PoolManagerURL)
	} else {
		pm = pool.NewStatic(cfg.MinWorkers)
	}
	scaler, err := autoscale.New(st, pm, autoscale.NewRedisActionLog(rdb), models.KnownTypes, autoscale.Limits{
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		Cooldown:           cfg.Cooldown,
		PollInterval:       cfg.PollInterval,
	}, log)
	if err != nil {
		log.Fatal("init autoscaler", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go func() { _ = mon.Run(ctx) }()
	go func() { _ = swp.Run(ctx) }()
	go func() { _ = scaler.Run(ctx) }()

	log.Info("controller started",
		zap.Duration("monitor_interval", cfg.MonitorInterval),
		zap.Duration("stale_timeout", cfg.StaleTimeout),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("autoscale_poll", cfg.PollInterval))
	<-ctx.Done()
}
