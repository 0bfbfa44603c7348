// Command orderd runs the order intake and execution engine: the REST and
// WebSocket API, one queue and dispatcher per side, the trade executor and
// the metrics server.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stockexchange-v1/config"
	"stockexchange-v1/internal/api"
	"stockexchange-v1/internal/execution"
	"stockexchange-v1/internal/logger"
	"stockexchange-v1/internal/metrics"
	"stockexchange-v1/internal/model"
	"stockexchange-v1/internal/notification"
	"stockexchange-v1/internal/oracle"
	"stockexchange-v1/internal/queue"
	redisstore "stockexchange-v1/internal/store/redis"
	sqlitestore "stockexchange-v1/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("orderd", 0).Error("config", "error", err)
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	log := logger.Init("orderd", level)
	if err != nil {
		log.Warn("falling back to info level", "error", err)
	}
	log.Info("starting", "job_store", cfg.JobStore, "grace_delay", cfg.GraceDelay, "oracle", cfg.OracleURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus(cfg.JobStore)

	// ---- Ledger ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	ledger, err := sqlitestore.New(sqlitestore.LedgerConfig{DBPath: cfg.SQLitePath, Logger: log})
	if err != nil {
		log.Error("ledger init failed", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()
	if err := seedUsers(ctx, ledger, cfg.SeedUsers); err != nil {
		log.Error("seed users failed", "error", err)
		os.Exit(1)
	}

	// ---- Price oracle ----
	priceClient, err := oracle.NewClient(oracle.ClientConfig{
		BaseURL:         cfg.OracleURL,
		Path:            cfg.OraclePath,
		Timeout:         cfg.OracleTimeout,
		RateLimitPerSec: cfg.OracleRPS,
		Logger:          log,
		Observe:         prom.ObserveOracle,
	})
	if err != nil {
		log.Error("oracle init failed", "error", err)
		os.Exit(1)
	}
	priceClient.Breaker().OnStateChange = func(from, to oracle.BreakerState) {
		prom.SetBreakerState(int(to))
		health.SetOracleBreaker(to.String())
		log.Warn("price oracle breaker", "from", from.String(), "to", to.String())
	}

	// ---- Executor ----
	exec := execution.New(priceClient, ledger, execution.Config{
		Logger:   log,
		OnResult: prom.ObserveExecution,
	})

	// ---- Alerts ----
	var notifier notification.Notifier = notification.NewLogNotifier(log)
	if cfg.NotifyWebhookURL != "" {
		notifier = notification.NewWebhookNotifier(cfg.NotifyWebhookURL, log)
	}
	notifier = notification.NewAsync(notifier, 10*time.Second, log)

	// ---- Job store & event stream ----
	stream := api.NewStream(log)
	var (
		store  model.JobStore
		events model.EventSink = stream
		rdb    *redisstore.JobStore
	)
	switch cfg.JobStore {
	case "redis":
		rdb, err = redisstore.New(redisstore.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Retention: cfg.JobRetention,
			Logger:    log,
		})
		if err != nil {
			log.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		store = rdb

		// Events go through Redis so every orderd instance streams them.
		pub := redisstore.NewEventPublisher(rdb.Client(), log)
		events = pub
		subCh := make(chan model.JobEvent, 256)
		go func() {
			if err := pub.Subscribe(ctx, subCh); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event subscription ended", "error", err)
			}
		}()
		go stream.Consume(ctx, subCh)
	default:
		store = queue.NewMemoryStore(cfg.JobRetention)
		log.Warn("using in-memory job store, queued orders are lost on restart")
	}

	// ---- Queues ----
	queues := make(map[model.Side]api.OrderQueue, 2)
	done := make(chan struct{}, 2)
	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		q, err := queue.New(side, store, exec, queue.Config{
			GraceDelay:   cfg.GraceDelay,
			PollInterval: cfg.PollInterval,
			Lease:        cfg.Lease,
			Parallelism:  cfg.DispatchParallelism,
			HistoryLimit: cfg.HistoryLimit,
			Events:       events,
			Notifier:     notifier,
			Metrics:      prom,
			Logger:       log,
		})
		if err != nil {
			log.Error("queue init failed", "side", side, "error", err)
			os.Exit(1)
		}
		queues[side] = q
		go func() {
			if err := q.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("dispatcher stopped", "side", q.Side(), "error", err)
			}
			done <- struct{}{}
		}()
	}

	// ---- Liveness ----
	var redisClient *goredis.Client
	if rdb != nil {
		redisClient = rdb.Client()
	}
	health.StartLivenessChecker(ctx, redisClient, ledger.DB(), 10*time.Second)

	// ---- Servers ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg, log)
	metricsSrv.Start()

	apiSrv := api.NewServer(api.Config{
		Addr:        cfg.APIAddr,
		CORSOrigins: cfg.CORSOrigins,
		Ready:       health.Healthy,
		Logger:      log,
	}, queues, ledger, stream)
	apiSrv.Start()

	log.Info("ready", "api", cfg.APIAddr, "metrics", cfg.MetricsAddr)

	// ---- Graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Stop(shutdownCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}

	// Dispatchers stop claiming and wait for in-flight executions.
	cancel()
	for range queues {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			log.Warn("timed out waiting for in-flight executions")
		}
	}
	metricsSrv.Stop(shutdownCtx)
	log.Info("stopped")
}

// seedUsers creates the configured accounts that do not exist yet. Existing
// accounts keep their balance.
func seedUsers(ctx context.Context, ledger *sqlitestore.Ledger, users []config.SeedUser) error {
	for _, u := range users {
		_, err := ledger.User(ctx, u.Username)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrNoSuchUser) {
			return err
		}
		if err := ledger.UpsertUser(ctx, model.User{Username: u.Username, Balance: u.Balance, AuthToken: u.Token}); err != nil {
			return err
		}
	}
	return nil
}
