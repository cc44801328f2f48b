package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dealpoint/seckill/internal/adapter/handler"
	"github.com/dealpoint/seckill/internal/adapter/storage"
	"github.com/dealpoint/seckill/internal/cache"
	"github.com/dealpoint/seckill/internal/config"
	"github.com/dealpoint/seckill/internal/core/service"
	"github.com/dealpoint/seckill/internal/idgen"
	"github.com/dealpoint/seckill/internal/log"
	"github.com/dealpoint/seckill/internal/metrics"
	"github.com/dealpoint/seckill/internal/recon"
)

func main() {
	logger := log.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("config load failed", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		logger.Fatalw("mysql open failed", "err", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalw("mysql ping failed", "err", err)
	}
	logger.Info("connected to mysql")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalw("redis ping failed", "err", err)
	}
	logger.Info("connected to redis")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Adapters
	redisAdapter := storage.NewRedisAdapter(rdb)
	mysqlAdapter := storage.NewMySQLAdapter(db)
	if err := redisAdapter.EnsureGroup(ctx); err != nil {
		logger.Fatalw("consumer group setup failed", "err", err)
	}

	// Cache engine
	rebuildPool := cache.NewRebuildPool(cfg.RebuildWorkers, cfg.RebuildQueueDepth)
	rebuildPool.Start()
	cacheClient := cache.NewClient(rdb, rebuildPool, m.CacheRebuilds, logger)
	catalog := storage.NewCachedCatalog(mysqlAdapter, cacheClient)

	// Core services
	ids := idgen.NewGenerator(idgen.NewRedisCounter(rdb))
	seckillService := service.NewSeckillService(redisAdapter, catalog, ids, m, logger)

	consumer := service.NewOrderConsumer(
		redisAdapter, mysqlAdapter, redisAdapter,
		m, logger,
		cfg.ConsumerName, cfg.ConsumerBlock, cfg.ConsumerBackoff,
	)
	consumer.Start()
	logger.Infow("order consumer started", "consumer", cfg.ConsumerName)

	// Reconciliation job
	reconJob, err := recon.NewJob(cfg.ReconSchedule, struct {
		*storage.MySQLAdapter
		*storage.RedisAdapter
	}{mysqlAdapter, redisAdapter}, m, logger)
	if err != nil {
		logger.Fatalw("reconciliation job setup failed", "err", err)
	}
	reconJob.Start()

	// HTTP
	prewarm := func(ctx context.Context, voucherID int64) error {
		voucher, err := mysqlAdapter.GetVoucher(ctx, voucherID)
		if err != nil {
			return err
		}
		if voucher == nil {
			return service.ErrVoucherNotFound
		}
		return seckillService.PrewarmVoucher(ctx, voucher)
	}

	httpHandler := handler.NewHTTPHandler(seckillService, catalog, mysqlAdapter, prewarm, catalog.PrewarmShop, logger)
	router := chi.NewRouter()
	httpHandler.Routes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		logger.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Errorw("http server error", "err", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("http server stopped")

	consumer.Stop()
	logger.Info("order consumer stopped")

	reconJob.Stop()
	rebuildPool.Stop()
	logger.Info("background workers stopped")

	rdb.Close()
	db.Close()
	logger.Info("connections closed")
}
