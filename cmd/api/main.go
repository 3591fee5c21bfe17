package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/safar/marketplace-core/internal/cache"
	"github.com/safar/marketplace-core/internal/config"
	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/notify"
	"github.com/safar/marketplace-core/internal/obs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := obs.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, "marketplace-core")
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer db.Close()

	logger.Info("connected to database")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer redisClient.Close()

	srv := &server{
		db:    db,
		cfg:   cfg,
		carts: cache.NewRedisCartCache(redisClient, cfg.Redis.CartTTL),
		log:   logger,
	}

	poller := notify.NewPoller(db, cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.PollInterval, logger)
	go poller.Run(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(srv.routes(), "marketplace-core"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
