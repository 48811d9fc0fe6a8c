package main

// @title TempInbox Backend API
// @version 1.0.0
// @description 一次性临时收件箱后端 API 文档
// @BasePath /
// @schemes http https

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempinbox/backend/internal/broadcast"
	"tempinbox/backend/internal/config"
	"tempinbox/backend/internal/enrich"
	"tempinbox/backend/internal/health"
	"tempinbox/backend/internal/logger"
	"tempinbox/backend/internal/mailtm"
	"tempinbox/backend/internal/middleware"
	"tempinbox/backend/internal/monitoring"
	"tempinbox/backend/internal/poller"
	"tempinbox/backend/internal/pool"
	"tempinbox/backend/internal/service"
	"tempinbox/backend/internal/session"
	"tempinbox/backend/internal/storage/redis"
	httptransport "tempinbox/backend/internal/transport/http"
	"tempinbox/backend/internal/websocket"
)

// version 构建时通过 -ldflags 注入
var version = "dev"

// main 启动临时收件箱服务：HTTP API、WebSocket 推送、轮询与过期清理。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSize:     cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAge:      cfg.Log.MaxAgeDays,
		Service:     "tempinbox",
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting tempinbox server",
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
		zap.String("log_level", cfg.Log.Level),
		zap.Ints("ttl_options", cfg.Session.TTLOptions),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("server stopped cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	store := session.NewStore(session.Options{
		TTLOptions: cfg.Session.TTLOptions,
		DefaultTTL: cfg.Session.DefaultTTL,
		TokenTTL:   cfg.Attachment.TokenTTL,
	})

	upstream := mailtm.NewClient(mailtm.Options{
		BaseURL:     cfg.Upstream.BaseURL,
		Timeout:     cfg.Upstream.Timeout,
		RPS:         cfg.Upstream.RPS,
		CreateTries: uint64(cfg.Upstream.CreateTries),
		Logger:      log.Named("mailtm"),
	})

	inbox := service.NewInboxService(store, upstream, enrich.NewHeuristic(log.Named("enrich")), service.Options{
		TokenReuse:    cfg.Attachment.TokenReuse,
		EnrichTimeout: cfg.Enrich.Timeout,
		Metrics:       metrics,
		Logger:        log.Named("inbox"),
	})

	workers := pool.NewWorkerPool(cfg.Poll.Workers, cfg.Poll.QueueSize, log.Named("pool"))
	broker := broadcast.NewBroker(log.Named("broadcast"))
	orchestrator := poller.New(store, inbox, broker, workers, poller.Options{
		Interval:     cfg.Poll.Interval,
		FetchTimeout: cfg.Poll.FetchTimeout,
		Metrics:      metrics,
		Logger:       log.Named("poller"),
	})

	hub := websocket.NewHub(orchestrator, websocket.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Metrics:        metrics,
		Logger:         log.Named("websocket"),
	})

	sweeper := session.NewSweeper(store, orchestrator.Expire, log.Named("sweeper"))
	sweeper.Observe(func(r session.SweepResult) {
		metrics.RecordSweep(r)
		metrics.UpdateSessionsActive(store.Len())
	})

	// 配置了 Redis 时限流计数在多实例间共享，否则使用进程内令牌桶
	var limiter middleware.Limiter = middleware.NewMemoryLimiter(cfg.RateLimit.SessionsPerMinute)
	healthOpts := health.Options{
		Version:     version,
		Environment: cfg.Server.Environment,
		Logger:      log.Named("health"),
		Stats: func() map[string]int {
			return map[string]int{
				"sessions":    store.Len(),
				"pollers":     orchestrator.ActiveTasks(),
				"connections": hub.Clients(),
				"queued_jobs": workers.Pending(),
			}
		},
	}
	if cfg.Redis.Address != "" {
		rdb, err := redis.New(ctx, redis.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log.Named("redis"))
		if err != nil {
			return err
		}
		defer rdb.Close()
		limiter = middleware.NewWindowLimiter(rdb, cfg.RateLimit.SessionsPerMinute, time.Minute)
		healthOpts.Redis = rdb
		log.Info("using redis rate limiter", zap.String("address", cfg.Redis.Address))
	}
	checker := health.NewHealthChecker(upstream, healthOpts)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Inbox:          inbox,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		WebSocketHub:   hub,
		Health:         checker,
		Metrics:        metrics,
		SessionLimiter: limiter,
		Logger:         log,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workers.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		sweeper.Run(gctx, cfg.Sweep.Interval)
		return nil
	})

	g.Go(func() error {
		log.Info("API server listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()

	// 先停止轮询任务，再关闭协程池
	orchestrator.Shutdown()
	workers.Stop()
	return err
}
