package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custody/internal/config"
	"custody/internal/handler"
	"custody/internal/infrastructure/cache"
	"custody/internal/infrastructure/database"
	"custody/internal/infrastructure/mq"
	"custody/internal/job"
	"custody/internal/pricing"
	"custody/internal/repository"
	"custody/pkg/idgen"
	"custody/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	workerID := flag.Int64("worker-id", 1, "snowflake worker id (0-1023)")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, *workerID, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, workerID int64, log *zap.Logger) error {
	// 初始化 ID 生成器
	if err := idgen.Init(workerID); err != nil {
		log.Warn("invalid worker id, falling back to 1", zap.Int64("worker_id", workerID), zap.Error(err))
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL, log.Named("mysql"))
	if err != nil {
		return err
	}
	store := repository.NewStore(db, time.Duration(cfg.MySQL.TxTimeoutMs)*time.Millisecond)

	// 价格来源：静态价格表，启用 Redis 时叠加 Redis 覆盖
	var prices pricing.Source = pricing.NewStaticSourceFromConfig(cfg.Prices)

	// 初始化 Redis（可选）
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.InitRedis(&cfg.Redis, log.Named("redis"))
		if err != nil {
			return err
		}
		defer redisClient.Close()
		prices = pricing.NewRedisSource(redisClient, cfg.Redis.PricesKey, prices, log.Named("prices"))
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 Kafka（可选），未启用时事件保留在发件箱中
	if cfg.Kafka.Enabled {
		publisher, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer publisher.Close()

		outboxSender := job.NewOutboxSender(db, publisher, cfg, log.Named("outbox"))
		go outboxSender.Start(ctx)
	}

	reconcileJob := job.NewReconcileJob(store, time.Duration(cfg.Business.ReconcileIntervalSec)*time.Second, log.Named("reconcile"))
	go reconcileJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(store, redisClient, prices, cfg, log)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	log.Info("shutting down")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
