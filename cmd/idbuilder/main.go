// idbuilder 分布式发号服务的入口。
// 启动流程：加载配置 → 初始化日志 → 装配存储后端 →
// 跨 worker 结构初始化 → 启动 HTTP 服务，收到信号后优雅停机。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/ceyewan/idbuilder/clog"
	"github.com/ceyewan/idbuilder/config"
	"github.com/ceyewan/idbuilder/metrics"
	"github.com/ceyewan/idbuilder/sequence"
	"github.com/ceyewan/idbuilder/server"
	"github.com/ceyewan/idbuilder/service"
	"github.com/ceyewan/idbuilder/storage/factory"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "idbuilder: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to idbuilder.toml")
	pflag.Parse()

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return err
	}
	clog.SetDefault(logger)

	workerID := uuid.NewString()
	logger.Info("starting idbuilder",
		clog.String("worker", workerID),
		clog.String("backend", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := factory.Open(ctx, &cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			logger.Warn("storage cleanup failed", clog.Error(err))
		}
	}()

	// 一批 worker 中恰好一个执行结构初始化，其余等待版本就绪
	boot := service.NewBootstrapper(store, workerID, logger)
	if err := boot.Run(ctx); err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	seqOpts := []sequence.Option{
		sequence.WithLogger(logger),
		sequence.WithBatchSize(cfg.Sequence.BatchSize),
		sequence.WithPrefetchThreshold(cfg.Sequence.PrefetchThreshold),
	}
	if m != nil {
		seqOpts = append(seqOpts, sequence.WithRecorder(m))
	}
	seq := sequence.NewManager(store, seqOpts...)

	srv := server.New(
		store,
		service.NewIncrement(store, seq, logger),
		service.NewFormatted(store, seq, logger),
		service.NewSnowflake(store, cfg.Snowflake.LeaseTTL, logger),
		service.NewToken(store, logger),
		server.Options{
			Addr:           cfg.Server.Addr,
			AdminToken:     cfg.Auth.AdminToken,
			TokenExpiry:    cfg.Auth.TokenExpiry,
			RequestTimeout: cfg.Server.RequestTimeout,
			Metrics:        m,
			Logger:         logger,
		},
	)

	// 配置热更新：只接受日志级别调整
	loader.Watch(logger, func(next *config.Config) {
		if lvl, err := clog.ParseLevel(next.Log.Level); err == nil {
			_ = logger.SetLevel(lvl)
			logger.Info("log level updated", clog.String("level", next.Log.Level))
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
