package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"LLM-Orchestra/internal/api"
	"LLM-Orchestra/internal/bootstrap"
	"LLM-Orchestra/internal/config"
	"LLM-Orchestra/pkg/logger"
)

// main 是编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("orchestrad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := bootstrap.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.L().Error("释放资源失败", slog.Any("error", err))
		}
	}()
	if err := app.EnableTasks(ctx); err != nil {
		return err
	}

	processorCtx, processorCancel := context.WithCancel(ctx)
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		if err := app.Processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	defer func() {
		processorCancel()
		<-processorDone
	}()

	server := api.NewServer(cfg.Server.Address, app.Commands,
		api.WithTaskService(app.Tasks),
		api.WithSyncTimeout(cfg.Server.SyncTimeout()),
		api.WithMetrics(app.Metrics),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
