package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autojudge/internal/job/executor"
	"autojudge/internal/judge/worker"
	"autojudge/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	var exec executor.Executor
	switch appCfg.Executor.Kind {
	case executor.KindContainer:
		ce, err := executor.NewContainerExecutor(appCfg.Executor.Container)
		if err != nil {
			logger.Error(context.Background(), "init container executor failed", zap.Error(err))
			return
		}
		exec = ce
	default:
		exec = executor.NewLocalExecutor(appCfg.Executor.BaseEnv)
	}

	workerCfg, err := appCfg.workerConfig()
	if err != nil {
		logger.Error(context.Background(), "invalid worker config", zap.Error(err))
		return
	}
	w, err := worker.New(workerCfg, exec)
	if err != nil {
		logger.Error(context.Background(), "init judge worker failed", zap.Error(err))
		return
	}
	defer func() {
		_ = w.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "judge worker starting",
			zap.String("machine_id", w.MachineID()),
			zap.String("executor", exec.Kind()))
		done <- w.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error(context.Background(), "judge worker stopped", zap.Error(err))
		}
		return
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	// The current job is interrupted; Run returns after its claim is released.
	select {
	case <-done:
	case <-time.After(defaultShutdownTimeout):
		logger.Warn(context.Background(), "judge worker did not stop in time")
	}
}
