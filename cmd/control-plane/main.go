package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"autojudge/internal/common/auth"
	"autojudge/internal/common/cache"
	"autojudge/internal/common/db"
	commonmw "autojudge/internal/common/http/middleware"
	"autojudge/internal/common/mq"
	"autojudge/internal/common/storage"
	"autojudge/internal/job/account"
	"autojudge/internal/job/claim"
	"autojudge/internal/job/controller"
	"autojudge/internal/job/executor"
	"autojudge/internal/job/model"
	"autojudge/internal/job/provider"
	"autojudge/internal/job/reconcile"
	"autojudge/internal/job/repository"
	"autojudge/internal/job/service"
	"autojudge/internal/job/store"
	"autojudge/internal/judge/tools"
	"autojudge/internal/rpc"
	"autojudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/control_plane.yaml"

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

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "control plane stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	var (
		exec      executor.Executor
		inspector executor.Inspector
	)
	switch appCfg.Executor.Kind {
	case executor.KindContainer:
		ce, err := executor.NewContainerExecutor(appCfg.Executor.Container)
		if err != nil {
			return fmt.Errorf("init container executor: %w", err)
		}
		exec, inspector = ce, ce
	default:
		exec = executor.NewLocalExecutor(appCfg.Executor.BaseEnv)
	}

	accounts, err := account.NewService(appCfg.Account)
	if err != nil {
		return fmt.Errorf("init account service: %w", err)
	}

	// Observers are built before the store; the cache loads through it.
	var (
		jobStore *store.Store
		opts     []store.Option
		states   controller.StateReader
		archiver *repository.Archiver
	)
	if appCfg.StateCache.Enabled {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.StateCache.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		stateCache := repository.NewStateCache(redisCache, func(jobID string) (model.JobState, error) {
			return jobStore.LoadState(jobID)
		}, appCfg.StateCache.TTL)
		opts = append(opts, store.WithObserver(stateCache))
		states = stateCache
	}
	if appCfg.StatusEvents.Enabled {
		producer, err := mq.NewKafkaProducer(appCfg.StatusEvents.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		opts = append(opts, store.WithObserver(repository.NewMQStatusPublisher(producer, appCfg.StatusEvents.Topic)))
	}
	if appCfg.Archive.Enabled {
		objects, err := storage.NewMinIOStorage(appCfg.Archive.MinIO)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		bctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = objects.EnsureBucket(bctx, appCfg.Archive.MinIO.Bucket)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure archive bucket: %w", err)
		}
		archiver = repository.NewArchiver(objects, appCfg.Archive.MinIO.Bucket, store.Paths{Root: appCfg.Jobs.Root})
		opts = append(opts, store.WithObserver(archiver))
	}
	jobStore = store.New(appCfg.Jobs.Root, opts...)

	var sink provider.UsageSink = repository.NewFileUsageLedger(jobStore.Paths())
	if appCfg.Usage.Database.DSN != "" {
		database, err := db.Open(ctx, appCfg.Usage.Database)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		defer func() {
			_ = database.Close()
		}()
		usageRepo, err := repository.NewUsageRepository(ctx, database)
		if err != nil {
			return fmt.Errorf("init usage repository: %w", err)
		}
		sink = usageRepo
	}
	bundles := provider.NewAccountBundleProvider(accounts)
	usage := provider.NewLedgerUsageReporter(accounts, sink, func() int64 { return time.Now().Unix() })

	commands, err := appCfg.Jobs.commands()
	if err != nil {
		return err
	}
	manager, err := service.NewManager(service.Config{
		Store:         jobStore,
		Executor:      exec,
		Bundles:       bundles,
		Usage:         usage,
		Commands:      commands,
		Mode:          appCfg.Jobs.Mode,
		LogCap:        appCfg.Jobs.LogCap,
		FailureTTL:    appCfg.Jobs.FailureTTL,
		StageTimeout:  appCfg.Jobs.StageTimeout,
		MaxConcurrent: appCfg.Jobs.MaxConcurrent,
		ExtraEnv:      appCfg.Jobs.ExtraEnv,
	})
	if err != nil {
		return fmt.Errorf("init job manager: %w", err)
	}

	if _, err := reconcile.NewReconciler(jobStore, inspector, appCfg.Jobs.FailureTTL).Run(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	authSvc := auth.NewService(appCfg.Auth)
	locker := claim.NewLocker(jobStore, appCfg.Claim.StaleAfter)
	toolSvc := tools.NewService(tools.Deps{
		Manager: manager,
		Locker:  locker,
		Bundles: bundles,
		Usage:   usage,
	}, tools.Config{LogCap: appCfg.Jobs.LogCap, MaxChunkBytes: appCfg.RPC.MaxChunkBytes})
	rpcServer := rpc.NewServer(func(r *http.Request) (auth.Identity, error) {
		return authSvc.Authenticate(auth.BearerToken(r.Header.Get("Authorization")))
	}, toolSvc.Resolve, rpc.ServerConfig{
		ReadLimit:    appCfg.RPC.ReadLimit,
		WriteTimeout: appCfg.RPC.WriteTimeout,
		PongWait:     appCfg.RPC.PongWait,
	})

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var background sync.WaitGroup
	if appCfg.Jobs.Mode == model.ModeIndependent {
		requeuer := reconcile.NewRequeuer(jobStore, locker, reconcile.RequeueConfig{
			Interval:    appCfg.Claim.RequeueInterval,
			MaxRequeues: appCfg.Claim.MaxRequeues,
			FailureTTL:  appCfg.Jobs.FailureTTL,
		})
		background.Add(1)
		go func() {
			defer background.Done()
			requeuer.Run(bgCtx)
		}()
	}

	httpServer := buildHTTPServer(appCfg, authSvc, controller.NewJobController(manager, states), rpcServer)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "control plane started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("mode", appCfg.Jobs.Mode),
			zap.String("executor", exec.Kind()))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	rpcServer.Close()
	stopBackground()
	background.Wait()
	if err := manager.Shutdown(sctx); err != nil {
		logger.Warn(ctx, "attempt loops did not stop in time", zap.Error(err))
	}
	if archiver != nil {
		if err := archiver.Wait(sctx); err != nil {
			logger.Warn(ctx, "archives did not finish in time", zap.Error(err))
		}
	}
	return nil
}

func buildHTTPServer(cfg *AppConfig, authSvc *auth.Service, jobs *controller.JobController, rpcServer *rpc.Server) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET(cfg.RPC.Path, gin.WrapH(rpcServer))

	api := router.Group("/api/v1/jobs", commonmw.UserAuthMiddleware(authSvc))
	jobs.Register(api)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
