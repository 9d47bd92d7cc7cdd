package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"StemFM/cache"
	"StemFM/config"
	"StemFM/core/broadcast"
	"StemFM/core/request"
	"StemFM/db"
	"StemFM/logger"
	"StemFM/repository"
	"StemFM/server"
	"StemFM/storage"
	"StemFM/transport"

	"github.com/go-redis/redis/v8"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 StemFM 服务",
	Long:  `启动点歌编排器与 HTTP/WebSocket 接口。同一时刻只允许一个实例运行。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		setupLogger(cfg)
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	// 回调只在内存里，第二个实例会抢走消息却找不到回调
	lock := flock.New(cfg.OrchestratorLock)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another orchestrator is running (lock %s)", cfg.OrchestratorLock)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release orchestrator lock", logger.ErrorField(err))
		}
	}()

	gdb, err := db.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}

	opts := request.Options{Store: repository.NewStore(gdb)}

	tr, redisClient, err := openTransport(cfg)
	if err != nil {
		return err
	}
	defer tr.Close()
	opts.Transport = tr
	if redisClient != nil {
		defer redisClient.Close()
		opts.Cache = cache.NewQueryCache(redisClient, cfg.QueuePrefix, cfg.QueryCacheTTL)
	}

	if cfg.MinioEnabled() {
		artifacts, err := storage.NewArtifactStore(cfg)
		if err != nil {
			return err
		}
		if err := artifacts.Check(ctx); err != nil {
			return err
		}
		opts.Artifacts = artifacts
	}

	tuning, closeTuning, err := openTuning(cfg.TuningPath)
	if err != nil {
		return err
	}
	defer closeTuning()
	opts.Tuning = tuning

	hub := broadcast.NewHub()
	go hub.Run()
	defer hub.Stop()
	opts.Broadcaster = hub

	orch, err := request.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	orchErr := make(chan error, 1)
	go func() {
		orchErr <- orch.Run(ctx)
		// 消费者退出后 HTTP 也没有意义
		cancel()
	}()

	httpErr := server.New(orch, hub, cfg.JWTSecret).ListenAndServe(ctx, cfg.HTTPAddr)
	cancel()
	runErr := <-orchErr

	if pending := orch.PendingCallbacks(); pending > 0 {
		logger.Warn("shutting down with pending callbacks", logger.Int("pending", pending))
	}
	if httpErr != nil {
		return httpErr
	}
	return runErr
}

// openTransport 按 TRANSPORT_DRIVER 选择传输；redis 时一并返回客户端
func openTransport(cfg *config.Config) (transport.Transport, *redis.Client, error) {
	switch cfg.TransportDriver {
	case "memory":
		logger.Warn("using in-memory transport, messages are lost on restart")
		return transport.NewMemory(256), nil, nil
	case "redis", "":
		client, err := db.ConnectRedis(cfg)
		if err != nil {
			return nil, nil, err
		}
		tr := transport.NewRedisStreams(client, transport.RedisOptions{
			Prefix:       cfg.QueuePrefix,
			Group:        cfg.ConsumerGroup,
			Consumer:     cfg.ConsumerName,
			BlockTime:    cfg.QueueBlockTime,
			PendingSweep: cfg.QueuePendingSweep,
		})
		return tr, client, nil
	default:
		return nil, nil, fmt.Errorf("unsupported transport driver: %s", cfg.TransportDriver)
	}
}

// openTuning 文件不存在时先用默认参数，之后创建文件也会被加载
func openTuning(path string) (config.TuningSource, func(), error) {
	w, err := config.NewTuningWatcher(path)
	if err != nil {
		return nil, nil, err
	}
	return w, func() { _ = w.Close() }, nil
}
