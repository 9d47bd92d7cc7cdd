package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"StemFM/config"
	"StemFM/logger"
	"StemFM/model"
	"StemFM/repository"
	"StemFM/transport"

	"golang.org/x/time/rate"
)

// Broadcaster 向前端/集成方推送队列事件
type Broadcaster interface {
	RequestAdded(id int64)
	RequestRemoved(id int64)
}

// QueryCache 规范化查询 → 歌曲 id 的缓存
type QueryCache interface {
	Get(ctx context.Context, normalized string) (int64, bool, error)
	Set(ctx context.Context, normalized string, songID int64) error
}

// ArtifactChecker 校验分轨产物是否存在
type ArtifactChecker interface {
	StemsExist(ctx context.Context, stemsPath string) (bool, error)
}

// Options 构造 Orchestrator 的依赖，Cache/Artifacts/Broadcaster 可为空
type Options struct {
	Store       *repository.Store
	Transport   transport.Transport
	Broadcaster Broadcaster
	Cache       QueryCache
	Artifacts   ArtifactChecker
	Tuning      config.TuningSource
	Now         func() time.Time
}

// Orchestrator 点歌请求生命周期的唯一拥有者。
// 回调只存在于本进程内存中，因此同一时刻只能有一个实例在运行。
type Orchestrator struct {
	store       *repository.Store
	transport   transport.Transport
	broadcaster Broadcaster
	cache       QueryCache
	artifacts   ArtifactChecker
	tuning      config.TuningSource
	now         func() time.Time

	callbacks *callbackRegistry

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	// 播放器相关操作串行执行，保证同一时刻只有一个 playing
	playerMu sync.Mutex
}

// New 创建 Orchestrator
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a store")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("orchestrator requires a transport")
	}
	if opts.Tuning == nil {
		opts.Tuning = config.StaticTuning{T: config.DefaultTuning()}
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = nopBroadcaster{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:       opts.Store,
		transport:   opts.Transport,
		broadcaster: opts.Broadcaster,
		cache:       opts.Cache,
		artifacts:   opts.Artifacts,
		tuning:      opts.Tuning,
		now:         opts.Now,
		callbacks:   newCallbackRegistry(),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) RequestAdded(int64)   {}
func (nopBroadcaster) RequestRemoved(int64) {}

// Run 声明队列并为每个入站队列启动一个消费者，阻塞直到 ctx 结束。
// 同一队列顺序处理，不同队列并发。
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.transport.Declare(ctx, transport.Queues()...); err != nil {
		return fmt.Errorf("failed to declare queues: %w", err)
	}

	consumers := map[string]transport.Handler{
		transport.QueueRequestDownloaded: o.handleDownloaded,
		transport.QueueRequestComplete:   o.handleComplete,
		transport.QueueRequestError:      o.handleError,
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(consumers))
	for queue, h := range consumers {
		wg.Add(1)
		go func(queue string, h transport.Handler) {
			defer wg.Done()
			if err := o.transport.Listen(ctx, queue, h); err != nil {
				logger.Error("queue consumer exited", logger.Queue(queue), logger.ErrorField(err))
				errs <- fmt.Errorf("consumer %s: %w", queue, err)
			}
		}(queue, h)
	}
	logger.Info("orchestrator running", logger.Int("consumers", len(consumers)))

	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

func (o *Orchestrator) handleDownloaded(ctx context.Context, env *transport.Envelope) error {
	payload, err := transport.DecodeDownloaded(env)
	if err != nil {
		return err
	}
	return o.OnDownloaded(ctx, payload)
}

func (o *Orchestrator) handleComplete(ctx context.Context, env *transport.Envelope) error {
	payload, err := transport.DecodeComplete(env)
	if err != nil {
		return err
	}
	return o.OnComplete(ctx, payload)
}

func (o *Orchestrator) handleError(ctx context.Context, env *transport.Envelope) error {
	payload, err := transport.DecodeError(env)
	if err != nil {
		return err
	}
	return o.OnError(ctx, payload)
}

// cancelWithError 只取消仍在 processing 的请求：迟到的错误不会覆盖已有的终态结果
func (o *Orchestrator) cancelWithError(ctx context.Context, id int64, code ErrorCode, cause error, fields map[string]interface{}) error {
	cancelled, err := o.store.Requests.CancelIfProcessing(ctx, id, string(code), o.now(), fields)
	if err != nil {
		return fmt.Errorf("failed to cancel request %d: %w", id, err)
	}
	if !cancelled {
		logger.Info("request no longer processing, error ignored",
			logger.RequestID(id),
			logger.String("errorCode", string(code)))
		return nil
	}

	req, err := o.store.Requests.GetByID(ctx, id)
	if err != nil {
		logger.Error("failed to reload cancelled request", logger.RequestID(id), logger.ErrorField(err))
	} else if req != nil {
		o.releaseBump(ctx, req)
	}
	o.callbacks.fail(id, code)

	logger.Info("request cancelled",
		logger.RequestID(id),
		logger.String("errorCode", string(code)),
		logger.String("errorClass", string(code.Class())),
		logger.ErrorField(cause))
	return nil
}

// releaseBump 请求在播放前结束时退还占用的 bump 令牌
func (o *Orchestrator) releaseBump(ctx context.Context, req *model.SongRequest) {
	if !req.BumpTokenHeld || req.Requester == nil {
		return
	}
	if err := o.store.Users.RefundBump(ctx, *req.Requester); err != nil {
		logger.Error("failed to refund bump token",
			logger.RequestID(req.ID),
			logger.Requester(req.Requester),
			logger.ErrorField(err))
		return
	}
	logger.Info("bump token refunded", logger.RequestID(req.ID), logger.Requester(req.Requester))
}

// PendingCallbacks 尚未触发的回调数量
func (o *Orchestrator) PendingCallbacks() int {
	return o.callbacks.pending()
}
