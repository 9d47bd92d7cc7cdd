package request

import (
	"context"
	"fmt"
	"time"

	"StemFM/config"
	"StemFM/logger"
	"StemFM/model"
	"StemFM/repository"
	"StemFM/transport"

	"golang.org/x/time/rate"
)

// SubmitOptions 提交点歌的可选参数
type SubmitOptions struct {
	Requester     *string // nil 表示内部请求，不受限流约束
	NoShenanigans bool
	MaxDuration   int // 秒；0 使用默认值，<0 不限制
	MinViews      int // 0 使用默认值

	// EffectiveCreatedAt 显式指定排队锚点（替换时沿用旧请求）
	EffectiveCreatedAt *time.Time
	Priority           int
	BumpTokenHeld      bool

	OnSuccess SuccessFunc
	OnFailure FailureFunc
}

// Submit 同步插入 processing 请求并派发后续任务，立即返回请求 id。
// 策略错误（链接不支持、查询太短、点歌过多）以 *RequestError 同步返回，不会插入数据。
func (o *Orchestrator) Submit(ctx context.Context, query string, opts SubmitOptions) (int64, error) {
	return o.submit(ctx, query, opts, true)
}

func (o *Orchestrator) submit(ctx context.Context, query string, opts SubmitOptions, enforceLimits bool) (int64, error) {
	tuning := o.tuning.Current()
	nq, err := Normalize(query, tuning.Queue.MinQueryLength)
	if err != nil {
		return 0, err
	}
	if enforceLimits && opts.Requester != nil {
		if err := o.checkLimits(ctx, *opts.Requester, tuning); err != nil {
			return 0, err
		}
	}

	now := o.now()
	existingSongID := o.lookupExisting(ctx, nq.Value)
	anchor, anchorFrom, err := o.fairnessAnchor(ctx, opts, tuning, now)
	if err != nil {
		return 0, err
	}

	req := &model.SongRequest{
		CreatedAt:          now,
		EffectiveCreatedAt: anchor,
		Query:              query,
		NormalizedQuery:    nq.Value,
		Requester:          opts.Requester,
		Status:             model.RequestStatusProcessing,
		Priority:           opts.Priority,
		NoShenanigans:      opts.NoShenanigans,
		MaxDuration:        resolveMaxDuration(opts.MaxDuration, tuning),
		MinViews:           resolveMinViews(opts.MinViews, tuning),
		BumpTokenHeld:      opts.BumpTokenHeld,
	}
	err = o.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Requests.Create(ctx, req); err != nil {
			return err
		}
		if anchorFrom == 0 {
			return nil
		}
		claimed, err := tx.Requests.ClaimAnchor(ctx, anchorFrom, req.ID)
		if err != nil {
			return err
		}
		if !claimed {
			// 并发的重新点歌先拿走了锚点
			req.EffectiveCreatedAt = now
			return tx.DB().Model(req).Update("effective_created_at", now).Error
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert request: %w", err)
	}
	o.callbacks.register(req.ID, opts.OnSuccess, opts.OnFailure)

	if err := o.dispatch(ctx, req, existingSongID); err != nil {
		o.callbacks.take(req.ID)
		if cerr := o.store.Requests.Cancel(ctx, req.ID, string(CodeGeneric), o.now()); cerr != nil {
			logger.Error("failed to cancel undispatched request", logger.RequestID(req.ID), logger.ErrorField(cerr))
		}
		return 0, fmt.Errorf("failed to dispatch request %d: %w", req.ID, err)
	}

	logger.Info("request submitted",
		logger.RequestID(req.ID),
		logger.Requester(req.Requester),
		logger.String("query", nq.Value),
		logger.Bool("dedupHit", existingSongID != nil))
	return req.ID, nil
}

// dispatch 已知歌曲时直接走完成路径，否则交给下载 worker
func (o *Orchestrator) dispatch(ctx context.Context, req *model.SongRequest, existingSongID *int64) error {
	if existingSongID != nil {
		song, err := o.store.Songs.GetByID(ctx, *existingSongID)
		if err != nil {
			return err
		}
		if song != nil {
			return o.publishExisting(ctx, req, song, "")
		}
		logger.Warn("cached song no longer exists, downloading again",
			logger.RequestID(req.ID), logger.Int64("songId", *existingSongID))
	}

	_, err := o.transport.Publish(ctx, transport.QueueRequestCreated, transport.CreatedPayload{
		ID:          req.ID,
		Query:       req.Query,
		MaxDuration: req.MaxDuration,
		MinViews:    req.MinViews,
		Requester:   req.Requester,
	})
	return err
}

// publishExisting 复用已有歌曲的分轨，发布与新处理歌曲完全相同的完成消息。
// downloadPath 为空时沿用该歌曲已有的下载记录。
func (o *Orchestrator) publishExisting(ctx context.Context, req *model.SongRequest, song *model.Song, downloadPath string) error {
	if downloadPath == "" {
		dl, err := o.store.Songs.DownloadForSong(ctx, song.ID)
		if err != nil {
			return err
		}
		downloadPath = song.StemsPath
		if dl != nil {
			downloadPath = dl.Path
		}
	}
	_, err := o.transport.Publish(ctx, transport.QueueRequestComplete, transport.CompletePayload{
		ID:                  req.ID,
		DownloadPath:        downloadPath,
		StemsPath:           song.StemsPath,
		LyricsPath:          song.LyricsPath,
		IsVideo:             song.IsVideo,
		Artist:              song.Artist,
		Title:               song.Title,
		Album:               song.Album,
		Track:               song.Track,
		Duration:            song.Duration,
		AcoustidRecordingID: song.AcoustidRecordingID,
		Requester:           req.Requester,
	})
	return err
}

// lookupExisting 先查缓存再查数据库；查询失败按未命中处理
func (o *Orchestrator) lookupExisting(ctx context.Context, normalized string) *int64 {
	if o.cache != nil {
		id, ok, err := o.cache.Get(ctx, normalized)
		if err != nil {
			logger.Warn("query cache lookup failed", logger.String("query", normalized), logger.ErrorField(err))
		} else if ok {
			return &id
		}
	}
	id, err := o.store.Requests.ResolvedSongIDByQuery(ctx, normalized)
	if err != nil {
		logger.Warn("query dedup lookup failed", logger.String("query", normalized), logger.ErrorField(err))
		return nil
	}
	return id
}

// fairnessAnchor 显式锚点 > 窗口内自己移除且未被沿用的请求的锚点 > 当前时间。
// from 为被沿用锚点的请求 id，插入时需要认领；0 表示无需认领
func (o *Orchestrator) fairnessAnchor(ctx context.Context, opts SubmitOptions, tuning *config.Tuning, now time.Time) (anchor time.Time, from int64, err error) {
	if opts.EffectiveCreatedAt != nil {
		return *opts.EffectiveCreatedAt, 0, nil
	}
	if opts.Requester == nil || tuning.ReRequestWindow() <= 0 {
		return now, 0, nil
	}
	removed, err := o.store.Requests.LastRemovedByRequester(ctx, *opts.Requester, now.Add(-tuning.ReRequestWindow()))
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to look up removed requests: %w", err)
	}
	if removed != nil && removed.EffectiveCreatedAt.Before(now) {
		return removed.EffectiveCreatedAt, removed.ID, nil
	}
	return now, 0, nil
}

// checkLimits 活跃请求数与提交频率
func (o *Orchestrator) checkLimits(ctx context.Context, requester string, tuning *config.Tuning) error {
	if max := tuning.Queue.MaxActivePerRequester; max > 0 {
		n, err := o.store.Requests.CountActiveByRequester(ctx, requester)
		if err != nil {
			return fmt.Errorf("failed to count active requests: %w", err)
		}
		if n >= int64(max) {
			return newRequestError(CodeTooManyRequests, fmt.Errorf("%s has %d active requests", requester, n))
		}
	}
	if !o.limiter(requester, tuning).AllowN(o.now(), 1) {
		return newRequestError(CodeTooManyRequests, fmt.Errorf("%s is submitting too fast", requester))
	}
	return nil
}

func (o *Orchestrator) limiter(requester string, tuning *config.Tuning) *rate.Limiter {
	limit := rate.Inf
	if interval := tuning.SubmitInterval(); interval > 0 {
		limit = rate.Every(interval)
	}
	burst := tuning.Queue.SubmitBurst
	if burst < 1 {
		burst = 1
	}

	o.limitMu.Lock()
	defer o.limitMu.Unlock()
	l, ok := o.limiters[requester]
	if !ok || l.Limit() != limit || l.Burst() != burst {
		l = rate.NewLimiter(limit, burst)
		o.limiters[requester] = l
	}
	return l
}

func resolveMaxDuration(v int, tuning *config.Tuning) int {
	switch {
	case v < 0:
		return 0
	case v == 0:
		return tuning.Queue.DefaultMaxDuration
	default:
		return v
	}
}

func resolveMinViews(v int, tuning *config.Tuning) int {
	if v <= 0 {
		return tuning.Queue.DefaultMinViews
	}
	return v
}
