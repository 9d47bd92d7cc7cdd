package request

import (
	"context"
	"errors"
	"fmt"

	"StemFM/logger"
	"StemFM/model"
	"StemFM/repository"
	"StemFM/transport"
)

// errNotReady 事务内未能置为 ready，回滚本次写入
var errNotReady = errors.New("request not marked ready")

// OnDownloaded 处理 request_downloaded：时长检查、指纹去重，否则转交分轨
func (o *Orchestrator) OnDownloaded(ctx context.Context, p *transport.DownloadedPayload) error {
	req, err := o.processingRequest(ctx, p.ID, transport.QueueRequestDownloaded)
	if err != nil || req == nil {
		return err
	}

	ok, err := o.checkDuration(ctx, req, p.Duration)
	if err != nil || !ok {
		return err
	}

	// 晚期去重：下载内容与已有歌曲音频一致
	if p.AcoustidRecordingID != "" {
		song, err := o.store.Songs.GetByAcoustID(ctx, p.AcoustidRecordingID)
		if err != nil {
			return fmt.Errorf("failed to look up fingerprint %s: %w", p.AcoustidRecordingID, err)
		}
		if song != nil {
			logger.Info("fingerprint matched existing song",
				logger.RequestID(req.ID),
				logger.Int64("songId", song.ID),
				logger.String("acoustid", p.AcoustidRecordingID))
			return o.publishExisting(ctx, req, song, p.Path)
		}
	}

	if _, err := o.transport.Publish(ctx, transport.QueueRequestSeparate, p); err != nil {
		return fmt.Errorf("failed to forward request %d to separation: %w", req.ID, err)
	}
	logger.Info("request forwarded to separation", logger.RequestID(req.ID), logger.String("path", p.Path))
	return nil
}

// OnComplete 处理 request_complete：唯一的完成路径，提交时去重与指纹去重也都走这里
func (o *Orchestrator) OnComplete(ctx context.Context, p *transport.CompletePayload) error {
	req, err := o.store.Requests.GetByID(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to load request %d: %w", p.ID, err)
	}
	if req == nil {
		logger.Warn("completion for unknown request", logger.RequestID(p.ID))
		return nil
	}
	if req.Status != model.RequestStatusProcessing {
		// 重复投递：已经 ready 的请求不再处理
		logger.Info("completion ignored",
			logger.RequestID(req.ID),
			logger.String("status", string(req.Status)))
		return nil
	}

	ok, err := o.checkDuration(ctx, req, p.Duration)
	if err != nil || !ok {
		return err
	}

	if o.artifacts != nil {
		exists, err := o.artifacts.StemsExist(ctx, p.StemsPath)
		if err != nil {
			return fmt.Errorf("failed to check stems %s: %w", p.StemsPath, err)
		}
		if !exists {
			return o.cancelWithError(ctx, req.ID, CodeDemucsFailure,
				fmt.Errorf("stems %s missing from artifact store", p.StemsPath), nil)
		}
	}

	tuning := o.tuning.Current()
	now := o.now()
	var song *model.Song
	var bumped int64
	err = o.store.Transaction(ctx, func(tx *repository.Store) error {
		resolved, created, err := tx.Songs.ResolveOrCreate(ctx, &model.Song{
			Artist:              p.Artist,
			Title:               p.Title,
			Album:               p.Album,
			Track:               p.Track,
			Duration:            p.Duration,
			StemsPath:           p.StemsPath,
			LyricsPath:          p.LyricsPath,
			IsVideo:             p.IsVideo,
			AcoustidRecordingID: p.AcoustidRecordingID,
		})
		if err != nil {
			return err
		}
		song = resolved
		if created {
			logger.Info("song created", logger.Int64("songId", song.ID), logger.String("stemsPath", song.StemsPath))
		}

		ready, err := tx.Requests.MarkReadyUnlessDuplicate(ctx, req.ID, song.ID, now)
		if err != nil {
			return err
		}
		if !ready {
			return errNotReady
		}

		if _, err := tx.Songs.RecordDownload(ctx, &model.Download{
			Path:                p.DownloadPath,
			IsVideo:             p.IsVideo,
			LyricsPath:          p.LyricsPath,
			AcoustidRecordingID: p.AcoustidRecordingID,
			SongRequestID:       req.ID,
			SongID:              &song.ID,
		}); err != nil {
			return err
		}

		// 每次有请求变为 ready 都重新扫描，与 ready 迁移同一事务
		bumped, err = tx.Requests.BumpAged(ctx, now.Add(-tuning.BumpAge()), tuning.Queue.BumpPriority)
		return err
	})

	if errors.Is(err, errNotReady) {
		return o.resolveNotReady(ctx, req.ID, p.StemsPath)
	}
	if err != nil {
		return fmt.Errorf("failed to complete request %d: %w", req.ID, err)
	}

	if bumped > 0 {
		logger.Info("aged requests bumped", logger.Int64("count", bumped), logger.Int("priority", tuning.Queue.BumpPriority))
	}
	if o.cache != nil {
		if err := o.cache.Set(ctx, req.NormalizedQuery, song.ID); err != nil {
			logger.Warn("failed to cache query", logger.RequestID(req.ID), logger.ErrorField(err))
		}
	}
	o.broadcaster.RequestAdded(req.ID)
	o.callbacks.succeed(req.ID, song.DisplayTitle())
	logger.Info("request ready",
		logger.RequestID(req.ID),
		logger.Int64("songId", song.ID),
		logger.String("title", song.DisplayTitle()))
	return nil
}

// resolveNotReady 条件更新未命中：要么请求已被别的事件推进，要么同一首歌已在就绪队列
func (o *Orchestrator) resolveNotReady(ctx context.Context, id int64, stemsPath string) error {
	song, err := o.store.Songs.GetByStemsPath(ctx, stemsPath)
	if err != nil {
		return fmt.Errorf("failed to reload song %s: %w", stemsPath, err)
	}
	var fields map[string]interface{}
	if song != nil {
		fields = map[string]interface{}{"song_id": song.ID}
	}
	return o.cancelWithError(ctx, id, CodeRequestAlreadyExists,
		fmt.Errorf("a ready request already holds %s", stemsPath), fields)
}

// OnError 处理 request_error：映射为封闭错误集合并终止请求，从不重试
func (o *Orchestrator) OnError(ctx context.Context, p *transport.ErrorPayload) error {
	code := ParseErrorCode(p.ErrorMessage)
	if code == CodeGeneric && p.ErrorMessage != string(CodeGeneric) {
		logger.Warn("unrecognised worker error", logger.RequestID(p.ID), logger.String("errorMessage", p.ErrorMessage))
	}
	return o.cancelWithError(ctx, p.ID, code, fmt.Errorf("worker reported %s", p.ErrorMessage), nil)
}

// processingRequest 读取请求，只有 processing 状态才返回
func (o *Orchestrator) processingRequest(ctx context.Context, id int64, queue string) (*model.SongRequest, error) {
	req, err := o.store.Requests.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load request %d: %w", id, err)
	}
	if req == nil {
		logger.Warn("message for unknown request", logger.Queue(queue), logger.RequestID(id))
		return nil, nil
	}
	if req.Status != model.RequestStatusProcessing {
		logger.Info("message ignored, request not processing",
			logger.Queue(queue),
			logger.RequestID(id),
			logger.String("status", string(req.Status)))
		return nil, nil
	}
	return req, nil
}

// checkDuration 超出时长上限时尝试消耗超长歌曲令牌，否则以 TOO_LONG 取消
func (o *Orchestrator) checkDuration(ctx context.Context, req *model.SongRequest, duration float64) (bool, error) {
	if req.MaxDuration <= 0 || duration <= float64(req.MaxDuration) {
		return true, nil
	}
	if req.Requester != nil {
		spent, err := o.store.Users.SpendLongSong(ctx, *req.Requester)
		if err != nil {
			return false, fmt.Errorf("failed to spend long-song token: %w", err)
		}
		if spent {
			if err := o.store.Requests.LiftMaxDuration(ctx, req.ID); err != nil {
				return false, fmt.Errorf("failed to lift max duration: %w", err)
			}
			req.MaxDuration = 0
			logger.Info("long-song token spent", logger.RequestID(req.ID), logger.Requester(req.Requester))
			return true, nil
		}
	}
	return false, o.cancelWithError(ctx, req.ID, CodeTooLong,
		fmt.Errorf("duration %.0fs over limit %ds", duration, req.MaxDuration), nil)
}
